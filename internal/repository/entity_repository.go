package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agrosync/agent/internal/models"
	"github.com/agrosync/agent/internal/observability"
)

// entityTable binds an entity kind to its local table: the column
// names in storage order and the payload JSON keys they round-trip
// through. The two slices are index-aligned.
type entityTable struct {
	name     string
	cols     []string
	jsonKeys []string
}

var entityTables = map[models.EntityType]entityTable{
	models.EntityTypeActivity: {
		name:     "activities",
		cols:     []string{"name", "field_name", "status", "notes"},
		jsonKeys: []string{"name", "fieldName", "status", "notes"},
	},
	models.EntityTypeScoutPoint: {
		name:     "scout_points",
		cols:     []string{"latitude", "longitude", "crop", "notes"},
		jsonKeys: []string{"latitude", "longitude", "crop", "notes"},
	},
	models.EntityTypePestObservation: {
		name:     "pest_observations",
		cols:     []string{"pest_name", "severity", "crop", "notes"},
		jsonKeys: []string{"pestName", "severity", "crop", "notes"},
	},
}

// EntityRepository handles local persistence for all entity kinds.
// A nil database handle puts it in degraded mode: mutations become
// warn-and-no-op, reads return nothing found.
type EntityRepository struct {
	db DBTX
}

// NewEntityRepository creates a new EntityRepository. Pass a *sql.Tx
// to scope the repository to a transaction.
func NewEntityRepository(db DBTX) *EntityRepository {
	return &EntityRepository{db: db}
}

func tableFor(t models.EntityType) (entityTable, error) {
	tbl, ok := entityTables[t]
	if !ok {
		return entityTable{}, fmt.Errorf("unknown entity type: %q", t)
	}
	return tbl, nil
}

// payloadValues extracts the column values from a payload in table
// column order, going through the payload's JSON form so the column
// binding stays in one place
func payloadValues(tbl entityTable, p models.Payload) ([]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	values := make([]interface{}, len(tbl.jsonKeys))
	for i, key := range tbl.jsonKeys {
		values[i] = fields[key]
	}
	return values, nil
}

// payloadFromValues rebuilds a payload from scanned column values
func payloadFromValues(t models.EntityType, tbl entityTable, values []interface{}) (models.Payload, error) {
	fields := make(map[string]interface{}, len(tbl.jsonKeys))
	for i, key := range tbl.jsonKeys {
		v := values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		fields[key] = v
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return models.UnmarshalPayload(t, raw)
}

// GetByID retrieves an entity by id, soft-deleted rows included.
// Returns nil without error when the entity does not exist.
func (r *EntityRepository) GetByID(ctx context.Context, t models.EntityType, id string) (*models.EntityRecord, error) {
	if r.db == nil {
		return nil, nil
	}

	tbl, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT %s, created_at, updated_at, deleted_at, synced FROM %s WHERE id = ?",
		strings.Join(tbl.cols, ", "), tbl.name,
	)

	scanned := make([]interface{}, len(tbl.cols))
	dest := make([]interface{}, 0, len(tbl.cols)+4)
	for i := range scanned {
		dest = append(dest, &scanned[i])
	}

	var createdAt, updatedAt time.Time
	var deletedAt sql.NullTime
	var synced bool
	dest = append(dest, &createdAt, &updatedAt, &deletedAt, &synced)

	err = r.db.QueryRowContext(ctx, query, id).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	payload, err := payloadFromValues(t, tbl, scanned)
	if err != nil {
		return nil, err
	}

	rec := &models.EntityRecord{
		Type:      t,
		ID:        id,
		Payload:   payload,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Synced:    synced,
	}
	if deletedAt.Valid {
		dt := deletedAt.Time
		rec.DeletedAt = &dt
	}
	return rec, nil
}

// Insert stores a new locally created entity with synced=false
func (r *EntityRepository) Insert(ctx context.Context, rec *models.EntityRecord) error {
	if r.db == nil {
		observability.Warnf("Local store unavailable, dropping insert of %s %s", rec.Type, rec.ID)
		return nil
	}

	tbl, err := tableFor(rec.Type)
	if err != nil {
		return err
	}

	values, err := payloadValues(tbl, rec.Payload)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, %s, created_at, updated_at, deleted_at, synced) VALUES (?, %s, ?, ?, ?, ?)",
		tbl.name, strings.Join(tbl.cols, ", "), placeholders(len(tbl.cols)),
	)

	args := append([]interface{}{rec.ID}, values...)
	args = append(args, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.DeletedAt), rec.Synced)

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// Update overwrites the domain fields of an existing entity, bumps
// updated_at and clears the synced flag
func (r *EntityRepository) Update(ctx context.Context, rec *models.EntityRecord) error {
	if r.db == nil {
		observability.Warnf("Local store unavailable, dropping update of %s %s", rec.Type, rec.ID)
		return nil
	}

	tbl, err := tableFor(rec.Type)
	if err != nil {
		return err
	}

	values, err := payloadValues(tbl, rec.Payload)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(tbl.cols))
	for _, col := range tbl.cols {
		sets = append(sets, col+" = ?")
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s, updated_at = ?, deleted_at = ?, synced = 0 WHERE id = ?",
		tbl.name, strings.Join(sets, ", "),
	)

	args := append(values, rec.UpdatedAt, nullTime(rec.DeletedAt), rec.ID)
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// SoftDelete marks an entity deleted at the given time and clears the
// synced flag so the deletion itself gets synchronized
func (r *EntityRepository) SoftDelete(ctx context.Context, t models.EntityType, id string, at time.Time) error {
	if r.db == nil {
		observability.Warnf("Local store unavailable, dropping delete of %s %s", t, id)
		return nil
	}

	tbl, err := tableFor(t)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		"UPDATE %s SET deleted_at = ?, updated_at = ?, synced = 0 WHERE id = ?",
		tbl.name,
	)
	_, err = r.db.ExecContext(ctx, query, at, at, id)
	return err
}

// MarkSynced flips the synced flag after a successful upload
func (r *EntityRepository) MarkSynced(ctx context.Context, t models.EntityType, id string) error {
	if r.db == nil {
		return nil
	}

	tbl, err := tableFor(t)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE %s SET synced = 1 WHERE id = ?", tbl.name)
	_, err = r.db.ExecContext(ctx, query, id)
	return err
}

// UpsertFromRemote writes a remote-won record over the local row (or
// inserts it) with synced=true
func (r *EntityRepository) UpsertFromRemote(ctx context.Context, rec *models.EntityRecord) error {
	if r.db == nil {
		return nil
	}

	tbl, err := tableFor(rec.Type)
	if err != nil {
		return err
	}

	values, err := payloadValues(tbl, rec.Payload)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(tbl.cols))
	for _, col := range tbl.cols {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (id, %s, created_at, updated_at, deleted_at, synced) VALUES (?, %s, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET %s, updated_at = excluded.updated_at, deleted_at = excluded.deleted_at, synced = 1`,
		tbl.name, strings.Join(tbl.cols, ", "), placeholders(len(tbl.cols)), strings.Join(sets, ", "),
	)

	args := append([]interface{}{rec.ID}, values...)
	args = append(args, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.DeletedAt))

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// CountUnsynced returns the number of local entities of one kind that
// have not reached the remote yet
func (r *EntityRepository) CountUnsynced(ctx context.Context, t models.EntityType) (int, error) {
	if r.db == nil {
		return 0, nil
	}

	tbl, err := tableFor(t)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE synced = 0", tbl.name)
	err = r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
