package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore talks to the shared Postgres database directly. Used
// by deployments with a direct connection to the Supabase database
// instead of its REST surface.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore from a connection URL
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// sortedKeys gives a deterministic column order for generated SQL
func sortedKeys(record map[string]interface{}) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Insert upserts the record by id so a replayed delivery is harmless
func (s *PostgresStore) Insert(ctx context.Context, collection string, record map[string]interface{}) error {
	keys := sortedKeys(record)

	cols := make([]string, 0, len(keys))
	holders := make([]string, 0, len(keys))
	sets := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))

	for i, k := range keys {
		quoted := pq.QuoteIdentifier(k)
		cols = append(cols, quoted)
		holders = append(holders, fmt.Sprintf("$%d", i+1))
		if k != "id" {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
		}
		args = append(args, record[k])
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		pq.QuoteIdentifier(collection),
		strings.Join(cols, ", "),
		strings.Join(holders, ", "),
		strings.Join(sets, ", "),
	)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Update overwrites the given fields of the record with this id
func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	keys := sortedKeys(fields)

	sets := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), i+1))
		args = append(args, fields[k])
	}
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $%d",
		pq.QuoteIdentifier(collection),
		strings.Join(sets, ", "),
		len(keys)+1,
	)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Delete removes the record with this id; deleting an absent record is
// not an error
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", pq.QuoteIdentifier(collection))
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// SelectRecent fetches the most recently updated records, newest
// first. Rows come back as JSON objects so the mapper sees the same
// shapes both backends produce.
func (s *PostgresStore) SelectRecent(ctx context.Context, collection string, limit int) ([]map[string]interface{}, error) {
	query := fmt.Sprintf(
		"SELECT row_to_json(t) FROM (SELECT * FROM %s ORDER BY atualizado_em DESC LIMIT $1) t",
		pq.QuoteIdentifier(collection),
	)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var record map[string]interface{}
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", collection, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Ping reports whether the remote database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
