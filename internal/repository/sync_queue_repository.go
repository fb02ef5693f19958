package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrosync/agent/internal/models"
	"github.com/agrosync/agent/internal/observability"
)

// SyncQueueRepository is the durable log of pending mutations. Callers
// only ever append; the orchestrator consumes and prunes. A nil
// database handle degrades every method to a warn-and-no-op so the
// caller's primary mutation still succeeds.
type SyncQueueRepository struct {
	db         DBTX
	maxRetries int
}

// NewSyncQueueRepository creates a new SyncQueueRepository. Pass a
// *sql.Tx to enqueue atomically with an entity mutation.
func NewSyncQueueRepository(db DBTX, maxRetries int) *SyncQueueRepository {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &SyncQueueRepository{db: db, maxRetries: maxRetries}
}

const queueColumns = `seq, id, entity_type, entity_id, operation, payload, retry_count, max_retries, status, error_message, created_at, updated_at, next_retry_at`

// Enqueue durably appends a pending mutation. The payload snapshot is
// captured here and never re-read, so later local edits cannot race
// the upload.
func (r *SyncQueueRepository) Enqueue(ctx context.Context, rec *models.EntityRecord, op models.SyncOperation) (*models.SyncQueueItem, error) {
	if r.db == nil {
		observability.Warnf("Local store unavailable, skipping enqueue of %s %s %s", op, rec.Type, rec.ID)
		return nil, nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s payload: %w", rec.Type, err)
	}

	now := time.Now().UTC()
	item := &models.SyncQueueItem{
		ID:          uuid.New().String(),
		EntityType:  rec.Type,
		EntityID:    rec.ID,
		Operation:   op,
		Payload:     payload,
		RetryCount:  0,
		MaxRetries:  r.maxRetries,
		Status:      models.SyncStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		NextRetryAt: now,
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, retry_count, max_retries, status, error_message, created_at, updated_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)`,
		item.ID, item.EntityType, item.EntityID, item.Operation, string(item.Payload),
		item.RetryCount, item.MaxRetries, item.Status, item.CreatedAt, item.UpdatedAt, item.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}

	if seq, err := res.LastInsertId(); err == nil {
		item.Seq = seq
	}
	return item, nil
}

// DequeueBatch returns up to limit pending items ready to run, oldest
// first. Per-entity causal order holds because one entity's items keep
// their relative enqueue order.
func (r *SyncQueueRepository) DequeueBatch(ctx context.Context, limit int) ([]*models.SyncQueueItem, error) {
	if r.db == nil {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY created_at ASC, seq ASC LIMIT ?`,
		models.SyncStatusPending, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkProcessing transitions an item to processing before its remote
// call is attempted
func (r *SyncQueueRepository) MarkProcessing(ctx context.Context, id string) error {
	if r.db == nil {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
		models.SyncStatusProcessing, time.Now().UTC(), id,
	)
	return err
}

// RecoverProcessing returns rows left in processing by an interrupted
// run to pending so the next run re-dequeues them. Delivery is
// at-least-once; the remote upsert absorbs a replayed item.
func (r *SyncQueueRepository) RecoverProcessing(ctx context.Context) (int, error) {
	if r.db == nil {
		return 0, nil
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, next_retry_at = ?, updated_at = ? WHERE status = ?`,
		models.SyncStatusPending, now, now, models.SyncStatusProcessing,
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

// MarkCompleted deletes the row: completed is a transient marker, not
// a long-lived state
func (r *SyncQueueRepository) MarkCompleted(ctx context.Context, id string) error {
	if r.db == nil {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// MarkFailedRetry records a failed attempt: the retry counter goes up,
// the next attempt is pushed out by backoffSeconds, and the item goes
// back to pending, or to failed once the budget is exhausted
func (r *SyncQueueRepository) MarkFailedRetry(ctx context.Context, id, errMsg string, backoffSeconds int) error {
	if r.db == nil {
		return nil
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END,
			error_message = ?,
			next_retry_at = ?,
			updated_at = ?
		WHERE id = ?`,
		models.SyncStatusFailed, models.SyncStatusPending,
		errMsg, now.Add(time.Duration(backoffSeconds)*time.Second), now, id,
	)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("queue item %s not found", id)
	}
	return nil
}

// MarkFailedPermanent fails an item outright, bypassing the retry
// budget. Used for remote rejections where retrying cannot help.
func (r *SyncQueueRepository) MarkFailedPermanent(ctx context.Context, id, errMsg string) error {
	if r.db == nil {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		models.SyncStatusFailed, errMsg, time.Now().UTC(), id,
	)
	return err
}

// CountPending backs the UI badge; the (status, next_retry_at) index
// keeps it cheap
func (r *SyncQueueRepository) CountPending(ctx context.Context) (int, error) {
	if r.db == nil {
		return 0, nil
	}

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`,
		models.SyncStatusPending,
	).Scan(&count)
	return count, err
}

// CountByStatus returns queue sizes per status for diagnostics
func (r *SyncQueueRepository) CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	counts := make(map[models.SyncStatus]int)
	if r.db == nil {
		return counts, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status models.SyncStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ListFailed returns items that exhausted their retry budget and await
// manual intervention
func (r *SyncQueueRepository) ListFailed(ctx context.Context) ([]*models.SyncQueueItem, error) {
	if r.db == nil {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY created_at ASC, seq ASC`,
		models.SyncStatusFailed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RetryFailed resets all failed items to pending with a fresh retry
// budget. Returns how many items were reset.
func (r *SyncQueueRepository) RetryFailed(ctx context.Context) (int, error) {
	if r.db == nil {
		return 0, nil
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, retry_count = 0, error_message = '', next_retry_at = ?, updated_at = ? WHERE status = ?`,
		models.SyncStatusPending, now, now, models.SyncStatusFailed,
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func scanQueueItem(rows *sql.Rows) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var payload string
	err := rows.Scan(
		&item.Seq,
		&item.ID,
		&item.EntityType,
		&item.EntityID,
		&item.Operation,
		&payload,
		&item.RetryCount,
		&item.MaxRetries,
		&item.Status,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	return &item, nil
}
