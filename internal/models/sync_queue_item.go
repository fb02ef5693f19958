package models

import (
	"encoding/json"
	"time"
)

// SyncOperation is the remote mutation a queue item represents
type SyncOperation string

const (
	SyncOperationCreate SyncOperation = "create"
	SyncOperationUpdate SyncOperation = "update"
	SyncOperationDelete SyncOperation = "delete"
)

// SyncStatus is the lifecycle state of a queue item. Completed items
// are deleted immediately, so only pending, processing and failed rows
// are ever observed at rest.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusFailed     SyncStatus = "failed"
	SyncStatusCompleted  SyncStatus = "completed"
)

// SyncQueueItem is one pending mutation awaiting delivery to the
// remote store. Payload is the JSON snapshot of the entity record as
// it stood at enqueue time; it is never re-read from the entity table,
// so later local edits cannot race the upload.
type SyncQueueItem struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	EntityType   EntityType      `json:"entityType"`
	EntityID     string          `json:"entityId"`
	Operation    SyncOperation   `json:"operation"`
	Payload      json.RawMessage `json:"payload"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	Status       SyncStatus      `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	NextRetryAt  time.Time       `json:"nextRetryAt"`
}

// DecodeRecord decodes the payload snapshot back into an entity record
func (i *SyncQueueItem) DecodeRecord() (*EntityRecord, error) {
	var rec EntityRecord
	if err := json.Unmarshal(i.Payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
