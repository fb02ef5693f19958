package models

import "time"

// SyncStatusResponse is the read-only engine snapshot exposed to the
// UI. It is published by the orchestrator; callers never mutate engine
// state through it.
type SyncStatusResponse struct {
	IsOnline     bool       `json:"isOnline"`
	IsSyncing    bool       `json:"isSyncing"`
	PendingCount int        `json:"pendingCount"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
}

// ForceSyncResponse reports whether a manually requested sync actually
// ran. A false value means a run was already in flight or the remote
// was unreachable, never an error.
type ForceSyncResponse struct {
	Started bool `json:"started"`
}

// PendingCountResponse backs the UI badge
type PendingCountResponse struct {
	Pending int `json:"pending"`
}

// FailedItemsResponse lists queue items that exhausted their retry
// budget and await manual intervention
type FailedItemsResponse struct {
	Items []*SyncQueueItem `json:"items"`
	Count int              `json:"count"`
}

// RetryFailedResponse reports how many failed items were reset to
// pending
type RetryFailedResponse struct {
	Reset int `json:"reset"`
}

// QueueDiagnosticsResponse breaks the queue down by status and counts
// local records still awaiting upload, per entity kind
type QueueDiagnosticsResponse struct {
	ByStatus       map[SyncStatus]int `json:"byStatus"`
	UnsyncedByKind map[EntityType]int `json:"unsyncedByKind"`
}

// ErrorResponse is a generic API error
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by the health check endpoint
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
