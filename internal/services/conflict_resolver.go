package services

import (
	"github.com/agrosync/agent/internal/models"
)

// Decision is the outcome of comparing a local and a remote version of
// one entity
type Decision int

const (
	// DecisionKeepLocal keeps the local record untouched; a pending
	// queue item will eventually push it to the remote
	DecisionKeepLocal Decision = iota

	// DecisionTakeRemote overwrites the local record with the remote
	// one and marks it synced
	DecisionTakeRemote

	// DecisionInsertRemote inserts a remote record first seen here,
	// marked synced
	DecisionInsertRemote
)

func (d Decision) String() string {
	switch d {
	case DecisionKeepLocal:
		return "keep_local"
	case DecisionTakeRemote:
		return "take_remote"
	case DecisionInsertRemote:
		return "insert_remote"
	default:
		return "unknown"
	}
}

// ConflictResolver decides which version of an entity prevails:
// whole-record last-writer-wins by updatedAt, strict inequality. No
// field-level merge. Soft deletes carry no special treatment here;
// deletedAt rides along with whichever record wins.
type ConflictResolver struct{}

// NewConflictResolver creates a new ConflictResolver
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Resolve is a pure function of the two records' updatedAt timestamps.
// Remote wins only when strictly newer; a tie keeps local, on the
// assumption that pending local state is authoritative until uploaded.
func (r *ConflictResolver) Resolve(local, remote *models.EntityRecord) Decision {
	if local == nil {
		return DecisionInsertRemote
	}
	if remote == nil {
		return DecisionKeepLocal
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return DecisionTakeRemote
	}
	return DecisionKeepLocal
}
