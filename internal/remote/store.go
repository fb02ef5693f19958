// Package remote is the boundary to the shared remote store. The
// backend is an opaque CRUD surface keyed by record id; errors are
// values and never panic across this boundary.
package remote

import (
	"context"
	"errors"
)

// ErrRemoteRejected is a permanent rejection (validation or conflict
// on the remote side); retrying will not help
var ErrRemoteRejected = errors.New("remote store rejected the record")

// Store is the narrow per-collection CRUD surface the sync engine
// consumes. Insert must be idempotent on record id: at-least-once
// delivery replays inserts after a crash between the remote call and
// the local completion mark.
type Store interface {
	Insert(ctx context.Context, collection string, record map[string]interface{}) error
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error
	Delete(ctx context.Context, collection, id string) error
	SelectRecent(ctx context.Context, collection string, limit int) ([]map[string]interface{}, error)
	Ping(ctx context.Context) error
}
