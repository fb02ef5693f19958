package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrosync/agent/internal/models"
	"github.com/agrosync/agent/internal/remote"
	"github.com/agrosync/agent/internal/repository"
)

// remoteCall records one mutation the fake remote received
type remoteCall struct {
	op         string
	collection string
	id         string
}

// fakeRemote is an in-memory remote.Store. failWith makes every
// mutation fail until cleared; blockOn holds mutations open so tests
// can observe an in-flight run.
type fakeRemote struct {
	mu       sync.Mutex
	calls    []remoteCall
	recent   map[string][]map[string]interface{}
	failWith error
	blockOn  chan struct{}
	started  int // mutations attempted, counted before blocking
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{recent: make(map[string][]map[string]interface{})}
}

func (f *fakeRemote) maybeFail() error {
	f.mu.Lock()
	f.started++
	err := f.failWith
	block := f.blockOn
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeRemote) record(op, collection, id string) {
	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{op: op, collection: collection, id: id})
	f.mu.Unlock()
}

func (f *fakeRemote) Insert(ctx context.Context, collection string, record map[string]interface{}) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	id, _ := record["id"].(string)
	f.record("insert", collection, id)
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.record("update", collection, id)
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.record("delete", collection, id)
	return nil
}

func (f *fakeRemote) SelectRecent(ctx context.Context, collection string, limit int) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent[collection], nil
}

func (f *fakeRemote) Ping(ctx context.Context) error { return nil }

func (f *fakeRemote) callLog() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

func (f *fakeRemote) setFailure(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func (f *fakeRemote) startedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

type syncFixture struct {
	db       *sql.DB
	entities *repository.EntityRepository
	queue    *repository.SyncQueueRepository
	remote   *fakeRemote
	prober   *flipProber
	service  *SyncService
}

func newSyncFixture(t *testing.T, opts SyncOptions) *syncFixture {
	t.Helper()

	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := newFakeRemote()
	prober := &flipProber{online: true}

	f := &syncFixture{
		db:       db,
		entities: repository.NewEntityRepository(db),
		queue:    repository.NewSyncQueueRepository(db, 5),
		remote:   store,
		prober:   prober,
	}
	f.service = NewSyncService(
		f.entities, f.queue, store,
		NewSchemaMapper(), NewConflictResolver(),
		NewNetworkMonitor(prober, time.Hour),
		nil, nil, opts,
	)
	return f
}

func (f *syncFixture) createLocal(t *testing.T, id string, updatedAt time.Time) *models.EntityRecord {
	t.Helper()
	ctx := context.Background()

	rec := &models.EntityRecord{
		Type:      models.EntityTypeActivity,
		ID:        id,
		Payload:   &models.ActivityPayload{Name: "Scout " + id, FieldName: "Talhao 1"},
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	require.NoError(t, f.entities.Insert(ctx, rec))
	_, err := f.queue.Enqueue(ctx, rec, models.SyncOperationCreate)
	require.NoError(t, err)
	return rec
}

func remoteActivity(id string, updatedAt time.Time, name string) map[string]interface{} {
	return map[string]interface{}{
		"id":            id,
		"nome":          name,
		"talhao":        "Talhao 1",
		"situacao":      "",
		"observacoes":   "",
		"criado_em":     updatedAt.Add(-time.Hour).Format(time.RFC3339Nano),
		"atualizado_em": updatedAt.Format(time.RFC3339Nano),
		"excluido_em":   nil,
	}
}

func TestSyncService_ForceSyncUploads(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()
	now := time.Now().UTC()

	f.createLocal(t, "act-1", now)
	f.createLocal(t, "act-2", now)

	require.Equal(t, 2, f.service.GetPendingCount(ctx))
	assert.True(t, f.service.ForceSync(ctx))

	calls := f.remote.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, remoteCall{op: "insert", collection: "atividades", id: "act-1"}, calls[0])
	assert.Equal(t, remoteCall{op: "insert", collection: "atividades", id: "act-2"}, calls[1])

	// Queue drained, entity marked synced
	assert.Zero(t, f.service.GetPendingCount(ctx))
	got, err := f.entities.GetByID(ctx, models.EntityTypeActivity, "act-1")
	require.NoError(t, err)
	assert.True(t, got.Synced)

	status := f.service.Status(ctx)
	assert.NotNil(t, status.LastSyncAt)
	assert.False(t, status.IsSyncing)
}

func TestSyncService_CausalReplay(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()
	now := time.Now().UTC()

	rec := f.createLocal(t, "act-1", now)

	deletedAt := now.Add(time.Minute)
	rec.DeletedAt = &deletedAt
	rec.UpdatedAt = deletedAt
	require.NoError(t, f.entities.SoftDelete(ctx, rec.Type, rec.ID, deletedAt))
	_, err := f.queue.Enqueue(ctx, rec, models.SyncOperationDelete)
	require.NoError(t, err)

	assert.True(t, f.service.ForceSync(ctx))

	calls := f.remote.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "insert", calls[0].op)
	assert.Equal(t, "delete", calls[1].op)
	assert.Equal(t, "act-1", calls[1].id)
}

func TestSyncService_RetryAfterFailure(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()

	f.createLocal(t, "act-1", time.Now().UTC())
	f.remote.setFailure(errors.New("connection refused"))

	assert.True(t, f.service.ForceSync(ctx))

	// Item survived the failure and stays pending
	assert.Equal(t, 1, f.service.GetPendingCount(ctx))
	assert.Empty(t, f.remote.callLog())

	// First retry is gated one second out
	f.remote.setFailure(nil)
	time.Sleep(1100 * time.Millisecond)

	assert.True(t, f.service.ForceSync(ctx))
	assert.Zero(t, f.service.GetPendingCount(ctx))
	require.Len(t, f.remote.callLog(), 1)
}

func TestSyncService_FailureIsolation(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()
	now := time.Now().UTC()

	// A permanently rejected item must not block its neighbors
	bad := f.createLocal(t, "act-bad", now)
	f.createLocal(t, "act-good", now)

	f.remote.setFailure(fmt.Errorf("%w: duplicate key", remote.ErrRemoteRejected))
	assert.True(t, f.service.ForceSync(ctx))
	f.remote.setFailure(nil)

	failed, err := f.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)

	// Manual retry path brings them back
	reset, err := f.queue.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	assert.True(t, f.service.ForceSync(ctx))
	assert.Zero(t, f.service.GetPendingCount(ctx))

	calls := f.remote.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, bad.ID, calls[0].id)
}

func TestSyncService_DownloadMerges(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("unseen remote record is inserted as synced", func(t *testing.T) {
		f.remote.mu.Lock()
		f.remote.recent["atividades"] = []map[string]interface{}{
			remoteActivity("remote-1", now, "Remote only"),
		}
		f.remote.mu.Unlock()

		assert.True(t, f.service.ForceSync(ctx))

		got, err := f.entities.GetByID(ctx, models.EntityTypeActivity, "remote-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Synced)
		assert.Equal(t, "Remote only", got.Payload.(*models.ActivityPayload).Name)
	})

	t.Run("strictly newer remote overwrites local", func(t *testing.T) {
		local := &models.EntityRecord{
			Type:      models.EntityTypeActivity,
			ID:        "act-2",
			Payload:   &models.ActivityPayload{Name: "Local name"},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, f.entities.Insert(ctx, local))

		f.remote.mu.Lock()
		f.remote.recent["atividades"] = []map[string]interface{}{
			remoteActivity("act-2", now.Add(time.Minute), "Remote name"),
		}
		f.remote.mu.Unlock()

		assert.True(t, f.service.ForceSync(ctx))

		got, err := f.entities.GetByID(ctx, models.EntityTypeActivity, "act-2")
		require.NoError(t, err)
		assert.Equal(t, "Remote name", got.Payload.(*models.ActivityPayload).Name)
		assert.True(t, got.Synced)
	})

	t.Run("older remote leaves local untouched", func(t *testing.T) {
		local := &models.EntityRecord{
			Type:      models.EntityTypeActivity,
			ID:        "act-3",
			Payload:   &models.ActivityPayload{Name: "Local newer"},
			CreatedAt: now,
			UpdatedAt: now.Add(time.Hour),
		}
		require.NoError(t, f.entities.Insert(ctx, local))

		f.remote.mu.Lock()
		f.remote.recent["atividades"] = []map[string]interface{}{
			remoteActivity("act-3", now, "Remote older"),
		}
		f.remote.mu.Unlock()

		assert.True(t, f.service.ForceSync(ctx))

		got, err := f.entities.GetByID(ctx, models.EntityTypeActivity, "act-3")
		require.NoError(t, err)
		assert.Equal(t, "Local newer", got.Payload.(*models.ActivityPayload).Name)
	})
}

func TestSyncService_DownloadSkipsOwnUploads(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := f.createLocal(t, "act-1", now)

	// The remote read is weakly consistent: it still serves a future
	// version under the same id. Same-run downloads must not clobber
	// what the run just uploaded.
	f.remote.mu.Lock()
	f.remote.recent["atividades"] = []map[string]interface{}{
		remoteActivity("act-1", now.Add(time.Hour), "Stale other writer"),
	}
	f.remote.mu.Unlock()

	assert.True(t, f.service.ForceSync(ctx))

	got, err := f.entities.GetByID(ctx, models.EntityTypeActivity, "act-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Payload.(*models.ActivityPayload).Name, got.Payload.(*models.ActivityPayload).Name)
}

func TestSyncService_OfflineNoOp(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()

	f.createLocal(t, "act-1", time.Now().UTC())
	f.prober.set(false)

	assert.False(t, f.service.ForceSync(ctx))
	assert.Empty(t, f.remote.callLog())
	assert.Equal(t, 1, f.service.GetPendingCount(ctx))

	status := f.service.Status(ctx)
	assert.Nil(t, status.LastSyncAt)
}

func TestSyncService_NoRemoteConfigured(t *testing.T) {
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	service := NewSyncService(
		repository.NewEntityRepository(db),
		repository.NewSyncQueueRepository(db, 5),
		nil,
		NewSchemaMapper(), NewConflictResolver(),
		NewNetworkMonitor(&flipProber{online: true}, time.Hour),
		nil, nil, DefaultSyncOptions(),
	)

	assert.False(t, service.ForceSync(context.Background()))
}

func TestSyncService_SingleFlight(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()

	f.createLocal(t, "act-1", time.Now().UTC())

	gate := make(chan struct{})
	f.remote.mu.Lock()
	f.remote.blockOn = gate
	f.remote.mu.Unlock()

	firstDone := make(chan bool)
	go func() { firstDone <- f.service.ForceSync(ctx) }()

	waitFor(t, f.service.IsSyncing)

	// Second request bounces off the guard while the first holds it
	assert.False(t, f.service.ForceSync(ctx))

	f.remote.mu.Lock()
	f.remote.blockOn = nil
	f.remote.mu.Unlock()
	close(gate)

	assert.True(t, <-firstDone)
	assert.False(t, f.service.IsSyncing())
}

func TestSyncService_RunRecoversInterruptedItems(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()

	rec := f.createLocal(t, "act-1", time.Now().UTC())

	// A previous run died after marking the item processing: it is
	// neither dequeued nor counted until someone re-queues it
	items, err := f.queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, f.queue.MarkProcessing(ctx, items[0].ID))
	require.Zero(t, f.service.GetPendingCount(ctx))

	assert.True(t, f.service.ForceSync(ctx))

	calls := f.remote.callLog()
	require.Len(t, calls, 1)
	assert.Equal(t, remoteCall{op: "insert", collection: "atividades", id: rec.ID}, calls[0])
	assert.Zero(t, f.service.GetPendingCount(ctx))

	got, err := f.entities.GetByID(ctx, models.EntityTypeActivity, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
}

func TestSyncService_StartRecoversInterruptedItems(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()

	f.createLocal(t, "act-1", time.Now().UTC())
	items, err := f.queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, f.queue.MarkProcessing(ctx, items[0].ID))
	require.Zero(t, f.service.GetPendingCount(ctx))

	f.service.Start(ctx)
	defer f.service.Stop()

	// The badge sees the re-queued item again right after startup
	assert.Equal(t, 1, f.service.GetPendingCount(ctx))
}

func TestSyncService_WatchdogReclaimsStaleRun(t *testing.T) {
	opts := DefaultSyncOptions()
	opts.RunTimeout = 50 * time.Millisecond
	f := newSyncFixture(t, opts)
	ctx := context.Background()

	f.createLocal(t, "act-1", time.Now().UTC())

	gate1 := make(chan struct{})
	f.remote.mu.Lock()
	f.remote.blockOn = gate1
	f.remote.mu.Unlock()

	firstDone := make(chan bool)
	go func() { firstDone <- f.service.ForceSync(ctx) }()
	waitFor(t, func() bool { return f.remote.startedCalls() == 1 })

	time.Sleep(80 * time.Millisecond)

	// Past the deadline a new trigger reclaims the guard and re-queues
	// the item the wedged run left in processing
	gate2 := make(chan struct{})
	f.remote.mu.Lock()
	f.remote.blockOn = gate2
	f.remote.mu.Unlock()

	secondDone := make(chan bool)
	go func() { secondDone <- f.service.ForceSync(ctx) }()
	waitFor(t, func() bool { return f.remote.startedCalls() == 2 })

	// The wedged run finishing must not release the guard the
	// reclaiming run now holds
	close(gate1)
	<-firstDone
	assert.True(t, f.service.IsSyncing())

	close(gate2)
	assert.True(t, <-secondDone)
	assert.False(t, f.service.IsSyncing())

	assert.Zero(t, f.service.GetPendingCount(ctx))
	got, err := f.entities.GetByID(ctx, models.EntityTypeActivity, "act-1")
	require.NoError(t, err)
	assert.True(t, got.Synced)
}

func TestSyncService_EmptyQueueRunIsIdempotent(t *testing.T) {
	f := newSyncFixture(t, DefaultSyncOptions())
	ctx := context.Background()

	assert.True(t, f.service.ForceSync(ctx))
	assert.True(t, f.service.ForceSync(ctx))
	assert.Empty(t, f.remote.callLog())

	status := f.service.Status(ctx)
	assert.NotNil(t, status.LastSyncAt)
	assert.Zero(t, status.PendingCount)
}
