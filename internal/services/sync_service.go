package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrosync/agent/internal/models"
	"github.com/agrosync/agent/internal/observability"
	"github.com/agrosync/agent/internal/remote"
	"github.com/agrosync/agent/internal/repository"
)

// SyncOptions tunes the orchestrator
type SyncOptions struct {
	Interval       time.Duration // periodic trigger while online
	BatchSize      int           // queue items per upload phase
	DownloadLimit  int           // recent records per collection
	BackoffBase    float64       // retry delay = base^retryCount seconds
	MaxBackoff     time.Duration // retry delay ceiling
	RunTimeout     time.Duration // watchdog: stale guard lifetime
	RequestTimeout time.Duration // per remote call
}

// DefaultSyncOptions returns the default orchestrator tuning
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		Interval:       5 * time.Minute,
		BatchSize:      50,
		DownloadLimit:  100,
		BackoffBase:    2,
		MaxBackoff:     time.Hour,
		RunTimeout:     10 * time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// SyncService coordinates synchronization between the local store and
// the remote store. At most one run is in flight at any time; network
// transitions, the periodic timer and manual force requests all
// converge on the same guarded entry point.
type SyncService struct {
	entities *repository.EntityRepository
	queue    *repository.SyncQueueRepository
	remote   remote.Store // nil when not configured
	mapper   *SchemaMapper
	resolver *ConflictResolver
	monitor  *NetworkMonitor
	hub      *WebSocketHub // optional
	metrics  *observability.SyncMetrics
	opts     SyncOptions

	// single-flight guard: running holds the owning run's generation,
	// zero when idle. runStartedNano feeds the watchdog.
	running        int64
	runSeq         int64
	runStartedNano int64

	mu         sync.RWMutex
	lastSyncAt *time.Time

	syncRequests chan string
	stopChan     chan struct{}
	wg           sync.WaitGroup
	unsubscribe  func()
	started      bool
}

// NewSyncService creates a new SyncService. A nil remote store leaves
// the engine in local-only mode: enqueue works, runs are no-ops.
func NewSyncService(
	entities *repository.EntityRepository,
	queue *repository.SyncQueueRepository,
	remoteStore remote.Store,
	mapper *SchemaMapper,
	resolver *ConflictResolver,
	monitor *NetworkMonitor,
	hub *WebSocketHub,
	metrics *observability.SyncMetrics,
	opts SyncOptions,
) *SyncService {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.DownloadLimit <= 0 {
		opts.DownloadLimit = 100
	}
	if opts.BackoffBase < 2 {
		opts.BackoffBase = 2
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	return &SyncService{
		entities:     entities,
		queue:        queue,
		remote:       remoteStore,
		mapper:       mapper,
		resolver:     resolver,
		monitor:      monitor,
		hub:          hub,
		metrics:      metrics,
		opts:         opts,
		syncRequests: make(chan string, 1),
		stopChan:     make(chan struct{}),
	}
}

// Start wires the trigger sources and begins the scheduler loop
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	// Items a previous process left in processing would otherwise be
	// invisible to both DequeueBatch and the badge
	if n, err := s.queue.RecoverProcessing(ctx); err != nil {
		observability.Errorf("Recovering interrupted queue items: %v", err)
	} else if n > 0 {
		observability.Infof("Re-queued %d items left processing by a previous run", n)
	}

	if s.monitor != nil {
		s.unsubscribe = s.monitor.Subscribe(func(status NetworkStatus) {
			if status == StatusOnline {
				s.requestSync("online")
			}
		})
	}

	s.wg.Add(1)
	go s.schedulerLoop(ctx)

	observability.Infof("Sync service started (interval %s, batch %d)", s.opts.Interval, s.opts.BatchSize)
}

// Stop halts the scheduler loop. An in-flight run finishes on its own.
func (s *SyncService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopChan)
	s.wg.Wait()
}

// requestSync queues a sync request; a request already waiting is
// enough, the next run catches everything up
func (s *SyncService) requestSync(trigger string) {
	select {
	case s.syncRequests <- trigger:
	default:
	}
}

// schedulerLoop is the single consumer of all trigger sources, so the
// in-flight guard is checked in exactly one place
func (s *SyncService) schedulerLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if s.monitor != nil && s.monitor.LastKnownStatus() == StatusOnline {
				s.requestSync("timer")
			}
		case trigger := <-s.syncRequests:
			s.runSync(ctx, trigger)
		}
	}
}

// ForceSync synchronously attempts one run. Returns whether a run
// actually executed: false when one is already in flight or when the
// remote is unconfigured or unreachable.
func (s *SyncService) ForceSync(ctx context.Context) bool {
	return s.runSync(ctx, "manual")
}

// AddToQueue durably records a pending mutation for later delivery.
// Never fails the caller when local storage is absent.
func (s *SyncService) AddToQueue(ctx context.Context, rec *models.EntityRecord, op models.SyncOperation) (*models.SyncQueueItem, error) {
	item, err := s.queue.Enqueue(ctx, rec, op)
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx)
	return item, nil
}

// NotifyQueueChanged refreshes the pending count and pushes the new
// snapshot to connected clients. Handlers call it after committing an
// entity mutation together with its queue append.
func (s *SyncService) NotifyQueueChanged(ctx context.Context) {
	s.publishStatus(ctx)
}

// GetPendingCount returns the current queue depth for UI badges
func (s *SyncService) GetPendingCount(ctx context.Context) int {
	count, err := s.queue.CountPending(ctx)
	if err != nil {
		observability.Warnf("Counting pending queue items: %v", err)
		return 0
	}
	return count
}

// IsSyncing reports whether a run is in flight
func (s *SyncService) IsSyncing() bool {
	return atomic.LoadInt64(&s.running) != 0
}

// Status returns a read-only snapshot for the UI
func (s *SyncService) Status(ctx context.Context) models.SyncStatusResponse {
	online := false
	if s.monitor != nil {
		online = s.monitor.LastKnownStatus() == StatusOnline
	}

	s.mu.RLock()
	lastSyncAt := s.lastSyncAt
	s.mu.RUnlock()

	return models.SyncStatusResponse{
		IsOnline:     online,
		IsSyncing:    s.IsSyncing(),
		PendingCount: s.GetPendingCount(ctx),
		LastSyncAt:   lastSyncAt,
	}
}

// acquireRunGuard takes the single-flight guard and returns the new
// run's generation, zero when another run holds it. A guard held past
// the watchdog deadline is considered abandoned and is reclaimed.
func (s *SyncService) acquireRunGuard() int64 {
	gen := atomic.AddInt64(&s.runSeq, 1)
	if atomic.CompareAndSwapInt64(&s.running, 0, gen) {
		atomic.StoreInt64(&s.runStartedNano, time.Now().UnixNano())
		return gen
	}

	owner := atomic.LoadInt64(&s.running)
	startedAt := time.Unix(0, atomic.LoadInt64(&s.runStartedNano))
	if owner != 0 && time.Since(startedAt) > s.opts.RunTimeout {
		observability.Warnf("Sync run guard held since %s, reclaiming", startedAt.Format(time.RFC3339))
		if atomic.CompareAndSwapInt64(&s.running, owner, gen) {
			atomic.StoreInt64(&s.runStartedNano, time.Now().UnixNano())
			return gen
		}
	}
	return 0
}

// releaseRunGuard frees the guard only while gen still owns it, so a
// run that lost the guard to the watchdog cannot release the
// reclaiming run's hold
func (s *SyncService) releaseRunGuard(gen int64) {
	atomic.CompareAndSwapInt64(&s.running, gen, 0)
}

func (s *SyncService) runSync(ctx context.Context, trigger string) bool {
	gen := s.acquireRunGuard()
	if gen == 0 {
		observability.Debugf("Sync already running, ignoring %s trigger", trigger)
		return false
	}
	defer s.releaseRunGuard(gen)

	if s.remote == nil {
		observability.Debug("No remote store configured, skipping sync")
		return false
	}
	if s.monitor != nil && s.monitor.CurrentStatus(ctx) != StatusOnline {
		observability.Debugf("Offline, skipping sync (%s trigger)", trigger)
		return false
	}

	ctx, span := observability.StartServiceSpan(ctx, "SyncService", "run")
	defer span.End()

	start := time.Now()
	observability.Infof("Sync run starting (trigger: %s)", trigger)

	// Anything still marked processing belongs to a crashed or
	// watchdog-reclaimed run and must go back through the queue
	if n, err := s.queue.RecoverProcessing(ctx); err != nil {
		observability.Errorf("Recovering interrupted queue items: %v", err)
	} else if n > 0 {
		observability.Warnf("Re-queued %d items left processing by an interrupted run", n)
	}

	uploaded := s.uploadPhase(ctx)
	s.publishStatus(ctx)

	// Phases are independent: upload failures never abort the download
	s.downloadPhase(ctx, uploaded)

	now := time.Now().UTC()
	s.mu.Lock()
	s.lastSyncAt = &now
	s.mu.Unlock()
	s.publishStatus(ctx)

	if s.metrics != nil {
		s.metrics.RecordRun(ctx, trigger, time.Since(start))
	}
	span.SetAttributes(observability.Duration(time.Since(start)))
	observability.Infof("Sync run finished in %s", time.Since(start).Round(time.Millisecond))
	return true
}

// uploadPhase drains one batch of the queue against the remote store,
// strictly in order. Returns the entity ids delivered in this run so
// the download phase can skip re-reading its own writes.
func (s *SyncService) uploadPhase(ctx context.Context) map[string]bool {
	uploaded := make(map[string]bool)

	dbCtx, dbSpan := observability.StartDBSpan(ctx, "dequeue", "sync_queue")
	items, err := s.queue.DequeueBatch(dbCtx, s.opts.BatchSize)
	if err != nil {
		observability.RecordError(dbSpan, err)
		dbSpan.End()
		observability.Errorf("Dequeuing sync batch: %v", err)
		return uploaded
	}
	dbSpan.End()

	for _, item := range items {
		if err := s.queue.MarkProcessing(ctx, item.ID); err != nil {
			observability.Warnf("Marking queue item %s processing: %v", item.ID, err)
			continue
		}

		if err := s.uploadItem(ctx, item); err != nil {
			s.handleItemFailure(ctx, item, err)
			continue
		}

		if err := s.queue.MarkCompleted(ctx, item.ID); err != nil {
			observability.Warnf("Completing queue item %s: %v", item.ID, err)
		}
		if err := s.entities.MarkSynced(ctx, item.EntityType, item.EntityID); err != nil {
			observability.Warnf("Marking %s %s synced: %v", item.EntityType, item.EntityID, err)
		}
		uploaded[item.EntityID] = true

		if s.metrics != nil {
			s.metrics.RecordUpload(ctx, string(item.EntityType), string(item.Operation))
		}
	}

	return uploaded
}

func (s *SyncService) uploadItem(ctx context.Context, item *models.SyncQueueItem) error {
	rec, err := item.DecodeRecord()
	if err != nil {
		return err
	}

	collection, record, err := s.mapper.ToRemoteShape(rec)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	callCtx, span := observability.StartRemoteSpan(callCtx, string(item.Operation), collection)
	span.SetAttributes(observability.EntityID(rec.ID), observability.QueueItemID(item.ID))
	defer span.End()

	var callErr error
	switch item.Operation {
	case models.SyncOperationCreate:
		callErr = s.remote.Insert(callCtx, collection, record)
	case models.SyncOperationUpdate:
		callErr = s.remote.Update(callCtx, collection, rec.ID, record)
	case models.SyncOperationDelete:
		callErr = s.remote.Delete(callCtx, collection, rec.ID)
	default:
		callErr = errors.New("unknown sync operation: " + string(item.Operation))
	}

	if callErr != nil {
		observability.RecordError(span, callErr)
	} else {
		observability.SetSuccess(span)
	}
	return callErr
}

// handleItemFailure converts a remote failure into queue state: a
// permanent rejection fails the item outright, anything else schedules
// a retry with exponential backoff
func (s *SyncService) handleItemFailure(ctx context.Context, item *models.SyncQueueItem, cause error) {
	if s.metrics != nil {
		s.metrics.RecordUploadFailure(ctx, string(item.EntityType))
	}

	if errors.Is(cause, remote.ErrRemoteRejected) {
		observability.Warnf("Queue item %s (%s %s) rejected permanently: %v", item.ID, item.Operation, item.EntityID, cause)
		if err := s.queue.MarkFailedPermanent(ctx, item.ID, cause.Error()); err != nil {
			observability.Errorf("Failing queue item %s: %v", item.ID, err)
		}
		return
	}

	backoff := s.backoffSeconds(item.RetryCount)
	observability.Warnf("Queue item %s (%s %s) failed, retry %d/%d in %ds: %v",
		item.ID, item.Operation, item.EntityID, item.RetryCount+1, item.MaxRetries, backoff, cause)
	if err := s.queue.MarkFailedRetry(ctx, item.ID, cause.Error(), backoff); err != nil {
		observability.Errorf("Scheduling retry for queue item %s: %v", item.ID, err)
	}
}

// backoffSeconds computes base^retryCount seconds, capped
func (s *SyncService) backoffSeconds(retryCount int) int {
	delay := math.Pow(s.opts.BackoffBase, float64(retryCount))
	max := s.opts.MaxBackoff.Seconds()
	if delay > max {
		delay = max
	}
	return int(delay)
}

// downloadPhase pulls the most recent records per collection and
// merges them into the local store. Entity ids delivered by this run's
// upload phase are skipped so a weakly consistent remote read cannot
// immediately overwrite what was just uploaded.
func (s *SyncService) downloadPhase(ctx context.Context, skip map[string]bool) {
	for _, collection := range s.mapper.Collections() {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		callCtx, span := observability.StartRemoteSpan(callCtx, "select_recent", collection)
		records, err := s.remote.SelectRecent(callCtx, collection, s.opts.DownloadLimit)
		if err != nil {
			observability.RecordError(span, err)
		} else {
			observability.SetSuccess(span)
		}
		span.End()
		cancel()
		if err != nil {
			observability.Warnf("Fetching recent %s records: %v", collection, err)
			continue
		}

		for _, raw := range records {
			remoteRec, err := s.mapper.ToLocalShape(collection, raw)
			if err != nil {
				observability.Debugf("Skipping unreadable %s record: %v", collection, err)
				continue
			}
			if skip[remoteRec.ID] {
				continue
			}

			local, err := s.entities.GetByID(ctx, remoteRec.Type, remoteRec.ID)
			if err != nil {
				observability.Warnf("Looking up %s %s: %v", remoteRec.Type, remoteRec.ID, err)
				continue
			}

			decision := s.resolver.Resolve(local, remoteRec)
			switch decision {
			case DecisionInsertRemote, DecisionTakeRemote:
				if err := s.entities.UpsertFromRemote(ctx, remoteRec); err != nil {
					observability.Warnf("Applying remote %s %s: %v", remoteRec.Type, remoteRec.ID, err)
					continue
				}
				if decision == DecisionTakeRemote && s.metrics != nil {
					s.metrics.RecordConflict(ctx, string(remoteRec.Type))
				}
			case DecisionKeepLocal:
				// pending queue item will push local state out
			}
		}
	}
}

// publishStatus refreshes the shared snapshot and pushes it to any
// connected UI clients
func (s *SyncService) publishStatus(ctx context.Context) {
	count := s.GetPendingCount(ctx)

	if s.metrics != nil {
		s.metrics.SetPending(int64(count))
	}
	if s.hub != nil {
		s.hub.BroadcastStatus(s.Status(ctx))
	}
}
