package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics holds the sync engine's instruments
type SyncMetrics struct {
	runCounter      metric.Int64Counter
	runDuration     metric.Float64Histogram
	itemsUploaded   metric.Int64Counter
	uploadFailures  metric.Int64Counter
	conflictsTaken  metric.Int64Counter
	pendingItems    metric.Int64ObservableGauge
	pendingSnapshot atomic.Int64
}

// NewSyncMetrics creates the sync engine instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &SyncMetrics{}

	var err error
	m.runCounter, err = meter.Int64Counter(
		"sync.runs",
		metric.WithDescription("Completed sync runs"),
		metric.WithUnit("{runs}"),
	)
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram(
		"sync.run.duration",
		metric.WithDescription("Sync run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.itemsUploaded, err = meter.Int64Counter(
		"sync.items.uploaded",
		metric.WithDescription("Queue items delivered to the remote store"),
		metric.WithUnit("{items}"),
	)
	if err != nil {
		return nil, err
	}

	m.uploadFailures, err = meter.Int64Counter(
		"sync.items.failed",
		metric.WithDescription("Upload attempts that failed"),
		metric.WithUnit("{items}"),
	)
	if err != nil {
		return nil, err
	}

	m.conflictsTaken, err = meter.Int64Counter(
		"sync.conflicts.remote_won",
		metric.WithDescription("Download conflicts resolved in the remote's favor"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return nil, err
	}

	m.pendingItems, err = meter.Int64ObservableGauge(
		"sync.queue.pending",
		metric.WithDescription("Queue items awaiting delivery"),
		metric.WithUnit("{items}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.pendingSnapshot.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRun records a completed sync run and its duration
func (m *SyncMetrics) RecordRun(ctx context.Context, trigger string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	m.runCounter.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordUpload records one delivered queue item
func (m *SyncMetrics) RecordUpload(ctx context.Context, entityType, operation string) {
	m.itemsUploaded.Add(ctx, 1, metric.WithAttributes(
		EntityKind(entityType),
		Operation(operation),
	))
}

// RecordUploadFailure records one failed upload attempt
func (m *SyncMetrics) RecordUploadFailure(ctx context.Context, entityType string) {
	m.uploadFailures.Add(ctx, 1, metric.WithAttributes(EntityKind(entityType)))
}

// RecordConflict records a download conflict the remote won
func (m *SyncMetrics) RecordConflict(ctx context.Context, entityType string) {
	m.conflictsTaken.Add(ctx, 1, metric.WithAttributes(EntityKind(entityType)))
}

// SetPending publishes the current queue depth for the gauge callback
func (m *SyncMetrics) SetPending(n int64) {
	m.pendingSnapshot.Store(n)
}
