package services

import (
	"context"
	"sync"
	"time"

	"github.com/agrosync/agent/internal/observability"
)

// NetworkStatus is the connectivity state seen by the sync engine
type NetworkStatus int

const (
	StatusOffline NetworkStatus = iota
	StatusOnline
)

func (s NetworkStatus) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

// Prober performs one live reachability check. The sync engine probes
// the remote store itself rather than trusting a cached flag.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// NetworkMonitor polls connectivity and notifies subscribers on
// transitions only, never on redundant repeated states. Notifications
// are delivered from the monitor's own goroutine so a burst of
// transitions cannot reenter a subscriber.
type NetworkMonitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration

	mu          sync.RWMutex
	status      NetworkStatus
	subscribers map[int]func(NetworkStatus)
	nextSubID   int

	recheck  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewNetworkMonitor creates a monitor polling the prober at the given
// interval
func NewNetworkMonitor(prober Prober, interval time.Duration) *NetworkMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &NetworkMonitor{
		prober:       prober,
		interval:     interval,
		probeTimeout: 10 * time.Second,
		status:       StatusOffline,
		subscribers:  make(map[int]func(NetworkStatus)),
		recheck:      make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the polling loop
func (m *NetworkMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the polling loop
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
}

// CurrentStatus performs a live probe and returns the authoritative
// result. Any transition it uncovers is still delivered to
// subscribers from the monitor goroutine, not from the caller.
func (m *NetworkMonitor) CurrentStatus(ctx context.Context) NetworkStatus {
	status := m.probe(ctx)

	m.mu.Lock()
	changed := status != m.status
	m.status = status
	m.mu.Unlock()

	if changed {
		select {
		case m.recheck <- struct{}{}:
		default:
		}
	}
	return status
}

// LastKnownStatus returns the cached status without probing
func (m *NetworkMonitor) LastKnownStatus() NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers a transition listener and returns its
// unsubscribe function
func (m *NetworkMonitor) Subscribe(fn func(NetworkStatus)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *NetworkMonitor) probe(ctx context.Context) NetworkStatus {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if m.prober.Probe(probeCtx) {
		return StatusOnline
	}
	return StatusOffline
}

func (m *NetworkMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// lastNotified lives only in this goroutine; transitions observed
	// by CurrentStatus reach subscribers through the recheck signal
	lastNotified := m.LastKnownStatus()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.CurrentStatus(context.Background())
		case <-m.recheck:
		}

		current := m.LastKnownStatus()
		if current == lastNotified {
			continue
		}
		lastNotified = current

		observability.Infof("Connectivity changed: %s", current)

		m.mu.RLock()
		listeners := make([]func(NetworkStatus), 0, len(m.subscribers))
		for _, fn := range m.subscribers {
			listeners = append(listeners, fn)
		}
		m.mu.RUnlock()

		for _, fn := range listeners {
			fn(current)
		}
	}
}
