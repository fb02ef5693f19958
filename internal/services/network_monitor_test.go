package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flipProber reports whatever reachability the test sets
type flipProber struct {
	mu     sync.Mutex
	online bool
}

func (p *flipProber) Probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *flipProber) set(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNetworkMonitor_CurrentStatus(t *testing.T) {
	prober := &flipProber{}
	monitor := NewNetworkMonitor(prober, time.Hour)

	assert.Equal(t, StatusOffline, monitor.CurrentStatus(context.Background()))

	prober.set(true)
	assert.Equal(t, StatusOnline, monitor.CurrentStatus(context.Background()))
	assert.Equal(t, StatusOnline, monitor.LastKnownStatus())
}

func TestNetworkMonitor_TransitionNotifications(t *testing.T) {
	prober := &flipProber{}
	monitor := NewNetworkMonitor(prober, 10*time.Millisecond)

	var mu sync.Mutex
	var seen []NetworkStatus
	unsubscribe := monitor.Subscribe(func(s NetworkStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsubscribe()

	monitor.Start()
	defer monitor.Stop()

	snapshot := func() []NetworkStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]NetworkStatus(nil), seen...)
	}

	t.Run("offline to online fires once", func(t *testing.T) {
		prober.set(true)
		waitFor(t, func() bool { return len(snapshot()) >= 1 })

		got := snapshot()
		require.NotEmpty(t, got)
		assert.Equal(t, StatusOnline, got[0])
	})

	t.Run("steady state stays silent", func(t *testing.T) {
		before := len(snapshot())
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, before, len(snapshot()))
	})

	t.Run("going offline fires again", func(t *testing.T) {
		before := len(snapshot())
		prober.set(false)
		waitFor(t, func() bool { return len(snapshot()) > before })

		got := snapshot()
		assert.Equal(t, StatusOffline, got[len(got)-1])
	})
}

func TestNetworkMonitor_Unsubscribe(t *testing.T) {
	prober := &flipProber{}
	monitor := NewNetworkMonitor(prober, 10*time.Millisecond)

	var mu sync.Mutex
	calls := 0
	unsubscribe := monitor.Subscribe(func(NetworkStatus) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	monitor.Start()
	defer monitor.Stop()

	unsubscribe()

	prober.set(true)
	waitFor(t, func() bool { return monitor.LastKnownStatus() == StatusOnline })
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestNetworkMonitor_LiveProbeRoutesThroughLoop(t *testing.T) {
	prober := &flipProber{}
	monitor := NewNetworkMonitor(prober, time.Hour)

	notified := make(chan NetworkStatus, 4)
	unsubscribe := monitor.Subscribe(func(s NetworkStatus) { notified <- s })
	defer unsubscribe()

	monitor.Start()
	defer monitor.Stop()

	// The ticker will not fire for an hour; only the live probe can
	// surface this transition
	prober.set(true)
	assert.Equal(t, StatusOnline, monitor.CurrentStatus(context.Background()))

	select {
	case s := <-notified:
		assert.Equal(t, StatusOnline, s)
	case <-time.After(2 * time.Second):
		t.Fatal("transition from live probe never reached subscriber")
	}
}
