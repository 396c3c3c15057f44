package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/internal/workers"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

type countingDispatcher struct {
	mu       sync.Mutex
	calls    int
	inflight atomic.Int32
	overlap  atomic.Bool
	block    chan struct{}
}

func (d *countingDispatcher) Tune(_ context.Context, req types.TuningRequest) types.TuningResult {
	if d.inflight.Add(1) > 1 {
		d.overlap.Store(true)
	}
	defer d.inflight.Add(-1)

	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return types.Rejected("test")
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeSettings struct{}

func (fakeSettings) GetOrCreateSettings(_ context.Context, key types.SessionKey) (*types.StrategySettings, error) {
	return &types.StrategySettings{
		Session:   key,
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
	}, nil
}

func testKey() types.SessionKey {
	return types.SessionKey{
		AccountID: 1,
		Strategy:  types.StrategyScalping,
		Exchange:  "BINANCE",
		Network:   types.NetworkTestnet,
	}
}

func newTestScheduler(t *testing.T, d Dispatcher, positions PositionTracker) *Scheduler {
	t.Helper()
	pool := workers.NewPool(zap.NewNop(), workers.Config{
		Name: "test", Workers: 4, QueueSize: 16, TaskTimeout: 5 * time.Second,
	})
	pool.Start()
	t.Cleanup(pool.Stop)

	cfg := config.SchedulerConfig{
		InitialDelay: time.Hour, // far enough that tests only see the warm-up
		Period:       time.Hour,
	}
	s := New(zap.NewNop(), cfg, pool, d, fakeSettings{}, positions, nil)
	t.Cleanup(s.Stop)
	return s
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
	t.Fatal("condition not met in time")
}

func TestMutualExclusionPerSession(t *testing.T) {
	d := &countingDispatcher{block: make(chan struct{})}
	s := newTestScheduler(t, d, nil)
	s.OnSessionStarted(testKey())

	// Wait until the warm-up pass holds the running key.
	waitFor(t, func() bool {
		_, running := s.running.Load(testKey().String())
		return running
	})

	// Concurrent triggers for the same session must all skip.
	for i := 0; i < 5; i++ {
		go s.safeTune(context.Background(), testKey(), TriggerPeriodic)
	}
	time.Sleep(50 * time.Millisecond)

	close(d.block)
	waitFor(t, func() bool { return d.count() == 1 })
	if d.overlap.Load() {
		t.Fatal("two passes ran concurrently for one session")
	}
}

func TestDistinctSessionsRunConcurrently(t *testing.T) {
	d := &countingDispatcher{}
	s := newTestScheduler(t, d, nil)

	a := testKey()
	b := testKey()
	b.AccountID = 2
	s.OnSessionStarted(a)
	s.OnSessionStarted(b)

	waitFor(t, func() bool { return d.count() == 2 })
	if got := len(s.Scheduled()); got != 2 {
		t.Errorf("expected 2 scheduled sessions, got %d", got)
	}
}

func TestPositionAwareSkip(t *testing.T) {
	d := &countingDispatcher{}
	positions := NewMemoryPositionTracker()
	positions.SetInPosition(testKey())

	s := newTestScheduler(t, d, positions)
	s.OnSessionStarted(testKey())

	time.Sleep(100 * time.Millisecond)
	if d.count() != 0 {
		t.Fatal("in-position session must not be tuned")
	}

	// After the position closes, the after-close trigger goes through.
	positions.ClearPosition(testKey())
	s.OnPositionClosed(testKey())
	waitFor(t, func() bool { return d.count() == 1 })
}

func TestStoppedSessionRejectedAtDispatch(t *testing.T) {
	d := &countingDispatcher{}
	s := newTestScheduler(t, d, nil)

	s.OnSessionStarted(testKey())
	waitFor(t, func() bool { return d.count() == 1 })
	s.OnSessionStopped(testKey())

	// A straggler trigger for the forgotten key is dropped.
	s.safeTune(context.Background(), testKey(), TriggerPeriodic)
	if d.count() != 1 {
		t.Fatal("trigger for a stopped session must be ignored")
	}

	// Position events for the stopped session are ignored too.
	s.OnPositionClosed(testKey())
	time.Sleep(50 * time.Millisecond)
	if d.count() != 1 {
		t.Fatal("after-close for a stopped session must be ignored")
	}
}

func TestDuplicateStartIsNoop(t *testing.T) {
	d := &countingDispatcher{}
	s := newTestScheduler(t, d, nil)

	s.OnSessionStarted(testKey())
	s.OnSessionStarted(testKey())
	waitFor(t, func() bool { return d.count() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := len(s.Scheduled()); got != 1 {
		t.Errorf("expected 1 scheduled session, got %d", got)
	}
	if d.count() != 1 {
		t.Errorf("duplicate start must not double the warm-up: %d calls", d.count())
	}
}
