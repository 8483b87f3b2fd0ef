package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hybrid_trader/internal/config"
	"hybrid_trader/internal/mock"
	"hybrid_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubOrchestrator struct {
	mu        sync.Mutex
	tickErr   error
	ticks     int
	rebalance int
	value     decimal.Decimal
	stopped   bool
}

func (o *stubOrchestrator) Tick(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
	return o.tickErr
}

func (o *stubOrchestrator) Rebalance(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rebalance++
	return nil
}

func (o *stubOrchestrator) PortfolioValue(context.Context) (decimal.Decimal, error) {
	return o.value, nil
}

func (o *stubOrchestrator) Stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *stubOrchestrator) tickCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks
}

type memSnapshots struct {
	mu     sync.Mutex
	values []decimal.Decimal
}

func (m *memSnapshots) SaveSnapshot(_ context.Context, value decimal.Decimal, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = append(m.values, value)
	return nil
}

type stubResetter struct {
	mu     sync.Mutex
	resets []decimal.Decimal
}

func (r *stubResetter) ResetDaily(v decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, v)
}

func newScheduler(orch *stubOrchestrator, clock *fakeClock) (*Scheduler, *mock.MockExchange, *mock.MockNotifier) {
	ex := mock.NewMockExchange()
	notifier := mock.NewMockNotifier()
	cfg := config.DefaultConfig().Scheduler
	s := New(cfg, Deps{
		Orchestrator: orch,
		Drawdown:     &stubResetter{},
		Snapshots:    &memSnapshots{},
		Exchange:     ex,
		Notifier:     notifier,
		Clock:        clock,
		Logger:       logging.NewNop(),
	})
	return s, ex, notifier
}

func TestExclusiveNeverRunsTwoInstances(t *testing.T) {
	orch := &stubOrchestrator{}
	s, _, _ := newScheduler(orch, newFakeClock())

	var active, peak int32
	release := make(chan struct{})
	task := s.exclusive(context.Background(), "tick", func(context.Context) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
	})

	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		task()
	}()
	<-started
	// Give the first instance time to take the guard.
	for atomic.LoadInt32(&active) == 0 {
		time.Sleep(time.Millisecond)
	}

	// Concurrent triggers while the first instance is still running.
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task()
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "overlapping triggers must skip")
}

func TestTickBackoffHoldsAfterError(t *testing.T) {
	clock := newFakeClock()
	orch := &stubOrchestrator{tickErr: errors.New("exchange down")}
	s, _, _ := newScheduler(orch, clock)
	ctx := context.Background()

	s.runTick(ctx)
	require.Equal(t, 1, orch.tickCount())

	// Still inside the hold window: trigger is a no-op.
	s.runTick(ctx)
	assert.Equal(t, 1, orch.tickCount())

	// Past the hold: the tick runs again, and success clears the hold.
	clock.Advance(15 * time.Minute)
	orch.mu.Lock()
	orch.tickErr = nil
	orch.mu.Unlock()
	s.runTick(ctx)
	assert.Equal(t, 2, orch.tickCount())

	s.runTick(ctx)
	assert.Equal(t, 3, orch.tickCount())
}

func TestTickSkipsWhenOrchestratorStopped(t *testing.T) {
	orch := &stubOrchestrator{stopped: true}
	s, _, _ := newScheduler(orch, newFakeClock())

	s.runTick(context.Background())
	assert.Equal(t, 0, orch.tickCount())
}

func TestHeartbeatWritesLiveness(t *testing.T) {
	orch := &stubOrchestrator{}
	s, _, _ := newScheduler(orch, newFakeClock())
	store := mock.NewMemStore()
	s.deps.Store = store

	s.runHeartbeat(context.Background())

	data, err := store.Read(context.Background(), "heartbeat.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "alive_at")
}

func TestHeartbeatNotifiesAfterThreeMisses(t *testing.T) {
	orch := &stubOrchestrator{}
	s, ex, notifier := newScheduler(orch, newFakeClock())
	ctx := context.Background()

	ex.Fail["CheckHealth"] = errors.New("timeout")
	for i := 0; i < 3; i++ {
		s.runHeartbeat(ctx)
	}
	assert.Equal(t, 1, notifier.UrgentCount())

	// A fourth miss does not re-alert; recovery resets the counter.
	s.runHeartbeat(ctx)
	assert.Equal(t, 1, notifier.UrgentCount())

	delete(ex.Fail, "CheckHealth")
	s.runHeartbeat(ctx)
	ex.Fail["CheckHealth"] = errors.New("timeout")
	s.runHeartbeat(ctx)
	assert.Equal(t, 1, notifier.UrgentCount())
}

func TestSnapshotAndDrawdownReset(t *testing.T) {
	clock := newFakeClock()
	orch := &stubOrchestrator{value: decimal.RequireFromString("12500")}
	snaps := &memSnapshots{}
	resetter := &stubResetter{}
	s := New(config.DefaultConfig().Scheduler, Deps{
		Orchestrator: orch,
		Drawdown:     resetter,
		Snapshots:    snaps,
		Exchange:     mock.NewMockExchange(),
		Notifier:     mock.NewMockNotifier(),
		Clock:        clock,
		Logger:       logging.NewNop(),
	})
	ctx := context.Background()

	s.runSnapshot(ctx)
	require.Len(t, snaps.values, 1)
	assert.True(t, snaps.values[0].Equal(decimal.RequireFromString("12500")))

	s.runDrawdownReset(ctx)
	require.Len(t, resetter.resets, 1)
	assert.True(t, resetter.resets[0].Equal(decimal.RequireFromString("12500")))
}

func TestDailySpec(t *testing.T) {
	spec, err := dailySpec("00:00")
	require.NoError(t, err)
	assert.Equal(t, "0 0 * * *", spec)

	spec, err = dailySpec("23:45")
	require.NoError(t, err)
	assert.Equal(t, "45 23 * * *", spec)

	_, err = dailySpec("24:00")
	assert.Error(t, err)
	_, err = dailySpec("noon")
	assert.Error(t, err)
}

func TestWeeklySpec(t *testing.T) {
	spec, err := WeeklySpec(time.Monday, "08:30")
	require.NoError(t, err)
	assert.Equal(t, "30 8 * * 1", spec)

	_, err = WeeklySpec(time.Sunday, "bad")
	assert.Error(t, err)
}
