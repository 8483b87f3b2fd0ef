// Package scheduler drives the periodic tasks: orchestrator tick, rebalance,
// portfolio snapshot, exchange heartbeat and the daily drawdown reset. Tasks
// are mutually exclusive with themselves; an overrunning instance makes the
// next trigger skip, never stack.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"hybrid_trader/internal/config"
	"hybrid_trader/internal/core"

	"github.com/jpillora/backoff"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Orchestrator is the scheduler's view of the trading loop.
type Orchestrator interface {
	Tick(ctx context.Context) error
	Rebalance(ctx context.Context) error
	PortfolioValue(ctx context.Context) (decimal.Decimal, error)
	Stopped() bool
}

// DrawdownResetter is satisfied by *risk.StopLossRegistry.
type DrawdownResetter interface {
	ResetDaily(startValue decimal.Decimal)
}

// SnapshotWriter is satisfied by *statestore.SQLiteStore.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, value decimal.Decimal, at time.Time) error
}

// Deps bundles the scheduler's collaborators. Snapshots may be nil when no
// durable store is configured; Store may be nil to skip the liveness file.
type Deps struct {
	Orchestrator Orchestrator
	Drawdown     DrawdownResetter
	Snapshots    SnapshotWriter
	Store        core.IStateStore
	Exchange     core.IExchange
	Notifier     core.INotifier
	Clock        core.IClock
	Logger       core.ILogger
}

// Scheduler owns the cron runner and the per-task exclusion guards.
type Scheduler struct {
	cfg  config.SchedulerConfig
	deps Deps
	cron *cron.Cron

	mu      sync.Mutex
	running map[string]bool

	// tick error backoff: after a failed tick, triggers are skipped until
	// the hold expires; a successful tick resets it.
	tickBackoff *backoff.Backoff
	tickHoldEnd time.Time

	heartbeatMisses int
}

func New(cfg config.SchedulerConfig, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		running: make(map[string]bool),
		tickBackoff: &backoff.Backoff{
			Min:    30 * time.Second,
			Max:    300 * time.Second,
			Factor: 2,
		},
	}
}

func (s *Scheduler) logger() core.ILogger {
	return s.deps.Logger.WithField("component", "scheduler")
}

// Start registers every task and runs the cron loop until ctx is cancelled,
// then waits for in-flight tasks to drain.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.register(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger().Info("Scheduler started",
		"tick_seconds", s.cfg.TickSeconds,
		"rebalance_hours", s.cfg.RebalanceHours,
		"snapshot_minutes", s.cfg.SnapshotMinutes)

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger().Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) register(ctx context.Context) error {
	specs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"tick", fmt.Sprintf("@every %ds", s.cfg.TickSeconds), s.runTick},
		{"rebalance", fmt.Sprintf("@every %dh", s.cfg.RebalanceHours), s.runRebalance},
		{"snapshot", fmt.Sprintf("@every %dm", s.cfg.SnapshotMinutes), s.runSnapshot},
		{"heartbeat", fmt.Sprintf("@every %ds", s.cfg.HeartbeatSeconds), s.runHeartbeat},
	}

	resetSpec, err := dailySpec(s.cfg.DrawdownResetAtUTC)
	if err != nil {
		return fmt.Errorf("drawdown reset time: %w", err)
	}
	specs = append(specs, struct {
		name string
		spec string
		fn   func(context.Context)
	}{"drawdown_reset", resetSpec, s.runDrawdownReset})

	for _, t := range specs {
		t := t
		if _, err := s.cron.AddFunc(t.spec, s.exclusive(ctx, t.name, t.fn)); err != nil {
			return fmt.Errorf("register task %s: %w", t.name, err)
		}
	}
	return nil
}

// AddTask registers an extra job under the exclusion guard, for sidecar
// cadences like EverySpec or WeeklySpec. Call before Start.
func (s *Scheduler) AddTask(ctx context.Context, name, spec string, fn func(context.Context)) error {
	if _, err := s.cron.AddFunc(spec, s.exclusive(ctx, name, fn)); err != nil {
		return fmt.Errorf("register task %s: %w", name, err)
	}
	return nil
}

// EverySpec is the "every N minutes" cadence.
func EverySpec(every time.Duration) string {
	return fmt.Sprintf("@every %s", every)
}

// WeeklySpec is the "weekly on day at HH:MM" cadence.
func WeeklySpec(day time.Weekday, at string) (string, error) {
	daily, err := dailySpec(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %d", strings.TrimSuffix(daily, " *"), int(day)), nil
}

// exclusive wraps a task so that overlapping triggers of the same task skip
// instead of running concurrently.
func (s *Scheduler) exclusive(ctx context.Context, name string, fn func(context.Context)) func() {
	return func() {
		s.mu.Lock()
		if s.running[name] {
			s.mu.Unlock()
			s.logger().Warn("Task still running, trigger skipped", "task", name)
			return
		}
		s.running[name] = true
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.running[name] = false
			s.mu.Unlock()
		}()
		fn(ctx)
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if s.deps.Orchestrator.Stopped() {
		return
	}
	s.mu.Lock()
	hold := s.tickHoldEnd
	s.mu.Unlock()
	if now := s.deps.Clock.Now(); now.Before(hold) {
		s.logger().Warn("Tick held back after errors", "until", hold.Format(time.RFC3339))
		return
	}

	if err := s.deps.Orchestrator.Tick(ctx); err != nil {
		d := s.tickBackoff.Duration()
		s.mu.Lock()
		s.tickHoldEnd = s.deps.Clock.Now().Add(d)
		s.mu.Unlock()
		s.logger().Error("Tick failed, backing off", "hold", d.String(), "error", err)
		return
	}
	s.tickBackoff.Reset()
	s.mu.Lock()
	s.tickHoldEnd = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) runRebalance(ctx context.Context) {
	if s.deps.Orchestrator.Stopped() {
		return
	}
	if err := s.deps.Orchestrator.Rebalance(ctx); err != nil {
		s.logger().Error("Rebalance failed", "error", err)
	}
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	if s.deps.Snapshots == nil {
		return
	}
	value, err := s.deps.Orchestrator.PortfolioValue(ctx)
	if err != nil {
		s.logger().Warn("Cannot value portfolio for snapshot", "error", err)
		return
	}
	if err := s.deps.Snapshots.SaveSnapshot(ctx, value, s.deps.Clock.Now()); err != nil {
		s.logger().Error("Failed to save portfolio snapshot", "error", err)
		return
	}
	s.logger().Info("Portfolio snapshot", "value", value.StringFixed(2))
}

// runHeartbeat probes the exchange and writes a liveness timestamp for
// external monitors.
func (s *Scheduler) runHeartbeat(ctx context.Context) {
	if s.deps.Store != nil {
		stamp := fmt.Sprintf(`{"alive_at":%q}`, s.deps.Clock.Now().UTC().Format(time.RFC3339))
		if err := s.deps.Store.Write(ctx, "heartbeat.json", []byte(stamp)); err != nil {
			s.logger().Warn("Failed to write heartbeat file", "error", err)
		}
	}
	if err := s.deps.Exchange.CheckHealth(ctx); err != nil {
		s.mu.Lock()
		s.heartbeatMisses++
		misses := s.heartbeatMisses
		s.mu.Unlock()
		s.logger().Warn("Exchange heartbeat failed", "consecutive", misses, "error", err)
		if misses == 3 {
			s.deps.Notifier.Send(ctx, "Exchange unreachable for 3 consecutive heartbeats", true)
		}
		return
	}
	s.mu.Lock()
	s.heartbeatMisses = 0
	s.mu.Unlock()
}

// runDrawdownReset re-baselines the daily drawdown guard at the configured
// UTC time, clearing any sticky halt.
func (s *Scheduler) runDrawdownReset(ctx context.Context) {
	value, err := s.deps.Orchestrator.PortfolioValue(ctx)
	if err != nil {
		s.logger().Error("Cannot value portfolio for drawdown reset", "error", err)
		return
	}
	s.deps.Drawdown.ResetDaily(value)
}

// dailySpec converts "HH:MM" into a daily cron expression.
func dailySpec(at string) (string, error) {
	parts := strings.SplitN(at, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("want HH:MM, got %q", at)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("bad hour in %q", at)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("bad minute in %q", at)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
