package regime

import (
	"sync"
	"testing"
	"time"

	"hybrid_trader/internal/core"
	"hybrid_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
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

func defaultThresholds() Thresholds {
	return Thresholds{
		MinProbability:    0.70,
		MinDurationDays:   2,
		Cooldown:          24 * time.Hour,
		EmergencyBearProb: 0.85,
		MaxTransitions48H: 2,
		FlapLockExpiry:    7 * 24 * time.Hour,
	}
}

func newManager(clock *fakeClock) *ModeManager {
	return NewModeManager(core.ModeGrid, defaultThresholds(), clock, logging.NewNop())
}

func TestEvaluateRegimeMap(t *testing.T) {
	m := newManager(newFakeClock())

	mode, _ := m.Evaluate(core.RegimeBull, 0.9, 3)
	assert.Equal(t, core.ModeHold, mode)

	mode, _ = m.Evaluate(core.RegimeBear, 0.9, 3)
	assert.Equal(t, core.ModeCash, mode)

	// TRANSITION and UNKNOWN keep the current mode.
	mode, _ = m.Evaluate(core.RegimeTransition, 0.99, 10)
	assert.Equal(t, core.ModeGrid, mode)
	mode, _ = m.Evaluate(core.RegimeUnknown, 0.99, 10)
	assert.Equal(t, core.ModeGrid, mode)
}

func TestEvaluateHysteresisThresholds(t *testing.T) {
	m := newManager(newFakeClock())

	// Probability below 0.70 keeps current.
	mode, reason := m.Evaluate(core.RegimeBull, 0.65, 3)
	assert.Equal(t, core.ModeGrid, mode)
	assert.Contains(t, reason, "probability")

	// Duration below 2 days keeps current.
	mode, reason = m.Evaluate(core.RegimeBull, 0.80, 1)
	assert.Equal(t, core.ModeGrid, mode)
	assert.Contains(t, reason, "duration")

	// Both satisfied switches.
	mode, _ = m.Evaluate(core.RegimeBull, 0.80, 3)
	assert.Equal(t, core.ModeHold, mode)
}

func TestEvaluateCooldown(t *testing.T) {
	clock := newFakeClock()
	m := newManager(clock)

	assert.True(t, m.RequestSwitch(core.ModeHold, "test"))

	// Fresh transition: cooldown blocks the next proposal.
	mode, reason := m.Evaluate(core.RegimeSideways, 0.9, 5)
	assert.Equal(t, core.ModeHold, mode)
	assert.Contains(t, reason, "cooldown")

	clock.Advance(25 * time.Hour)
	mode, _ = m.Evaluate(core.RegimeSideways, 0.9, 5)
	assert.Equal(t, core.ModeGrid, mode)
}

func TestEmergencyBearBypassesHysteresis(t *testing.T) {
	clock := newFakeClock()
	m := newManager(clock)
	assert.True(t, m.RequestSwitch(core.ModeHold, "test"))

	// Low duration, inside cooldown, but emergency probability.
	mode, reason := m.Evaluate(core.RegimeBear, 0.90, 0.1)
	assert.Equal(t, core.ModeCash, mode)
	assert.Contains(t, reason, "emergency")

	// Below the emergency bar the normal gates apply.
	mode, _ = m.Evaluate(core.RegimeBear, 0.80, 0.1)
	assert.Equal(t, core.ModeHold, mode)
}

func TestEvaluateIsPure(t *testing.T) {
	m := newManager(newFakeClock())

	before := m.Current()
	m.Evaluate(core.RegimeBull, 0.9, 5)
	m.Evaluate(core.RegimeBear, 0.99, 5)
	assert.Equal(t, before, m.Current())
	assert.Empty(t, m.History())
}

func TestFlapLockForcesGrid(t *testing.T) {
	clock := newFakeClock()
	m := newManager(clock)

	// Two rapid transitions within 48h.
	assert.True(t, m.RequestSwitch(core.ModeHold, "one"))
	clock.Advance(time.Hour)
	assert.True(t, m.RequestSwitch(core.ModeCash, "two"))
	clock.Advance(time.Hour)

	// Third attempt engages the lock and forces GRID.
	assert.True(t, m.RequestSwitch(core.ModeHold, "three"))
	assert.Equal(t, core.ModeGrid, m.Current())
	assert.True(t, m.FlapLocked())

	// While locked, Evaluate recommends GRID regardless of regime.
	mode, reason := m.Evaluate(core.RegimeBull, 0.99, 10)
	assert.Equal(t, core.ModeGrid, mode)
	assert.Contains(t, reason, "flap lock")

	// And non-GRID switches are rejected.
	assert.False(t, m.RequestSwitch(core.ModeCash, "while locked"))
	assert.Equal(t, core.ModeGrid, m.Current())

	// The lock expires after 7 days.
	clock.Advance(7*24*time.Hour + time.Minute)
	assert.False(t, m.FlapLocked())
}

func TestRequestSwitchRecordsHistory(t *testing.T) {
	clock := newFakeClock()
	m := newManager(clock)

	assert.True(t, m.RequestSwitch(core.ModeHold, "bull confirmed"))
	assert.False(t, m.RequestSwitch(core.ModeHold, "no-op"))

	history := m.History()
	assert.Len(t, history, 1)
	assert.Equal(t, core.ModeGrid, history[0].From)
	assert.Equal(t, core.ModeHold, history[0].To)
	assert.Equal(t, "bull confirmed", history[0].Reason)
	assert.Equal(t, clock.Now(), m.ModeSince())
}
