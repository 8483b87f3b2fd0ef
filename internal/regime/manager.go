// Package regime implements the mode manager: the regime-to-mode map with
// hysteresis, the emergency bear override and the anti-flap lock.
package regime

import (
	"fmt"
	"sync"
	"time"

	"hybrid_trader/internal/core"
)

// Thresholds are the switching parameters; defaults come from config.
type Thresholds struct {
	MinProbability    float64
	MinDurationDays   float64
	Cooldown          time.Duration
	EmergencyBearProb float64
	MaxTransitions48H int
	FlapLockExpiry    time.Duration
}

// TransitionEvent records one accepted mode switch.
type TransitionEvent struct {
	From   core.TradingMode
	To     core.TradingMode
	Reason string
	At     time.Time
}

// ModeManager tracks the current trading mode and decides switches.
// Evaluate is pure; RequestSwitch is the only mutator of the mode itself.
type ModeManager struct {
	mu sync.Mutex

	thresholds Thresholds
	clock      core.IClock
	logger     core.ILogger

	current        core.TradingMode
	previous       core.TradingMode
	modeSince      time.Time
	lastRegime     core.MarketRegime
	lastProb       float64
	lastTransition time.Time
	transitions    []TransitionEvent
	flapLockUntil  time.Time
}

func NewModeManager(initial core.TradingMode, thresholds Thresholds, clock core.IClock, logger core.ILogger) *ModeManager {
	return &ModeManager{
		thresholds: thresholds,
		clock:      clock,
		logger:     logger.WithField("component", "mode_manager"),
		current:    initial,
		modeSince:  clock.Now(),
	}
}

// Restore seeds the manager from a previous run's persisted state, before the
// first tick. No transition event is recorded; a zero since falls back to now
// so hysteresis never sees a bogus multi-year mode age.
func (m *ModeManager) Restore(mode core.TradingMode, since time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if since.IsZero() {
		since = m.clock.Now()
	}
	m.current = mode
	m.modeSince = since
	m.logger.Info("Mode restored from previous run",
		"mode", string(mode), "since", since.Format(time.RFC3339))
}

func modeForRegime(regime core.MarketRegime) (core.TradingMode, bool) {
	switch regime {
	case core.RegimeBull:
		return core.ModeHold, true
	case core.RegimeSideways:
		return core.ModeGrid, true
	case core.RegimeBear:
		return core.ModeCash, true
	}
	return "", false
}

// Evaluate recommends a mode for the observed regime. Pure: it never
// mutates manager state.
func (m *ModeManager) Evaluate(regime core.MarketRegime, probability, durationDays float64) (core.TradingMode, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if now.Before(m.flapLockUntil) {
		return core.ModeGrid, fmt.Sprintf("flap lock active until %s", m.flapLockUntil.Format(time.RFC3339))
	}

	target, known := modeForRegime(regime)
	if !known {
		return m.current, fmt.Sprintf("regime %s keeps current mode", regime)
	}
	if target == m.current {
		return m.current, "already in recommended mode"
	}

	// Emergency bear bypasses hysteresis but not the flap lock.
	if regime == core.RegimeBear && probability >= m.thresholds.EmergencyBearProb {
		return core.ModeCash, fmt.Sprintf("emergency bear override (p=%.2f)", probability)
	}

	if probability < m.thresholds.MinProbability {
		return m.current, fmt.Sprintf("probability %.2f below threshold %.2f", probability, m.thresholds.MinProbability)
	}
	if durationDays < m.thresholds.MinDurationDays {
		return m.current, fmt.Sprintf("regime duration %.1fd below threshold %.1fd", durationDays, m.thresholds.MinDurationDays)
	}
	if m.clock.Since(m.lastTransition) < m.thresholds.Cooldown && !m.lastTransition.IsZero() {
		return m.current, "transition cooldown active"
	}

	return target, fmt.Sprintf("regime %s (p=%.2f, %.1fd)", regime, probability, durationDays)
}

// RequestSwitch applies a switch. It re-checks the flap lock, counts recent
// transitions and engages the lock when flapping; returns false when the
// switch was rejected or is a no-op.
func (m *ModeManager) RequestSwitch(target core.TradingMode, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if target == m.current {
		return false
	}
	if now.Before(m.flapLockUntil) && target != core.ModeGrid {
		m.logger.Warn("Switch rejected by flap lock", "target", string(target))
		return false
	}

	if m.countTransitionsSinceLocked(now.Add(-48*time.Hour)) >= m.thresholds.MaxTransitions48H {
		m.flapLockUntil = now.Add(m.thresholds.FlapLockExpiry)
		m.logger.Warn("Flap lock engaged, forcing GRID",
			"until", m.flapLockUntil.Format(time.RFC3339))
		if m.current == core.ModeGrid {
			return false
		}
		m.applyLocked(core.ModeGrid, "flap lock", now)
		return true
	}

	m.applyLocked(target, reason, now)
	return true
}

func (m *ModeManager) applyLocked(target core.TradingMode, reason string, now time.Time) {
	event := TransitionEvent{From: m.current, To: target, Reason: reason, At: now}
	m.transitions = append(m.transitions, event)
	m.previous = m.current
	m.current = target
	m.modeSince = now
	m.lastTransition = now
	m.logger.Info("Mode transition",
		"from", string(event.From), "to", string(event.To), "reason", reason)
}

func (m *ModeManager) countTransitionsSinceLocked(cutoff time.Time) int {
	n := 0
	for _, t := range m.transitions {
		if t.At.After(cutoff) {
			n++
		}
	}
	return n
}

// UpdateRegimeInfo records the last observed regime; tracking only.
func (m *ModeManager) UpdateRegimeInfo(regime core.MarketRegime, probability float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRegime = regime
	m.lastProb = probability
}

// Current returns the active mode.
func (m *ModeManager) Current() core.TradingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ModeSince reports when the current mode was entered.
func (m *ModeManager) ModeSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modeSince
}

// History returns a copy of the transition log.
func (m *ModeManager) History() []TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransitionEvent(nil), m.transitions...)
}

// FlapLocked reports whether the anti-flap lock is engaged.
func (m *ModeManager) FlapLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Before(m.flapLockUntil)
}
