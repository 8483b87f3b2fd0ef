package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// persistedSymbol is one symbol row in the orchestrator state file.
type persistedSymbol struct {
	Symbol            string    `json:"symbol"`
	Mode              string    `json:"mode"`
	AllocatedUSD      string    `json:"allocated_usd"`
	HoldEntryPrice    string    `json:"hold_entry_price,omitempty"`
	HoldQty           string    `json:"hold_qty,omitempty"`
	HoldStopID        string    `json:"hold_stop_id,omitempty"`
	CashExitStartedAt time.Time `json:"cash_exit_started_at,omitempty"`
}

type persistedOrchestrator struct {
	Version       int                        `json:"version"`
	Timestamp     time.Time                  `json:"timestamp"`
	Mode          string                     `json:"mode"`
	ModeSince     time.Time                  `json:"mode_since"`
	LastRebalance time.Time                  `json:"last_rebalance,omitempty"`
	Symbols       map[string]persistedSymbol `json:"symbols"`
}

const stateVersion = 1

func (o *HybridOrchestrator) stateKey() string {
	if o.cohort != "" {
		return fmt.Sprintf("hybrid_state_%s.json", o.cohort)
	}
	return "hybrid_state.json"
}

func (o *HybridOrchestrator) saveState(ctx context.Context) error {
	o.mu.Lock()
	st := persistedOrchestrator{
		Version:       stateVersion,
		Timestamp:     o.deps.Clock.Now(),
		Mode:          string(o.deps.Modes.Current()),
		ModeSince:     o.deps.Modes.ModeSince(),
		LastRebalance: o.lastRebalance,
		Symbols:       make(map[string]persistedSymbol, len(o.symbols)),
	}
	for symbol, s := range o.symbols {
		st.Symbols[symbol] = persistedSymbol{
			Symbol:            symbol,
			Mode:              string(s.mode),
			AllocatedUSD:      s.allocated.String(),
			HoldEntryPrice:    s.holdEntryPrice.String(),
			HoldQty:           s.holdQty.String(),
			HoldStopID:        s.holdStopID,
			CashExitStartedAt: s.cashExitStartedAt,
		}
	}
	o.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal orchestrator state: %w", err)
	}
	return o.deps.Store.Write(ctx, o.stateKey(), data)
}

// LoadState restores the global mode and per-symbol hold fields from the
// previous run. Unknown symbols in the file are ignored; corruption starts
// fresh; unknown versions are rejected.
func (o *HybridOrchestrator) LoadState(ctx context.Context) error {
	data, err := o.deps.Store.Read(ctx, o.stateKey())
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("load orchestrator state: %w", err)
	}

	var st persistedOrchestrator
	if err := json.Unmarshal(data, &st); err != nil {
		o.logger().Warn("Discarding corrupt orchestrator state", "error", err)
		return nil
	}
	if st.Version != stateVersion {
		return fmt.Errorf("orchestrator state version %d not supported", st.Version)
	}

	// The mode manager starts at the configured initial mode; without this the
	// first tick would see a spurious transition and tear down restored holds.
	switch mode := core.TradingMode(st.Mode); mode {
	case core.ModeHold, core.ModeGrid, core.ModeCash:
		o.deps.Modes.Restore(mode, st.ModeSince)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastRebalance = st.LastRebalance
	for symbol, ps := range st.Symbols {
		s, ok := o.symbols[symbol]
		if !ok {
			continue
		}
		s.mode = core.TradingMode(ps.Mode)
		if v, err := decimal.NewFromString(ps.AllocatedUSD); err == nil && v.IsPositive() {
			s.allocated = v
		}
		if v, err := decimal.NewFromString(ps.HoldQty); err == nil {
			s.holdQty = v
		}
		if v, err := decimal.NewFromString(ps.HoldEntryPrice); err == nil {
			s.holdEntryPrice = v
		}
		s.holdStopID = ps.HoldStopID
		s.cashExitStartedAt = ps.CashExitStartedAt
	}
	o.logger().Info("Restored orchestrator state", "mode", st.Mode, "symbols", len(st.Symbols))
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
