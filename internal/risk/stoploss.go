// Package risk implements the layered pre-trade controls: the stop-loss
// registry with its portfolio drawdown guard, the per-bot circuit breaker,
// the position sizer, the allocation envelope, and the risk gate that chains
// them.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hybrid_trader/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StopType selects how the stop price follows the market.
type StopType string

const (
	StopFixed     StopType = "FIXED"
	StopTrailing  StopType = "TRAILING"
	StopATR       StopType = "ATR"
	StopBreakEven StopType = "BREAK_EVEN"
)

// StopStatus is the record lifecycle. A pending trigger stays pending until
// the caller confirms the sell or reactivates after a failed one.
type StopStatus string

const (
	StopActive         StopStatus = "ACTIVE"
	StopTriggerPending StopStatus = "TRIGGER_PENDING"
	StopClosed         StopStatus = "CLOSED"
)

// StopRecord is one protective stop. Fields are exported for the durable
// mirror; callers treat records returned by the registry as read-only.
type StopRecord struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Type             StopType        `json:"type"`
	Status           StopStatus      `json:"status"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Quantity         decimal.Decimal `json:"quantity"`
	Percent          decimal.Decimal `json:"percent"`
	TrailingDistance decimal.Decimal `json:"trailing_distance"`
	ATRMultiplier    decimal.Decimal `json:"atr_multiplier,omitempty"`
	ATRValue         decimal.Decimal `json:"atr_value,omitempty"`
	HighestPrice     decimal.Decimal `json:"highest_price"`
	CurrentStopPrice decimal.Decimal `json:"current_stop_price"`
	TriggeredAt      time.Time       `json:"triggered_at,omitempty"`
	TriggerPrice     decimal.Decimal `json:"trigger_price,omitempty"`
	ResultPnlPct     decimal.Decimal `json:"result_pnl_pct,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// StopMirror is the durable side of the registry. *statestore.SQLiteStore
// satisfies it.
type StopMirror interface {
	SaveStopRecord(ctx context.Context, id, symbol string, active bool, data []byte) error
	LoadActiveStopRecords(ctx context.Context) ([][]byte, error)
	DeleteStopRecord(ctx context.Context, id string) error
}

// CreateStopParams configures CreateStop. TrailingDistance defaults to
// Percent when zero; ATR fields matter only for the ATR type.
type CreateStopParams struct {
	Symbol           string
	EntryPrice       decimal.Decimal
	Quantity         decimal.Decimal
	Type             StopType
	Percent          decimal.Decimal
	TrailingDistance decimal.Decimal
	ATRMultiplier    decimal.Decimal
	ATRValue         decimal.Decimal
	BreakEvenProfit  decimal.Decimal
}

// StopLossRegistry tracks all protective stops plus the portfolio daily
// drawdown guard. Every public method is atomic; mutations mirror to the
// durable store before returning.
type StopLossRegistry struct {
	mu      sync.Mutex
	records map[string]*StopRecord
	mirror  StopMirror
	clock   core.IClock
	logger  core.ILogger

	// break-even activation thresholds by record id
	breakEvenProfit map[string]decimal.Decimal

	// portfolio drawdown guard
	maxDailyDrawdown decimal.Decimal
	dailyStartValue  decimal.Decimal
	dailyStartDay    string
	portfolioStopped bool
	stopReason       string
}

func NewStopLossRegistry(mirror StopMirror, clock core.IClock, maxDailyDrawdown decimal.Decimal, logger core.ILogger) *StopLossRegistry {
	return &StopLossRegistry{
		records:          make(map[string]*StopRecord),
		breakEvenProfit:  make(map[string]decimal.Decimal),
		mirror:           mirror,
		clock:            clock,
		logger:           logger.WithField("component", "stop_loss_registry"),
		maxDailyDrawdown: maxDailyDrawdown,
	}
}

// LoadActive restores active records from the mirror. Called once on boot.
func (r *StopLossRegistry) LoadActive(ctx context.Context) error {
	payloads, err := r.mirror.LoadActiveStopRecords(ctx)
	if err != nil {
		return fmt.Errorf("load active stops: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range payloads {
		var rec StopRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			r.logger.Error("Discarding corrupt stop record", "error", err)
			continue
		}
		r.records[rec.ID] = &rec
	}
	r.logger.Info("Restored stop-loss records", "count", len(r.records))
	return nil
}

// CreateStop registers a new stop and returns its id.
func (r *StopLossRegistry) CreateStop(ctx context.Context, p CreateStopParams) (*StopRecord, error) {
	if !p.EntryPrice.IsPositive() || !p.Quantity.IsPositive() {
		return nil, fmt.Errorf("stop for %s: entry and quantity must be positive", p.Symbol)
	}

	trailing := p.TrailingDistance
	if trailing.IsZero() {
		trailing = p.Percent
	}

	rec := &StopRecord{
		ID:               uuid.NewString(),
		Symbol:           p.Symbol,
		Type:             p.Type,
		Status:           StopActive,
		EntryPrice:       p.EntryPrice,
		Quantity:         p.Quantity,
		Percent:          p.Percent,
		TrailingDistance: trailing,
		ATRMultiplier:    p.ATRMultiplier,
		ATRValue:         p.ATRValue,
		HighestPrice:     p.EntryPrice,
		CreatedAt:        r.clock.Now(),
	}
	rec.CurrentStopPrice = r.initialStop(rec)

	r.mu.Lock()
	r.records[rec.ID] = rec
	if p.Type == StopBreakEven && p.BreakEvenProfit.IsPositive() {
		r.breakEvenProfit[rec.ID] = p.BreakEvenProfit
	}
	cp := *rec
	r.mu.Unlock()

	if err := r.persist(ctx, &cp); err != nil {
		return nil, err
	}
	r.logger.Info("Created stop-loss",
		"id", rec.ID, "symbol", p.Symbol, "type", string(p.Type),
		"entry", p.EntryPrice.String(), "stop", rec.CurrentStopPrice.String())
	return &cp, nil
}

func (r *StopLossRegistry) initialStop(rec *StopRecord) decimal.Decimal {
	one := decimal.NewFromInt(1)
	switch rec.Type {
	case StopATR:
		return rec.EntryPrice.Sub(rec.ATRMultiplier.Mul(rec.ATRValue))
	case StopBreakEven:
		// Starts as a fixed stop; jumps to entry once profit clears the
		// activation threshold.
		return rec.EntryPrice.Mul(one.Sub(rec.Percent))
	case StopTrailing:
		return rec.EntryPrice.Mul(one.Sub(rec.TrailingDistance))
	default:
		return rec.EntryPrice.Mul(one.Sub(rec.Percent))
	}
}

// Update refreshes every active record against the price map and returns the
// records newly moved to TRIGGER_PENDING. Records already pending are never
// re-triggered. Symbols missing from the map are skipped.
func (r *StopLossRegistry) Update(ctx context.Context, prices map[string]decimal.Decimal) []*StopRecord {
	r.mu.Lock()
	var triggered []*StopRecord
	var dirty []*StopRecord
	for _, rec := range r.records {
		if rec.Status != StopActive {
			continue
		}
		price, ok := prices[rec.Symbol]
		if !ok || !price.IsPositive() {
			continue
		}

		changed := r.refreshLocked(rec, price)

		if price.LessThanOrEqual(rec.CurrentStopPrice) {
			rec.Status = StopTriggerPending
			rec.TriggeredAt = r.clock.Now()
			rec.TriggerPrice = price
			cp := *rec
			triggered = append(triggered, &cp)
			changed = true
		}
		if changed {
			cp := *rec
			dirty = append(dirty, &cp)
		}
	}
	r.mu.Unlock()

	for _, rec := range dirty {
		if err := r.persist(ctx, rec); err != nil {
			r.logger.Error("Failed to mirror stop record", "id", rec.ID, "error", err)
		}
	}
	return triggered
}

// refreshLocked advances the high-water mark and the stop price. Both are
// monotonically non-decreasing.
func (r *StopLossRegistry) refreshLocked(rec *StopRecord, price decimal.Decimal) bool {
	changed := false
	if price.GreaterThan(rec.HighestPrice) {
		rec.HighestPrice = price
		changed = true
	}

	var candidate decimal.Decimal
	one := decimal.NewFromInt(1)
	switch rec.Type {
	case StopTrailing:
		candidate = rec.HighestPrice.Mul(one.Sub(rec.TrailingDistance))
	case StopBreakEven:
		threshold, ok := r.breakEvenProfit[rec.ID]
		if !ok {
			threshold = rec.Percent
		}
		profit := price.Sub(rec.EntryPrice).Div(rec.EntryPrice)
		if profit.GreaterThanOrEqual(threshold) {
			candidate = rec.EntryPrice
		} else {
			candidate = rec.CurrentStopPrice
		}
	default:
		// FIXED and ATR stops never move.
		candidate = rec.CurrentStopPrice
	}

	if candidate.GreaterThan(rec.CurrentStopPrice) {
		rec.CurrentStopPrice = candidate
		changed = true
	}
	return changed
}

// ConfirmTrigger closes a pending record after a successful market-sell and
// records the realized P/L percentage.
func (r *StopLossRegistry) ConfirmTrigger(ctx context.Context, id string, sellPrice decimal.Decimal) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, core.ErrNotFound)
	}
	if rec.Status != StopTriggerPending {
		r.mu.Unlock()
		return fmt.Errorf("stop %s: confirm on status %s", id, rec.Status)
	}
	rec.Status = StopClosed
	if rec.EntryPrice.IsPositive() {
		rec.ResultPnlPct = sellPrice.Sub(rec.EntryPrice).Div(rec.EntryPrice).Mul(decimal.NewFromInt(100))
	}
	cp := *rec
	delete(r.breakEvenProfit, id)
	r.mu.Unlock()

	r.logger.Info("Stop-loss closed",
		"id", id, "symbol", cp.Symbol, "pnl_pct", cp.ResultPnlPct.StringFixed(2))
	return r.persist(ctx, &cp)
}

// Reactivate returns a pending record to ACTIVE after a failed market-sell.
func (r *StopLossRegistry) Reactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, core.ErrNotFound)
	}
	if rec.Status != StopTriggerPending {
		r.mu.Unlock()
		return fmt.Errorf("stop %s: reactivate on status %s", id, rec.Status)
	}
	rec.Status = StopActive
	rec.TriggeredAt = time.Time{}
	rec.TriggerPrice = decimal.Zero
	cp := *rec
	r.mu.Unlock()

	r.logger.Warn("Stop-loss reactivated after failed sell", "id", id, "symbol", cp.Symbol)
	return r.persist(ctx, &cp)
}

// CancelStop deactivates unconditionally.
func (r *StopLossRegistry) CancelStop(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, core.ErrNotFound)
	}
	rec.Status = StopClosed
	cp := *rec
	delete(r.breakEvenProfit, id)
	r.mu.Unlock()

	return r.persist(ctx, &cp)
}

// TightenTrailing narrows a stop's trailing distance, recomputing the stop
// price from the high-water mark. Used on HOLD→CASH transitions.
func (r *StopLossRegistry) TightenTrailing(ctx context.Context, id string, distance decimal.Decimal) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, core.ErrNotFound)
	}
	rec.Type = StopTrailing
	rec.TrailingDistance = distance
	candidate := rec.HighestPrice.Mul(decimal.NewFromInt(1).Sub(distance))
	if candidate.GreaterThan(rec.CurrentStopPrice) {
		rec.CurrentStopPrice = candidate
	}
	cp := *rec
	r.mu.Unlock()

	r.logger.Info("Tightened trailing stop", "id", id, "distance", distance.String())
	return r.persist(ctx, &cp)
}

// Get returns a copy of a record.
func (r *StopLossRegistry) Get(id string) (*StopRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// ActiveForSymbol returns copies of the symbol's non-closed records.
func (r *StopLossRegistry) ActiveForSymbol(symbol string) []*StopRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StopRecord
	for _, rec := range r.records {
		if rec.Symbol == symbol && rec.Status != StopClosed {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

func (r *StopLossRegistry) persist(ctx context.Context, rec *StopRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal stop %s: %w", rec.ID, err)
	}
	active := rec.Status != StopClosed
	if err := r.mirror.SaveStopRecord(ctx, rec.ID, rec.Symbol, active, data); err != nil {
		return fmt.Errorf("mirror stop %s: %w", rec.ID, err)
	}
	return nil
}

// CheckPortfolioDrawdown compares the current portfolio value against the
// value recorded at the first call of the UTC day. Crossing the drawdown
// limit sets a sticky halt flag consulted by the risk gate.
func (r *StopLossRegistry) CheckPortfolioDrawdown(currentValue decimal.Decimal) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.clock.Now().UTC().Format("2006-01-02")
	if r.dailyStartDay != day || r.dailyStartValue.IsZero() {
		r.dailyStartDay = day
		r.dailyStartValue = currentValue
	}

	if r.portfolioStopped {
		return true, r.stopReason
	}
	if !r.dailyStartValue.IsPositive() {
		return false, ""
	}

	change := currentValue.Sub(r.dailyStartValue).Div(r.dailyStartValue)
	if change.LessThanOrEqual(r.maxDailyDrawdown.Neg()) {
		r.portfolioStopped = true
		r.stopReason = fmt.Sprintf("daily drawdown %s%% exceeds limit %s%%",
			change.Mul(decimal.NewFromInt(100)).StringFixed(2),
			r.maxDailyDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(2))
		r.logger.Error("Portfolio halted", "reason", r.stopReason)
		return true, r.stopReason
	}
	return false, ""
}

// PortfolioStopped reports the sticky halt flag.
func (r *StopLossRegistry) PortfolioStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.portfolioStopped
}

// ResetDaily clears the halt and re-seeds the daily baseline. The scheduler
// drives it at UTC midnight.
func (r *StopLossRegistry) ResetDaily(startValue decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portfolioStopped = false
	r.stopReason = ""
	r.dailyStartValue = startValue
	r.dailyStartDay = r.clock.Now().UTC().Format("2006-01-02")
	r.logger.Info("Daily drawdown baseline reset", "start_value", startValue.String())
}
