package orchestrator

import (
	"context"
	"fmt"

	"hybrid_trader/internal/config"
	"hybrid_trader/internal/core"
	"hybrid_trader/internal/risk"

	"github.com/shopspring/decimal"
)

// Scanner proposes the symbol set and target allocations. An external
// opportunity scanner implements it; a nil scanner keeps the configured set.
type Scanner interface {
	Scan(ctx context.Context) ([]config.SymbolConfig, error)
}

// AdjustmentKind is the direction of a rebalance proposal.
type AdjustmentKind string

const (
	AdjustIncrease AdjustmentKind = "INCREASE"
	AdjustDecrease AdjustmentKind = "DECREASE"
)

// Adjustment is one proposed allocation change.
type Adjustment struct {
	Symbol string
	Kind   AdjustmentKind
	Amount decimal.Decimal
}

// SetScanner installs the opportunity scanner. Optional.
func (o *HybridOrchestrator) SetScanner(s Scanner) {
	o.mu.Lock()
	o.scanner = s
	o.mu.Unlock()
}

// Rebalance compares actual position values against target allocations and
// applies adjustments where the drift exceeds the configured fraction.
// Positions below the minimum threshold are left alone. The scan result may
// add or drop symbols; a dropped symbol that still holds inventory keeps its
// row with a zeroed allocation until flat.
func (o *HybridOrchestrator) Rebalance(ctx context.Context) error {
	if o.Stopped() {
		return nil
	}
	o.applyScan(ctx)

	o.mu.Lock()
	states := make([]*symbolState, 0, len(o.symbols))
	for _, st := range o.symbols {
		states = append(states, st)
	}
	o.mu.Unlock()

	drift := decimal.NewFromFloat(o.cfg.Scheduler.RebalanceDriftPct)
	minUSD := decimal.NewFromFloat(o.cfg.Scheduler.MinPositionUSD)

	var adjustments []Adjustment
	for _, st := range states {
		if !st.allocated.IsPositive() {
			continue
		}
		value, err := o.positionValue(ctx, st)
		if err != nil {
			o.logger().Warn("Cannot value position for rebalance",
				"symbol", st.cfg.Symbol, "error", err)
			continue
		}

		gap := st.allocated.Sub(value)
		if gap.Abs().LessThan(minUSD) {
			continue
		}
		if gap.Abs().Div(st.allocated).LessThan(drift) {
			continue
		}

		adj := Adjustment{Symbol: st.cfg.Symbol, Amount: gap.Abs()}
		if gap.IsPositive() {
			adj.Kind = AdjustIncrease
		} else {
			adj.Kind = AdjustDecrease
		}
		adjustments = append(adjustments, adj)
	}

	for _, adj := range adjustments {
		if err := o.applyAdjustment(ctx, adj); err != nil {
			o.logger().Warn("Rebalance adjustment failed",
				"symbol", adj.Symbol, "kind", string(adj.Kind), "error", err)
		}
	}

	o.mu.Lock()
	o.lastRebalance = o.deps.Clock.Now()
	o.mu.Unlock()

	if len(adjustments) > 0 {
		return o.saveState(ctx)
	}
	return nil
}

// positionValue is hold inventory plus grid SELL-side inventory at market.
func (o *HybridOrchestrator) positionValue(ctx context.Context, st *symbolState) (decimal.Decimal, error) {
	price, err := o.deps.Exchange.GetCurrentPrice(ctx, st.cfg.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s", st.cfg.Symbol)
	}

	value := st.holdQty.Mul(price)
	o.mu.Lock()
	b := st.gridBot
	o.mu.Unlock()
	if b != nil {
		value = value.Add(b.SellOrderNotional())
	}
	return value, nil
}

// applyAdjustment bridges the allocation gap. Increases market-buy under the
// risk gate in HOLD mode only; grid symbols pick the extra capital up at the
// next bot rebuild. Decreases market-sell hold inventory.
func (o *HybridOrchestrator) applyAdjustment(ctx context.Context, adj Adjustment) error {
	o.mu.Lock()
	st, ok := o.symbols[adj.Symbol]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	switch adj.Kind {
	case AdjustIncrease:
		if st.mode != core.ModeHold {
			o.logger().Info("Rebalance increase deferred to next grid rebuild",
				"symbol", adj.Symbol, "amount", adj.Amount.StringFixed(2))
			return nil
		}
		price, err := o.deps.Exchange.GetCurrentPrice(ctx, adj.Symbol)
		if err != nil || !price.IsPositive() {
			return fmt.Errorf("no price for increase on %s", adj.Symbol)
		}
		// Every BUY goes through the risk gate; a halted portfolio never
		// accumulates more exposure through the rebalancer.
		if err := o.deps.Guard.Allow(ctx, risk.OrderCheck{
			Symbol:   adj.Symbol,
			Side:     core.SideBuy,
			Price:    price,
			Quantity: adj.Amount.Div(price),
			PortfolioValue: o.portfolioValueOr(ctx,
				map[string]decimal.Decimal{adj.Symbol: price}, st.allocated),
		}); err != nil {
			if o.deps.Metrics != nil {
				o.deps.Metrics.RiskVetoesTotal.Add(ctx, 1)
			}
			o.logger().Warn("Rebalance increase vetoed",
				"symbol", adj.Symbol, "error", err)
			return nil
		}
		order, err := o.deps.Exchange.PlaceMarketBuy(ctx, adj.Symbol, adj.Amount)
		if err != nil {
			return err
		}
		o.mu.Lock()
		st.holdQty = st.holdQty.Add(order.ExecutedQty)
		o.mu.Unlock()
		o.logger().Info("Rebalance increase executed",
			"symbol", adj.Symbol, "amount", adj.Amount.StringFixed(2))

	case AdjustDecrease:
		if !st.holdQty.IsPositive() {
			return nil
		}
		price, err := o.deps.Exchange.GetCurrentPrice(ctx, adj.Symbol)
		if err != nil || !price.IsPositive() {
			return fmt.Errorf("no price for decrease on %s", adj.Symbol)
		}
		qty := adj.Amount.Div(price)
		if qty.GreaterThan(st.holdQty) {
			qty = st.holdQty
		}
		order, err := o.deps.Exchange.PlaceMarketSell(ctx, adj.Symbol, qty)
		if err != nil {
			return err
		}
		o.mu.Lock()
		st.holdQty = st.holdQty.Sub(order.ExecutedQty)
		o.mu.Unlock()
		o.logger().Info("Rebalance decrease executed",
			"symbol", adj.Symbol, "amount", adj.Amount.StringFixed(2))
	}
	return nil
}

// applyScan reconciles the symbol map with the scanner's proposal.
func (o *HybridOrchestrator) applyScan(ctx context.Context) {
	o.mu.Lock()
	scanner := o.scanner
	o.mu.Unlock()
	if scanner == nil {
		return
	}

	proposed, err := scanner.Scan(ctx)
	if err != nil {
		o.logger().Warn("Opportunity scan failed", "error", err)
		return
	}

	keep := make(map[string]config.SymbolConfig, len(proposed))
	for _, sc := range proposed {
		keep[sc.Symbol] = sc
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for symbol, st := range o.symbols {
		sc, ok := keep[symbol]
		if !ok {
			if st.holdQty.IsPositive() || (st.gridBot != nil && st.gridBot.ActiveOrderCount() > 0) {
				// Keep the row until flat, but stop allocating to it.
				st.allocated = decimal.Zero
				o.logger().Info("Symbol dropped by scan, held until flat", "symbol", symbol)
			} else {
				delete(o.symbols, symbol)
				o.logger().Info("Symbol removed by scan", "symbol", symbol)
			}
			continue
		}
		st.allocated = decimal.NewFromFloat(sc.AllocationUSD)
		delete(keep, symbol)
	}
	for symbol, sc := range keep {
		o.symbols[symbol] = &symbolState{
			cfg:       sc,
			mode:      o.deps.Modes.Current(),
			allocated: decimal.NewFromFloat(sc.AllocationUSD),
		}
		o.logger().Info("Symbol added by scan", "symbol", symbol)
	}
}
