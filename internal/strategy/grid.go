// Package strategy holds the pure grid math: level construction from a price
// band and follow-up decisions on fills. No I/O, no clocks.
package strategy

import (
	"fmt"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// GridLevel is one rung of the grid: a price rounded to the symbol tick and a
// quantity floored to the symbol step. Levels are numbered bottom-up.
type GridLevel struct {
	Index    int
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Filled   bool
}

// FollowUpKind tells the caller what to place after a fill.
type FollowUpKind int

const (
	FollowUpNone FollowUpKind = iota
	FollowUpPlaceBuy
	FollowUpPlaceSell
)

func (k FollowUpKind) String() string {
	switch k {
	case FollowUpPlaceBuy:
		return "PLACE_BUY"
	case FollowUpPlaceSell:
		return "PLACE_SELL"
	}
	return "NONE"
}

// FollowUpAction is the strategy's answer to a fill: the opposite-side order
// one level away, or nothing when the filled level sits at the band edge.
type FollowUpAction struct {
	Kind     FollowUpKind
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// InitialOrder is one order of the opening batch.
type InitialOrder struct {
	Side     core.OrderSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// GridStrategy is an immutable set of levels plus fill bookkeeping. Construct
// one per bot session; callers serialize access.
type GridStrategy struct {
	levels    []*GridLevel
	tolerance decimal.Decimal
}

// NewGridStrategy builds gridCount+1 uniformly spaced candidate levels across
// [lower, upper], drops candidates below the symbol's minimum quantity or
// notional, and fails when fewer than two valid levels remain.
func NewGridStrategy(lower, upper decimal.Decimal, gridCount int, totalInvestment decimal.Decimal, info *core.SymbolInfo) (*GridStrategy, error) {
	if gridCount < 1 {
		return nil, fmt.Errorf("grid count %d: %w", gridCount, core.ErrGridInvalid)
	}
	if !lower.IsPositive() || upper.LessThanOrEqual(lower) {
		return nil, fmt.Errorf("band [%s, %s]: %w", lower, upper, core.ErrGridInvalid)
	}
	if !totalInvestment.IsPositive() {
		return nil, fmt.Errorf("investment %s: %w", totalInvestment, core.ErrGridInvalid)
	}

	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(gridCount)))
	perLevel := totalInvestment.Div(decimal.NewFromInt(int64(gridCount)))

	levels := make([]*GridLevel, 0, gridCount+1)
	for i := 0; i <= gridCount; i++ {
		price := info.RoundToTick(lower.Add(step.Mul(decimal.NewFromInt(int64(i)))))
		if !price.IsPositive() {
			continue
		}
		qty := info.FloorToStep(perLevel.Div(price))
		if qty.LessThan(info.MinQty) {
			continue
		}
		if qty.Mul(price).LessThan(info.MinNotional) {
			continue
		}
		levels = append(levels, &GridLevel{Index: len(levels), Price: price, Quantity: qty})
	}

	if len(levels) < 2 {
		return nil, fmt.Errorf("only %d valid levels in band [%s, %s]: %w",
			len(levels), lower, upper, core.ErrGridInvalid)
	}

	// Matching tolerance strictly under a tick so adjacent levels never
	// collide.
	tolerance := info.TickSize.Div(decimal.NewFromInt(2))
	if tolerance.IsZero() {
		tolerance = decimal.New(1, -8)
	}

	return &GridStrategy{levels: levels, tolerance: tolerance}, nil
}

// Levels returns the valid levels bottom-up. The slice is shared; callers
// must not mutate it.
func (g *GridStrategy) Levels() []*GridLevel { return g.levels }

// InitialOrders maps the current price onto the opening batch: a BUY at every
// level below, a SELL at every level above. A level matching the current
// price within tolerance gets no order.
func (g *GridStrategy) InitialOrders(currentPrice decimal.Decimal) []InitialOrder {
	orders := make([]InitialOrder, 0, len(g.levels))
	for _, lv := range g.levels {
		diff := lv.Price.Sub(currentPrice).Abs()
		if diff.LessThanOrEqual(g.tolerance) {
			continue
		}
		if lv.Price.LessThan(currentPrice) {
			orders = append(orders, InitialOrder{Side: core.SideBuy, Price: lv.Price, Quantity: lv.Quantity})
		} else {
			orders = append(orders, InitialOrder{Side: core.SideSell, Price: lv.Price, Quantity: lv.Quantity})
		}
	}
	return orders
}

// OnBuyFilled marks the level matching price as filled and returns the SELL
// one level up with that level's quantity, or no action when the fill was the
// topmost level or no level matches.
func (g *GridStrategy) OnBuyFilled(price decimal.Decimal) FollowUpAction {
	idx := g.match(price)
	if idx < 0 {
		return FollowUpAction{Kind: FollowUpNone}
	}
	g.levels[idx].Filled = true
	if idx+1 >= len(g.levels) {
		return FollowUpAction{Kind: FollowUpNone}
	}
	next := g.levels[idx+1]
	return FollowUpAction{Kind: FollowUpPlaceSell, Price: next.Price, Quantity: g.levels[idx].Quantity}
}

// OnSellFilled is the mirror: clear the level and return the BUY one level
// down, or no action at the bottom of the band.
func (g *GridStrategy) OnSellFilled(price decimal.Decimal) FollowUpAction {
	idx := g.match(price)
	if idx < 0 {
		return FollowUpAction{Kind: FollowUpNone}
	}
	g.levels[idx].Filled = false
	if idx == 0 {
		return FollowUpAction{Kind: FollowUpNone}
	}
	prev := g.levels[idx-1]
	return FollowUpAction{Kind: FollowUpPlaceBuy, Price: prev.Price, Quantity: prev.Quantity}
}

// match finds the level whose price is within tolerance, preferring the
// closest candidate when rounding leaves two in range.
func (g *GridStrategy) match(price decimal.Decimal) int {
	best := -1
	var bestDiff decimal.Decimal
	for i, lv := range g.levels {
		diff := lv.Price.Sub(price).Abs()
		if diff.GreaterThan(g.tolerance) {
			continue
		}
		if best < 0 || diff.LessThan(bestDiff) {
			best = i
			bestDiff = diff
		}
	}
	return best
}
