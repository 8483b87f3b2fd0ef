package risk

import (
	"context"
	"fmt"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// OrderCheck describes one order presented to the gate.
type OrderCheck struct {
	Symbol           string
	Side             core.OrderSide
	Price            decimal.Decimal
	Quantity         decimal.Decimal
	PortfolioValue   decimal.Decimal
	CurrentInvested  decimal.Decimal
	SignalConfidence float64
}

// Guard chains the pre-trade checks: portfolio halt, position-size cap,
// allocation envelope. First failure vetoes; sizer or constraint failures
// degrade gracefully (log and allow).
type Guard struct {
	registry    *StopLossRegistry
	sizer       core.IPositionSizer
	constraints core.IAllocationConstraints
	logger      core.ILogger
}

func NewGuard(registry *StopLossRegistry, sizer core.IPositionSizer, constraints core.IAllocationConstraints, logger core.ILogger) *Guard {
	return &Guard{
		registry:    registry,
		sizer:       sizer,
		constraints: constraints,
		logger:      logger.WithField("component", "risk_guard"),
	}
}

// Allow returns nil when the order may be placed, or a wrapped
// core.ErrRiskVetoed explaining the veto.
func (g *Guard) Allow(ctx context.Context, check OrderCheck) error {
	// 1. Portfolio halt blocks everything, both sides.
	if g.registry.PortfolioStopped() {
		return fmt.Errorf("portfolio halted: %w", core.ErrRiskVetoed)
	}

	if check.Side != core.SideBuy {
		return nil
	}
	notional := check.Price.Mul(check.Quantity)

	// 2. Position-size cap.
	if g.sizer != nil {
		maxPos, err := g.sizer.MaxPosition(ctx, check.Symbol, check.PortfolioValue, check.SignalConfidence)
		if err != nil {
			g.logger.Warn("Position sizer failed, allowing order",
				"symbol", check.Symbol, "error", err)
		} else if notional.GreaterThan(maxPos) {
			return fmt.Errorf("notional %s exceeds position cap %s: %w",
				notional.StringFixed(2), maxPos.StringFixed(2), core.ErrRiskVetoed)
		}
	}

	// 3. Allocation envelope.
	if g.constraints != nil {
		available, err := g.constraints.AvailableCapital(ctx, check.PortfolioValue, check.CurrentInvested)
		if err != nil {
			g.logger.Warn("Allocation constraints failed, allowing order",
				"symbol", check.Symbol, "error", err)
		} else if notional.GreaterThan(available) {
			return fmt.Errorf("notional %s exceeds available capital %s: %w",
				notional.StringFixed(2), available.StringFixed(2), core.ErrRiskVetoed)
		}
	}

	return nil
}
