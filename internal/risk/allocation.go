package risk

import (
	"context"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// CashReserveConstraints keeps a floor fraction of total capital in cash.
// Available capital for new BUYs is total minus invested minus the reserve.
type CashReserveConstraints struct {
	reserveFraction decimal.Decimal
}

func NewCashReserveConstraints(reserveFraction decimal.Decimal) *CashReserveConstraints {
	return &CashReserveConstraints{reserveFraction: reserveFraction}
}

func (c *CashReserveConstraints) AvailableCapital(ctx context.Context, totalCapital, currentInvested decimal.Decimal) (decimal.Decimal, error) {
	reserve := totalCapital.Mul(c.reserveFraction)
	available := totalCapital.Sub(currentInvested).Sub(reserve)
	if available.IsNegative() {
		return decimal.Zero, nil
	}
	return available, nil
}

var _ core.IAllocationConstraints = (*CashReserveConstraints)(nil)
