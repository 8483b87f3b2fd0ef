package risk

import (
	"context"
	"errors"
	"testing"

	"hybrid_trader/internal/core"
	"hybrid_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type stubSizer struct {
	max decimal.Decimal
	err error
}

func (s *stubSizer) MaxPosition(context.Context, string, decimal.Decimal, float64) (decimal.Decimal, error) {
	return s.max, s.err
}

type stubConstraints struct {
	available decimal.Decimal
	err       error
}

func (s *stubConstraints) AvailableCapital(context.Context, decimal.Decimal, decimal.Decimal) (decimal.Decimal, error) {
	return s.available, s.err
}

func buyCheck(notionalPrice, qty string) OrderCheck {
	return OrderCheck{
		Symbol:          "BTCUSDT",
		Side:            core.SideBuy,
		Price:           d(notionalPrice),
		Quantity:        d(qty),
		PortfolioValue:  d("10000"),
		CurrentInvested: d("2000"),
	}
}

func TestGuardHaltBlocksAllSides(t *testing.T) {
	reg, _, _ := newRegistry(t)
	reg.CheckPortfolioDrawdown(d("10000"))
	reg.CheckPortfolioDrawdown(d("8000"))

	g := NewGuard(reg, &stubSizer{max: d("1000000")}, &stubConstraints{available: d("1000000")}, logging.NewNop())

	err := g.Allow(context.Background(), buyCheck("50000", "0.01"))
	assert.ErrorIs(t, err, core.ErrRiskVetoed)

	sell := buyCheck("50000", "0.01")
	sell.Side = core.SideSell
	assert.ErrorIs(t, g.Allow(context.Background(), sell), core.ErrRiskVetoed)
}

func TestGuardPositionCapVetoesBuysOnly(t *testing.T) {
	reg, _, _ := newRegistry(t)
	g := NewGuard(reg, &stubSizer{max: d("100")}, &stubConstraints{available: d("1000000")}, logging.NewNop())

	// 500 USDT notional against a 100 cap.
	err := g.Allow(context.Background(), buyCheck("50000", "0.01"))
	assert.ErrorIs(t, err, core.ErrRiskVetoed)

	sell := buyCheck("50000", "0.01")
	sell.Side = core.SideSell
	assert.NoError(t, g.Allow(context.Background(), sell))
}

func TestGuardAllocationEnvelope(t *testing.T) {
	reg, _, _ := newRegistry(t)
	g := NewGuard(reg, &stubSizer{max: d("1000000")}, &stubConstraints{available: d("300")}, logging.NewNop())

	assert.ErrorIs(t, g.Allow(context.Background(), buyCheck("50000", "0.01")), core.ErrRiskVetoed)
	assert.NoError(t, g.Allow(context.Background(), buyCheck("20000", "0.01")))
}

func TestGuardDegradesGracefullyOnCheckFailure(t *testing.T) {
	reg, _, _ := newRegistry(t)
	boom := errors.New("downstream unavailable")
	g := NewGuard(reg, &stubSizer{err: boom}, &stubConstraints{err: boom}, logging.NewNop())

	assert.NoError(t, g.Allow(context.Background(), buyCheck("50000", "0.01")))
}

func TestCashReserveConstraints(t *testing.T) {
	c := NewCashReserveConstraints(d("0.2"))

	available, err := c.AvailableCapital(context.Background(), d("10000"), d("5000"))
	assert.NoError(t, err)
	assert.True(t, available.Equal(d("3000")))

	// Fully invested past the reserve: zero, never negative.
	available, err = c.AvailableCapital(context.Background(), d("10000"), d("9500"))
	assert.NoError(t, err)
	assert.True(t, available.IsZero())
}
