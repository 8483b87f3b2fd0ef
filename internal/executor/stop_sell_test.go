package executor

import (
	"context"
	"testing"
	"time"

	"hybrid_trader/internal/core"
	"hybrid_trader/internal/mock"
	"hybrid_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcInfo() *core.SymbolInfo {
	return &core.SymbolInfo{
		Symbol:      "BTCUSDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinQty:      d("0.00001"),
		StepSize:    d("0.00001"),
		MinNotional: d("10"),
		TickSize:    d("0.01"),
	}
}

func newSeller(ex *mock.MockExchange, n *mock.MockNotifier) *StopSeller {
	s := NewStopSeller(ex, n, logging.NewNop())
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func TestSellCapsToBalanceAndFloors(t *testing.T) {
	ex := mock.NewMockExchange()
	ex.SetPrice("BTCUSDT", d("50000"))
	ex.SetBalance("BTC", d("0.005004"))
	n := mock.NewMockNotifier()

	order, err := newSeller(ex, n).Sell(context.Background(), btcInfo(), d("0.01"))
	require.NoError(t, err)
	// min(0.01, 0.005004) floored to step.
	assert.True(t, order.OrigQty.Equal(d("0.005")), "qty %s", order.OrigQty)
	assert.Zero(t, n.UrgentCount())
}

func TestSellRetriesThenSucceeds(t *testing.T) {
	ex := mock.NewMockExchange()
	ex.SetPrice("BTCUSDT", d("50000"))
	ex.SetBalance("BTC", d("0.01"))
	n := mock.NewMockNotifier()
	s := newSeller(ex, n)

	// Fail the first attempt only.
	calls := 0
	ex.Fail["PlaceMarketSell"] = core.ErrRateLimited
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		calls++
		delete(ex.Fail, "PlaceMarketSell")
		return nil
	}

	order, err := s.Sell(context.Background(), btcInfo(), d("0.01"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, order.ExecutedQty.Equal(d("0.01")))
}

func TestSellEscalatesAfterFinalFailure(t *testing.T) {
	ex := mock.NewMockExchange()
	ex.SetPrice("BTCUSDT", d("50000"))
	ex.SetBalance("BTC", d("0.01"))
	ex.Fail["PlaceMarketSell"] = core.ErrRateLimited
	n := mock.NewMockNotifier()
	s := NewStopSeller(ex, n, logging.NewNop())
	s.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := s.Sell(context.Background(), btcInfo(), d("0.01"))
	require.Error(t, err)
	assert.Equal(t, 3, ex.Calls["PlaceMarketSell"])
	assert.Equal(t, 1, n.UrgentCount())
	assert.Contains(t, n.Last(), "Manual sell required")
}

func TestSellRequeriesBalanceOnInsufficientFunds(t *testing.T) {
	ex := mock.NewMockExchange()
	ex.SetPrice("BTCUSDT", d("50000"))
	ex.SetBalance("BTC", d("0.01"))
	ex.Fail["PlaceMarketSell"] = core.ErrInsufficientBalance
	n := mock.NewMockNotifier()
	s := NewStopSeller(ex, n, logging.NewNop())
	s.sleep = func(context.Context, time.Duration) error {
		// Balance shrank between attempts; next retry succeeds with it.
		ex.SetBalance("BTC", d("0.004"))
		delete(ex.Fail, "PlaceMarketSell")
		return nil
	}

	order, err := s.Sell(context.Background(), btcInfo(), d("0.01"))
	require.NoError(t, err)
	assert.True(t, order.OrigQty.Equal(d("0.004")), "qty %s", order.OrigQty)
	// Initial query plus the re-query after the balance rejection.
	assert.Equal(t, 2, ex.Calls["GetAccountBalance"])
}

func TestSellAbortsWhenNothingSellable(t *testing.T) {
	ex := mock.NewMockExchange()
	ex.SetBalance("BTC", decimal.Zero)
	n := mock.NewMockNotifier()

	_, err := newSeller(ex, n).Sell(context.Background(), btcInfo(), d("0.01"))
	require.Error(t, err)
	assert.Equal(t, 0, ex.Calls["PlaceMarketSell"])
	assert.Equal(t, 1, n.UrgentCount())
}
