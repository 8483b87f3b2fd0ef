package strategy

import (
	"testing"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btcInfo() *core.SymbolInfo {
	return &core.SymbolInfo{
		Symbol:      "BTCUSDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinQty:      decimal.RequireFromString("0.00001"),
		StepSize:    decimal.RequireFromString("0.00001"),
		MinNotional: decimal.RequireFromString("10"),
		TickSize:    decimal.RequireFromString("0.01"),
	}
}

func mustGrid(t *testing.T, lower, upper string, count int, investment string) *GridStrategy {
	t.Helper()
	g, err := NewGridStrategy(
		decimal.RequireFromString(lower),
		decimal.RequireFromString(upper),
		count,
		decimal.RequireFromString(investment),
		btcInfo(),
	)
	require.NoError(t, err)
	return g
}

func TestNewGridStrategyLevels(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	levels := g.Levels()
	require.Len(t, levels, 5)

	want := []string{"48000", "49000", "50000", "51000", "52000"}
	for i, lv := range levels {
		assert.Equal(t, i, lv.Index)
		assert.True(t, lv.Price.Equal(decimal.RequireFromString(want[i])),
			"level %d price %s", i, lv.Price)
		assert.False(t, lv.Filled)
		// Quantity respects step, min qty and min notional.
		assert.True(t, lv.Quantity.GreaterThanOrEqual(btcInfo().MinQty))
		assert.True(t, lv.Quantity.Mul(lv.Price).GreaterThanOrEqual(btcInfo().MinNotional))
		assert.True(t, lv.Quantity.Mod(btcInfo().StepSize).IsZero())
	}
}

func TestNewGridStrategyRejectsBadInput(t *testing.T) {
	info := btcInfo()

	_, err := NewGridStrategy(decimal.RequireFromString("52000"), decimal.RequireFromString("48000"),
		4, decimal.RequireFromString("1000"), info)
	assert.ErrorIs(t, err, core.ErrGridInvalid)

	_, err = NewGridStrategy(decimal.RequireFromString("48000"), decimal.RequireFromString("52000"),
		0, decimal.RequireFromString("1000"), info)
	assert.ErrorIs(t, err, core.ErrGridInvalid)

	// Investment so small every level falls under min notional.
	_, err = NewGridStrategy(decimal.RequireFromString("48000"), decimal.RequireFromString("52000"),
		4, decimal.RequireFromString("5"), info)
	assert.ErrorIs(t, err, core.ErrGridInvalid)
}

func TestInitialOrdersSplitsAroundCurrentPrice(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	orders := g.InitialOrders(decimal.RequireFromString("50000"))
	require.Len(t, orders, 4)

	var buys, sells int
	for _, o := range orders {
		switch o.Side {
		case core.SideBuy:
			buys++
			assert.True(t, o.Price.LessThan(decimal.RequireFromString("50000")))
		case core.SideSell:
			sells++
			assert.True(t, o.Price.GreaterThan(decimal.RequireFromString("50000")))
		}
	}
	assert.Equal(t, 2, buys)
	assert.Equal(t, 2, sells)
}

func TestInitialOrdersSkipsLevelAtCurrentPrice(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	// Within half a tick of the 50000 level.
	orders := g.InitialOrders(decimal.RequireFromString("50000.004"))
	require.Len(t, orders, 4)
	for _, o := range orders {
		assert.False(t, o.Price.Equal(decimal.RequireFromString("50000")))
	}
}

func TestOnBuyFilledReturnsSellOneLevelUp(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	action := g.OnBuyFilled(decimal.RequireFromString("49000"))
	assert.Equal(t, FollowUpPlaceSell, action.Kind)
	assert.True(t, action.Price.Equal(decimal.RequireFromString("50000")))

	// Quantity carried over from the filled level, not the target level.
	filled := g.Levels()[1]
	assert.True(t, filled.Filled)
	assert.True(t, action.Quantity.Equal(filled.Quantity))
}

func TestOnBuyFilledTopmostIsNoAction(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	action := g.OnBuyFilled(decimal.RequireFromString("52000"))
	assert.Equal(t, FollowUpNone, action.Kind)
	assert.True(t, g.Levels()[4].Filled)
}

func TestOnSellFilledReturnsBuyOneLevelDown(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	action := g.OnSellFilled(decimal.RequireFromString("51000"))
	assert.Equal(t, FollowUpPlaceBuy, action.Kind)
	assert.True(t, action.Price.Equal(decimal.RequireFromString("50000")))

	lower := g.Levels()[2]
	assert.True(t, action.Quantity.Equal(lower.Quantity))
}

func TestOnSellFilledBottomIsNoAction(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	action := g.OnSellFilled(decimal.RequireFromString("48000"))
	assert.Equal(t, FollowUpNone, action.Kind)
}

func TestFillMatchingUsesTickTolerance(t *testing.T) {
	g := mustGrid(t, "48000", "52000", 4, "1000")

	// 0.004 under the level, inside half-tick tolerance.
	action := g.OnBuyFilled(decimal.RequireFromString("48999.996"))
	assert.Equal(t, FollowUpPlaceSell, action.Kind)

	// Far from any level: no action, nothing marked.
	action = g.OnBuyFilled(decimal.RequireFromString("49500"))
	assert.Equal(t, FollowUpNone, action.Kind)
}
