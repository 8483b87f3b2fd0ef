package bot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"hybrid_trader/internal/core"
	"hybrid_trader/internal/executor"
	"hybrid_trader/internal/mock"
	"hybrid_trader/internal/risk"
	"hybrid_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

type memJournal struct {
	mu     sync.Mutex
	trades []*core.Trade
}

func (j *memJournal) InsertTrade(_ context.Context, t *core.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *t
	j.trades = append(j.trades, &cp)
	return nil
}

func (j *memJournal) all() []*core.Trade {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*core.Trade(nil), j.trades...)
}

type memMirror struct {
	mu    sync.Mutex
	rows  map[string][]byte
	alive map[string]bool
}

func newMemMirror() *memMirror {
	return &memMirror{rows: make(map[string][]byte), alive: make(map[string]bool)}
}

func (m *memMirror) SaveStopRecord(_ context.Context, id, _ string, active bool, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = append([]byte(nil), data...)
	m.alive[id] = active
	return nil
}

func (m *memMirror) LoadActiveStopRecords(_ context.Context) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for id, data := range m.rows {
		if m.alive[id] {
			out = append(out, append([]byte(nil), data...))
		}
	}
	return out, nil
}

func (m *memMirror) DeleteStopRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type harness struct {
	bot      *GridBot
	exchange *mock.MockExchange
	notifier *mock.MockNotifier
	journal  *memJournal
	stops    *risk.StopLossRegistry
	store    *mock.MemStore
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ex := mock.NewMockExchange()
	ex.SetSymbolInfo(&core.SymbolInfo{
		Symbol:      "BTCUSDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinQty:      d("0.00001"),
		StepSize:    d("0.00001"),
		MinNotional: d("10"),
		TickSize:    d("0.01"),
	})
	ex.SetPrice("BTCUSDT", d("50000"))
	ex.SetBalance("USDT", d("2000"))
	ex.SetBalance("BTC", d("1"))

	clock := newFakeClock()
	notifier := mock.NewMockNotifier()
	journal := &memJournal{}
	store := mock.NewMemStore()
	stops := risk.NewStopLossRegistry(newMemMirror(), clock, d("0.10"), logging.NewNop())
	guard := risk.NewGuard(stops, nil, nil, logging.NewNop())
	seller := executor.NewStopSeller(ex, notifier, logging.NewNop())

	cfg := BotConfig{
		Symbol:            "BTCUSDT",
		InvestmentUSD:     d("1000"),
		GridCount:         4,
		RangePercent:      d("0.04"),
		GridStopLossPct:   d("0.05"),
		CircuitBreakerPct: d("0.10"),
		QuoteAsset:        "USDT",
	}
	b := NewGridBot(cfg, Deps{
		Exchange: ex,
		Guard:    guard,
		Stops:    stops,
		Seller:   seller,
		Store:    store,
		Journal:  journal,
		Notifier: notifier,
		Clock:    clock,
		Logger:   logging.NewNop(),
	})
	return &harness{bot: b, exchange: ex, notifier: notifier, journal: journal, stops: stops, store: store, clock: clock}
}

func (h *harness) buyOrderAt(t *testing.T, price string) *core.Order {
	t.Helper()
	h.bot.mu.Lock()
	defer h.bot.mu.Unlock()
	for _, rec := range h.bot.active {
		if rec.order.Side == core.SideBuy && rec.order.Price.Equal(d(price)) {
			cp := rec.order
			return &cp
		}
	}
	t.Fatalf("no active BUY at %s", price)
	return nil
}

func TestHappyPathSingleFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.Initialize(ctx))
	require.NoError(t, h.bot.PlaceInitialOrders(ctx))
	assert.Equal(t, 2, h.bot.ActiveOrderCount())

	filled := h.buyOrderAt(t, "49000")
	h.exchange.SetOrderStatus(filled.OrderID, core.StatusFilled, filled.OrigQty)

	res, err := h.bot.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickContinue, res)

	// The 49000 BUY is gone; a 50000 SELL with the same quantity replaced it.
	h.bot.mu.Lock()
	var sell *core.Order
	for _, rec := range h.bot.active {
		if rec.order.Side == core.SideSell {
			cp := rec.order
			sell = &cp
		}
	}
	h.bot.mu.Unlock()
	require.NotNil(t, sell)
	assert.True(t, sell.Price.Equal(d("50000")), "sell price %s", sell.Price)
	assert.True(t, sell.OrigQty.Equal(filled.OrigQty))

	trades := h.journal.all()
	require.Len(t, trades, 1)
	assert.Equal(t, core.SideBuy, trades[0].Side)
	assert.True(t, trades[0].Price.Equal(d("49000")))

	recs := h.stops.ActiveForSymbol("BTCUSDT")
	require.Len(t, recs, 1)
	assert.Equal(t, risk.StopTrailing, recs[0].Type)
	assert.True(t, recs[0].EntryPrice.Equal(d("49000")))
	// Created 5% below entry (46550); the same tick's stop update then
	// trailed it to 5% below the observed 50000.
	assert.True(t, recs[0].CurrentStopPrice.Equal(d("47500")), "stop %s", recs[0].CurrentStopPrice)
}

func TestPartialFillThenCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.Initialize(ctx))
	require.NoError(t, h.bot.PlaceInitialOrders(ctx))

	target := h.buyOrderAt(t, "48000")
	h.exchange.SetOrderStatus(target.OrderID, core.StatusCanceled, d("0.0005"))

	_, err := h.bot.Tick(ctx)
	require.NoError(t, err)

	trades := h.journal.all()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(d("0.0005")))

	// Stop quantity fee-adjusted and floored to step.
	recs := h.stops.ActiveForSymbol("BTCUSDT")
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Quantity.Equal(d("0.00049")), "stop qty %s", recs[0].Quantity)

	// Removed from the active set, no SELL follow-up.
	h.bot.mu.Lock()
	for _, rec := range h.bot.active {
		assert.NotEqual(t, core.SideSell, rec.order.Side)
		assert.NotEqual(t, target.OrderID, rec.order.OrderID)
	}
	h.bot.mu.Unlock()

	require.NotEmpty(t, h.notifier.Messages)
	assert.Zero(t, h.notifier.UrgentCount())
}

func TestDowntimeFillRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A previous run left one BUY at 48000 recorded as NEW; the exchange
	// filled it while the process was down.
	downtime := &core.Order{
		OrderID:     777,
		Symbol:      "BTCUSDT",
		Side:        core.SideBuy,
		Type:        core.TypeLimit,
		Price:       d("48000"),
		OrigQty:     d("0.001"),
		ExecutedQty: d("0.001"),
		Status:      core.StatusFilled,
	}
	downtime.CumulativeQuoteQty = downtime.ExecutedQty.Mul(downtime.Price)
	h.exchange.SeedOrder(downtime)

	persisted := *downtime
	persisted.Status = core.StatusNew
	persisted.ExecutedQty = decimal.Zero
	st := persistedState{
		Version:   stateVersion,
		Timestamp: h.clock.Now(),
		Symbol:    "BTCUSDT",
		ActiveOrders: map[string]persistedOrder{
			"777": {Order: persisted, ExecutedSeen: "0"},
		},
		Config: configSnapshot{
			Symbol:        "BTCUSDT",
			InvestmentUSD: "1000",
			GridCount:     4,
			RangePercent:  "0.04",
		},
	}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, h.store.Write(ctx, "bot_state_BTCUSDT.json", data))

	res, err := h.bot.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadFresh, res, "no NEW order survived")

	trades := h.journal.all()
	require.Len(t, trades, 1)
	assert.Equal(t, "downtime fill", trades[0].Note)
	require.Len(t, h.stops.ActiveForSymbol("BTCUSDT"), 1)
	assert.Contains(t, h.notifier.Last(), "downtime fill")

	// Initialize builds the grid and drains the queued follow-up.
	require.NoError(t, h.bot.Initialize(ctx))
	h.bot.mu.Lock()
	var sell *core.Order
	for _, rec := range h.bot.active {
		if rec.order.Side == core.SideSell {
			cp := rec.order
			sell = &cp
		}
	}
	h.bot.mu.Unlock()
	require.NotNil(t, sell, "recovered follow-up SELL expected")
	assert.True(t, sell.Price.Equal(d("49000")), "sell price %s", sell.Price)
}

func TestConfigMismatchCancelsOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphan := &core.Order{
		OrderID: 555, Symbol: "BTCUSDT", Side: core.SideBuy, Type: core.TypeLimit,
		Price: d("48000"), OrigQty: d("0.001"), Status: core.StatusNew,
	}
	h.exchange.SeedOrder(orphan)

	st := persistedState{
		Version:   stateVersion,
		Timestamp: h.clock.Now(),
		Symbol:    "BTCUSDT",
		ActiveOrders: map[string]persistedOrder{
			"555": {Order: *orphan},
		},
		Config: configSnapshot{
			Symbol:        "BTCUSDT",
			InvestmentUSD: "5000", // differs from the configured 1000
			GridCount:     4,
			RangePercent:  "0.04",
		},
	}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, h.store.Write(ctx, "bot_state_BTCUSDT.json", data))

	res, err := h.bot.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadFresh, res)
	assert.Equal(t, 0, h.bot.ActiveOrderCount())

	got, ok := h.exchange.Order(555)
	require.True(t, ok)
	assert.Equal(t, core.StatusCanceled, got.Status)
}

func TestCorruptStateStartsFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Write(ctx, "bot_state_BTCUSDT.json", []byte("{not json")))

	res, err := h.bot.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadFresh, res)
}

func TestFlashCrashCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.Initialize(ctx))
	require.NoError(t, h.bot.PlaceInitialOrders(ctx))

	// -11% versus the seeded 50000 reference.
	h.exchange.SetPrice("BTCUSDT", d("44500"))
	res, err := h.bot.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickStop, res)
	assert.True(t, h.bot.Stopped())
	assert.Equal(t, 1, h.notifier.UrgentCount())
	assert.Contains(t, h.notifier.Last(), "EMERGENCY STOP")

	// Final state save happened.
	_, err = h.store.Read(ctx, "bot_state_BTCUSDT.json")
	assert.NoError(t, err)
}

func TestPriceFailuresEmergencyStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.Initialize(ctx))
	require.NoError(t, h.bot.PlaceInitialOrders(ctx))

	h.exchange.SetPrice("BTCUSDT", decimal.Zero)
	for i := 0; i < 2; i++ {
		res, err := h.bot.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickContinue, res)
	}
	res, err := h.bot.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickStop, res)
	assert.True(t, h.bot.Stopped())
}

func TestFailedFollowUpRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.Initialize(ctx))
	require.NoError(t, h.bot.PlaceInitialOrders(ctx))

	filled := h.buyOrderAt(t, "49000")
	h.exchange.SetOrderStatus(filled.OrderID, core.StatusFilled, filled.OrigQty)
	h.exchange.Fail["PlaceLimitSell"] = core.ErrRateLimited

	_, err := h.bot.Tick(ctx)
	require.NoError(t, err)

	// Record marked failed-followup, retry 1 scheduled at +2m.
	h.bot.mu.Lock()
	rec := h.bot.active[filled.OrderID]
	require.NotNil(t, rec)
	require.NotNil(t, rec.failed)
	assert.Equal(t, 1, rec.failed.retryCount)
	h.bot.mu.Unlock()

	// Before the backoff elapses nothing is retried.
	h.clock.Advance(time.Minute)
	_, err = h.bot.Tick(ctx)
	require.NoError(t, err)
	h.bot.mu.Lock()
	assert.Equal(t, 1, h.bot.active[filled.OrderID].failed.retryCount)
	h.bot.mu.Unlock()

	// After it elapses the retry runs and succeeds.
	delete(h.exchange.Fail, "PlaceLimitSell")
	h.clock.Advance(2 * time.Minute)
	_, err = h.bot.Tick(ctx)
	require.NoError(t, err)

	h.bot.mu.Lock()
	_, stillThere := h.bot.active[filled.OrderID]
	var sells int
	for _, r := range h.bot.active {
		if r.order.Side == core.SideSell {
			sells++
		}
	}
	h.bot.mu.Unlock()
	assert.False(t, stillThere)
	assert.Equal(t, 1, sells)
}

func TestFollowUpRetryBudgetExhaustion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.Initialize(ctx))
	require.NoError(t, h.bot.PlaceInitialOrders(ctx))

	filled := h.buyOrderAt(t, "49000")
	h.exchange.SetOrderStatus(filled.OrderID, core.StatusFilled, filled.OrigQty)
	h.exchange.Fail["PlaceLimitSell"] = core.ErrRateLimited

	_, err := h.bot.Tick(ctx)
	require.NoError(t, err)

	// Drive retries 2..5 by advancing past each scheduled time.
	for i := 0; i < 4; i++ {
		h.clock.Advance(2 * time.Hour)
		_, err = h.bot.Tick(ctx)
		require.NoError(t, err)
	}

	h.bot.mu.Lock()
	_, stillThere := h.bot.active[filled.OrderID]
	h.bot.mu.Unlock()
	assert.False(t, stillThere, "record dropped after retry budget")
	assert.GreaterOrEqual(t, h.notifier.UrgentCount(), 1)
	assert.Contains(t, h.notifier.Last(), "manual reconciliation")
}

func TestStopTriggerResolvedWithinTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.Initialize(ctx))
	require.NoError(t, h.bot.PlaceInitialOrders(ctx))

	filled := h.buyOrderAt(t, "49000")
	h.exchange.SetOrderStatus(filled.OrderID, core.StatusFilled, filled.OrigQty)
	_, err := h.bot.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, h.stops.ActiveForSymbol("BTCUSDT"), 1)

	// Price collapses below the 47500 trailed stop, but within the 10% breaker.
	h.exchange.SetPrice("BTCUSDT", d("46000"))
	_, err = h.bot.Tick(ctx)
	require.NoError(t, err)

	recs := h.stops.ActiveForSymbol("BTCUSDT")
	assert.Empty(t, recs, "stop confirmed and closed in the same tick")
	assert.GreaterOrEqual(t, h.exchange.Calls["PlaceMarketSell"], 1)
}
