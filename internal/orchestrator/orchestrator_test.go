package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"hybrid_trader/internal/config"
	"hybrid_trader/internal/core"
	"hybrid_trader/internal/executor"
	"hybrid_trader/internal/mock"
	"hybrid_trader/internal/regime"
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

type stubRegimes struct {
	mu  sync.Mutex
	sig *core.RegimeSignal
}

func (s *stubRegimes) set(regime core.MarketRegime, prob, days float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig = &core.RegimeSignal{Regime: regime, Probability: prob, DurationDays: days}
}

func (s *stubRegimes) LatestSignal(context.Context, string) (*core.RegimeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sig == nil {
		return nil, core.ErrNotFound
	}
	cp := *s.sig
	return &cp, nil
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

func (m *memMirror) LoadActiveStopRecords(context.Context) ([][]byte, error) { return nil, nil }

func (m *memMirror) DeleteStopRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
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

// newBootModeManager builds the manager exactly as the process does at boot:
// initial mode GRID, thresholds from config.
func newBootModeManager(cfg *config.Config, clock core.IClock) *regime.ModeManager {
	return regime.NewModeManager(core.ModeGrid, regime.Thresholds{
		MinProbability:    cfg.Modes.MinRegimeProbability,
		MinDurationDays:   cfg.Modes.MinRegimeDurationDays,
		Cooldown:          time.Duration(cfg.Modes.CooldownHours) * time.Hour,
		EmergencyBearProb: cfg.Modes.EmergencyBearProbability,
		MaxTransitions48H: cfg.Modes.MaxTransitions48H,
		FlapLockExpiry:    time.Duration(cfg.Modes.FlapLockDays) * 24 * time.Hour,
	}, clock, logging.NewNop())
}

type harness struct {
	orch     *HybridOrchestrator
	exchange *mock.MockExchange
	notifier *mock.MockNotifier
	regimes  *stubRegimes
	stops    *risk.StopLossRegistry
	modes    *regime.ModeManager
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Trading.Symbols[0].GridCount = 4

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
	ex.SetBalance("USDT", d("5000"))
	ex.SetBalance("BTC", d("1"))

	clock := newFakeClock()
	notifier := mock.NewMockNotifier()
	stops := risk.NewStopLossRegistry(newMemMirror(), clock, d("0.10"), logging.NewNop())
	guard := risk.NewGuard(stops, nil, nil, logging.NewNop())
	seller := executor.NewStopSeller(ex, notifier, logging.NewNop())
	regimes := &stubRegimes{}
	modes := newBootModeManager(cfg, clock)

	o := New(cfg, Deps{
		Exchange: ex,
		Guard:    guard,
		Stops:    stops,
		Seller:   seller,
		Modes:    modes,
		Regimes:  regimes,
		Store:    mock.NewMemStore(),
		Journal:  &memJournal{},
		Notifier: notifier,
		Clock:    clock,
		Logger:   logging.NewNop(),
	})
	return &harness{orch: o, exchange: ex, notifier: notifier, regimes: regimes, stops: stops, modes: modes, clock: clock}
}

func TestGridModeBuildsBotLazily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Tick(ctx))

	h.orch.mu.Lock()
	st := h.orch.symbols["BTCUSDT"]
	require.NotNil(t, st.gridBot)
	h.orch.mu.Unlock()

	// Initial BUYs at 48000 and 49000 live on the exchange.
	assert.Equal(t, 2, h.exchange.OpenOrderCount("BTCUSDT"))
}

func TestGridToCashWithoutHoldInventory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.Tick(ctx))
	require.Equal(t, 2, h.exchange.OpenOrderCount("BTCUSDT"))

	// Emergency bear flips the manager to CASH despite hysteresis.
	h.regimes.set(core.RegimeBear, 0.90, 0.5)
	require.NoError(t, h.orch.Tick(ctx))

	mode, ok := h.orch.Mode("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, core.ModeCash, mode)

	// Orders cancelled, bot handle released.
	assert.Equal(t, 0, h.exchange.OpenOrderCount("BTCUSDT"))
	h.orch.mu.Lock()
	st := h.orch.symbols["BTCUSDT"]
	assert.Nil(t, st.gridBot)
	// No hold position: no market-sell, exit clock not started.
	assert.True(t, st.cashExitStartedAt.IsZero())
	h.orch.mu.Unlock()
	assert.Equal(t, 0, h.exchange.Calls["PlaceMarketSell"])
}

func TestHoldEntryCreatesTrailingStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.regimes.set(core.RegimeBull, 0.85, 3)
	require.NoError(t, h.orch.Tick(ctx))

	mode, _ := h.orch.Mode("BTCUSDT")
	require.Equal(t, core.ModeHold, mode)

	h.orch.mu.Lock()
	st := h.orch.symbols["BTCUSDT"]
	assert.True(t, st.holdQty.IsPositive())
	assert.NotEmpty(t, st.holdStopID)
	h.orch.mu.Unlock()

	recs := h.stops.ActiveForSymbol("BTCUSDT")
	require.Len(t, recs, 1)
	assert.Equal(t, risk.StopTrailing, recs[0].Type)
	assert.True(t, recs[0].TrailingDistance.Equal(d("0.07")))

	// Already holding: the next HOLD tick does not buy again.
	buys := h.exchange.Calls["PlaceMarketBuy"]
	require.NoError(t, h.orch.Tick(ctx))
	assert.Equal(t, buys, h.exchange.Calls["PlaceMarketBuy"])
}

func TestCashExitTimeoutSellsPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Enter HOLD.
	h.regimes.set(core.RegimeBull, 0.85, 3)
	require.NoError(t, h.orch.Tick(ctx))
	mode, _ := h.orch.Mode("BTCUSDT")
	require.Equal(t, core.ModeHold, mode)

	// Emergency bear: HOLD→CASH tightens the stop and starts the clock.
	h.regimes.set(core.RegimeBear, 0.95, 0.5)
	require.NoError(t, h.orch.Tick(ctx))
	mode, _ = h.orch.Mode("BTCUSDT")
	require.Equal(t, core.ModeCash, mode)

	h.orch.mu.Lock()
	st := h.orch.symbols["BTCUSDT"]
	assert.False(t, st.cashExitStartedAt.IsZero())
	stopID := st.holdStopID
	h.orch.mu.Unlock()

	rec, ok := h.stops.Get(stopID)
	require.True(t, ok)
	assert.True(t, rec.TrailingDistance.Equal(d("0.03")))

	// Before the timeout: still holding.
	h.clock.Advance(30 * time.Minute)
	sells := h.exchange.Calls["PlaceMarketSell"]
	require.NoError(t, h.orch.Tick(ctx))
	assert.Equal(t, sells, h.exchange.Calls["PlaceMarketSell"])

	// Past the 2h timeout: full position sold, hold fields cleared.
	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.orch.Tick(ctx))
	assert.Greater(t, h.exchange.Calls["PlaceMarketSell"], sells)

	h.orch.mu.Lock()
	assert.True(t, h.orch.symbols["BTCUSDT"].holdQty.IsZero())
	assert.True(t, h.orch.symbols["BTCUSDT"].cashExitStartedAt.IsZero())
	h.orch.mu.Unlock()
}

func TestTransitionsApplyToAllSymbolsBeforeExecution(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.Trading.Symbols = append(h.orch.cfg.Trading.Symbols, config.SymbolConfig{
		Symbol: "ETHUSDT", InvestmentUSD: 500, GridCount: 4, RangePercent: 0.04, AllocationUSD: 500,
	})
	h.orch.symbols["ETHUSDT"] = &symbolState{
		cfg:       h.orch.cfg.Trading.Symbols[1],
		mode:      core.ModeGrid,
		allocated: d("500"),
	}
	h.exchange.SetSymbolInfo(&core.SymbolInfo{
		Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT",
		MinQty: d("0.0001"), StepSize: d("0.0001"), MinNotional: d("10"), TickSize: d("0.01"),
	})
	h.exchange.SetPrice("ETHUSDT", d("3000"))
	ctx := context.Background()

	h.regimes.set(core.RegimeBear, 0.95, 0.5)
	require.NoError(t, h.orch.Tick(ctx))

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		mode, ok := h.orch.Mode(symbol)
		require.True(t, ok, symbol)
		assert.Equal(t, core.ModeCash, mode, symbol)
	}
}

func TestOrchestratorStatePersistsAcrossRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.regimes.set(core.RegimeBull, 0.85, 3)
	require.NoError(t, h.orch.Tick(ctx))
	h.orch.mu.Lock()
	holdQty := h.orch.symbols["BTCUSDT"].holdQty
	store := h.orch.deps.Store
	h.orch.mu.Unlock()
	require.True(t, holdQty.IsPositive())

	// A fresh orchestrator over the same store restores the hold fields.
	deps := h.orch.deps
	deps.Store = store
	fresh := New(h.orch.cfg, deps)
	require.NoError(t, fresh.LoadState(ctx))

	fresh.mu.Lock()
	st := fresh.symbols["BTCUSDT"]
	assert.Equal(t, core.ModeHold, st.mode)
	assert.True(t, st.holdQty.Equal(holdQty))
	assert.NotEmpty(t, st.holdStopID)
	fresh.mu.Unlock()
}

func TestRestartWithFreshModeManagerKeepsHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.regimes.set(core.RegimeBull, 0.85, 3)
	require.NoError(t, h.orch.Tick(ctx))
	require.NoError(t, h.orch.Rebalance(ctx))
	require.NoError(t, h.orch.Tick(ctx))

	h.orch.mu.Lock()
	holdQty := h.orch.symbols["BTCUSDT"].holdQty
	stopID := h.orch.symbols["BTCUSDT"].holdStopID
	h.orch.mu.Unlock()
	require.True(t, holdQty.IsPositive())
	modeSince := h.modes.ModeSince()

	// Process restart: the mode manager boots at GRID and the last regime
	// signal is gone. The persisted state must win over both.
	deps := h.orch.deps
	deps.Modes = newBootModeManager(h.orch.cfg, h.clock)
	deps.Regimes = &stubRegimes{}
	fresh := New(h.orch.cfg, deps)
	require.NoError(t, fresh.LoadState(ctx))

	assert.Equal(t, core.ModeHold, deps.Modes.Current())
	assert.True(t, deps.Modes.ModeSince().Equal(modeSince))
	fresh.mu.Lock()
	assert.False(t, fresh.lastRebalance.IsZero())
	fresh.mu.Unlock()

	sells := h.exchange.Calls["PlaceMarketSell"]
	require.NoError(t, fresh.Tick(ctx))

	// No spurious HOLD→GRID transition: the position and its stop survive.
	fresh.mu.Lock()
	st := fresh.symbols["BTCUSDT"]
	assert.Equal(t, core.ModeHold, st.mode)
	assert.True(t, st.holdQty.Equal(holdQty))
	assert.Equal(t, stopID, st.holdStopID)
	fresh.mu.Unlock()
	assert.Equal(t, sells, h.exchange.Calls["PlaceMarketSell"])

	rec, ok := h.stops.Get(stopID)
	require.True(t, ok)
	assert.Equal(t, risk.StopActive, rec.Status)
}

func TestLoadStateRejectsUnknownVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	blob := []byte(`{"version": 99, "mode": "GRID", "symbols": {}}`)
	require.NoError(t, h.orch.deps.Store.Write(ctx, "hybrid_state.json", blob))
	assert.Error(t, h.orch.LoadState(ctx))
}
