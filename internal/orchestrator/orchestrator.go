// Package orchestrator multiplexes per-symbol grid bots over one shared
// exchange client, routes each symbol through the three trading modes and
// sequences mode transitions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hybrid_trader/internal/bot"
	"hybrid_trader/internal/config"
	"hybrid_trader/internal/core"
	"hybrid_trader/internal/executor"
	"hybrid_trader/internal/regime"
	"hybrid_trader/internal/risk"
	"hybrid_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxConsecutiveErrors = 5

// symbolState is the orchestrator's view of one trading pair.
type symbolState struct {
	cfg  config.SymbolConfig
	mode core.TradingMode

	allocated decimal.Decimal

	holdEntryPrice decimal.Decimal
	holdQty        decimal.Decimal
	holdStopID     string

	gridBot *bot.GridBot

	cashExitStartedAt time.Time
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Exchange core.IExchange
	Guard    *risk.Guard
	Stops    *risk.StopLossRegistry
	Seller   *executor.StopSeller
	Modes    *regime.ModeManager
	Regimes  core.IRegimeProvider
	Store    core.IStateStore
	Journal  bot.Journal
	Notifier core.INotifier
	Clock    core.IClock
	Logger   core.ILogger
	Metrics  *telemetry.Metrics
}

// HybridOrchestrator owns the symbol map. Only the scheduler's orchestrator
// tick task and the rebalance task touch it, both through the mutex.
type HybridOrchestrator struct {
	deps   Deps
	cfg    *config.Config
	cohort string

	mu      sync.Mutex
	symbols map[string]*symbolState
	scanner Scanner

	lastRebalance     time.Time
	consecutiveErrors int
	stopped           bool
}

func New(cfg *config.Config, deps Deps) *HybridOrchestrator {
	o := &HybridOrchestrator{
		deps:    deps,
		cfg:     cfg,
		cohort:  cfg.App.Cohort,
		symbols: make(map[string]*symbolState),
	}
	for _, sc := range cfg.Trading.Symbols {
		o.symbols[sc.Symbol] = &symbolState{
			cfg:       sc,
			mode:      deps.Modes.Current(),
			allocated: decimal.NewFromFloat(sc.AllocationUSD),
		}
	}
	return o
}

func (o *HybridOrchestrator) logger() core.ILogger {
	return o.deps.Logger.WithField("component", "orchestrator")
}

// Stopped reports whether the orchestrator has shut itself down.
func (o *HybridOrchestrator) Stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Mode returns the symbol's current mode; used by tests and the rebalancer.
func (o *HybridOrchestrator) Mode(symbol string) (core.TradingMode, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.symbols[symbol]
	if !ok {
		return "", false
	}
	return st.mode, true
}

// Tick runs one orchestrator cycle: decide the target mode, transition every
// symbol, execute each symbol's mode logic, resolve portfolio-level stops,
// check drawdown and persist.
func (o *HybridOrchestrator) Tick(ctx context.Context) error {
	if o.Stopped() {
		return nil
	}
	start := o.deps.Clock.Now()
	if o.deps.Metrics != nil {
		o.deps.Metrics.TicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("component", "orchestrator")))
		defer func() {
			o.deps.Metrics.TickLatency.Record(ctx, o.deps.Clock.Since(start).Seconds())
		}()
	}

	err := o.tick(ctx)
	o.mu.Lock()
	if err != nil {
		o.consecutiveErrors++
		count := o.consecutiveErrors
		stopNow := count >= maxConsecutiveErrors
		o.mu.Unlock()
		o.logger().Error("Orchestrator tick failed", "consecutive", count, "error", err)
		if stopNow {
			o.Shutdown(ctx, fmt.Sprintf("%d consecutive orchestrator errors", count))
		}
		return err
	}
	o.consecutiveErrors = 0
	o.mu.Unlock()
	return nil
}

func (o *HybridOrchestrator) tick(ctx context.Context) error {
	o.evaluateMode(ctx)

	target := o.deps.Modes.Current()
	o.mu.Lock()
	states := make([]*symbolState, 0, len(o.symbols))
	for _, st := range o.symbols {
		states = append(states, st)
	}
	o.mu.Unlock()

	// Transitions are applied to all symbols before any mode executor runs.
	for _, st := range states {
		if st.mode != target {
			o.applyTransition(ctx, st, st.mode, target)
		}
	}

	var firstErr error
	for _, st := range states {
		if err := o.executeMode(ctx, st); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	prices := o.collectPrices(ctx, states)
	o.resolvePortfolioStops(ctx, prices)
	o.checkDrawdown(ctx, prices)

	if err := o.saveState(ctx); err != nil {
		o.logger().Error("Failed to persist orchestrator state", "error", err)
	}
	return firstErr
}

// evaluateMode reads the latest regime signal and, when the manager agrees,
// switches the global mode.
func (o *HybridOrchestrator) evaluateMode(ctx context.Context) {
	sig, err := o.deps.Regimes.LatestSignal(ctx, o.referenceSymbol())
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			o.logger().Warn("Regime signal unavailable", "error", err)
		}
		return
	}
	o.deps.Modes.UpdateRegimeInfo(sig.Regime, sig.Probability)

	recommended, reason := o.deps.Modes.Evaluate(sig.Regime, sig.Probability, sig.DurationDays)
	if recommended == o.deps.Modes.Current() {
		return
	}
	if o.deps.Modes.RequestSwitch(recommended, reason) {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ModeTransitionsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("to", string(o.deps.Modes.Current()))))
		}
		o.deps.Notifier.Send(ctx, fmt.Sprintf("Mode switch to %s: %s", o.deps.Modes.Current(), reason), false)
	}
}

// referenceSymbol is the market proxy whose regime signal drives the global
// mode. The first configured symbol serves; sidecar jobs write its signal.
func (o *HybridOrchestrator) referenceSymbol() string {
	if len(o.cfg.Trading.Symbols) == 0 {
		return ""
	}
	return o.cfg.Trading.Symbols[0].Symbol
}

func (o *HybridOrchestrator) executeMode(ctx context.Context, st *symbolState) error {
	switch st.mode {
	case core.ModeHold:
		return o.executeHold(ctx, st)
	case core.ModeGrid:
		return o.executeGrid(ctx, st)
	case core.ModeCash:
		return o.executeCash(ctx, st)
	}
	return nil
}

// executeHold buys and holds: enter once with the allocated capital and let
// the trailing stop track the exit.
func (o *HybridOrchestrator) executeHold(ctx context.Context, st *symbolState) error {
	if st.holdQty.IsPositive() {
		return nil
	}
	if !st.allocated.IsPositive() {
		return nil
	}

	price, err := o.deps.Exchange.GetCurrentPrice(ctx, st.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("hold entry %s: %w", st.cfg.Symbol, err)
	}
	if err := o.deps.Guard.Allow(ctx, risk.OrderCheck{
		Symbol:   st.cfg.Symbol,
		Side:     core.SideBuy,
		Price:    price,
		Quantity: st.allocated.Div(price),
		PortfolioValue: o.portfolioValueOr(ctx, map[string]decimal.Decimal{st.cfg.Symbol: price},
			st.allocated),
	}); err != nil {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RiskVetoesTotal.Add(ctx, 1)
		}
		o.logger().Warn("Hold entry vetoed", "symbol", st.cfg.Symbol, "error", err)
		return nil
	}

	order, err := o.deps.Exchange.PlaceMarketBuy(ctx, st.cfg.Symbol, st.allocated)
	if err != nil {
		return fmt.Errorf("hold entry %s: %w", st.cfg.Symbol, err)
	}
	avg := order.AvgFillPrice()
	if !avg.IsPositive() {
		avg = price
	}

	rec, err := o.deps.Stops.CreateStop(ctx, risk.CreateStopParams{
		Symbol:     st.cfg.Symbol,
		EntryPrice: avg,
		Quantity:   order.ExecutedQty,
		Type:       risk.StopTrailing,
		Percent:    decimal.NewFromFloat(o.cfg.Modes.HoldTrailingStopPct),
	})
	if err != nil {
		o.logger().Error("Failed to create hold stop", "symbol", st.cfg.Symbol, "error", err)
	}

	o.mu.Lock()
	st.holdEntryPrice = avg
	st.holdQty = order.ExecutedQty
	if rec != nil {
		st.holdStopID = rec.ID
	}
	o.mu.Unlock()

	o.logger().Info("Hold position entered",
		"symbol", st.cfg.Symbol, "entry", avg.StringFixed(2), "qty", order.ExecutedQty.String())
	o.deps.Notifier.Send(ctx, fmt.Sprintf("%s: entered HOLD position at %s", st.cfg.Symbol, avg.StringFixed(2)), false)
	return nil
}

// executeGrid lazily builds the symbol's grid bot and delegates the tick.
func (o *HybridOrchestrator) executeGrid(ctx context.Context, st *symbolState) error {
	if st.gridBot == nil {
		b, err := o.buildGridBot(ctx, st)
		if err != nil {
			return fmt.Errorf("build grid bot %s: %w", st.cfg.Symbol, err)
		}
		o.mu.Lock()
		st.gridBot = b
		o.mu.Unlock()
		return nil
	}
	if st.gridBot.Stopped() {
		return nil
	}
	_, err := st.gridBot.Tick(ctx)
	return err
}

func (o *HybridOrchestrator) buildGridBot(ctx context.Context, st *symbolState) (*bot.GridBot, error) {
	cfg := bot.BotConfig{
		Symbol:            st.cfg.Symbol,
		InvestmentUSD:     decimal.NewFromFloat(st.cfg.InvestmentUSD),
		GridCount:         st.cfg.GridCount,
		RangePercent:      decimal.NewFromFloat(st.cfg.RangePercent),
		GridStopLossPct:   decimal.NewFromFloat(o.cfg.Risk.GridStopLossPct),
		CircuitBreakerPct: decimal.NewFromFloat(o.cfg.Risk.CircuitBreakerPct),
		QuoteAsset:        o.cfg.Trading.QuoteAsset,
		Testnet:           o.cfg.Exchange.Testnet,
	}
	b := bot.NewGridBot(cfg, bot.Deps{
		Exchange: o.deps.Exchange,
		Guard:    o.deps.Guard,
		Stops:    o.deps.Stops,
		Seller:   o.deps.Seller,
		Store:    o.deps.Store,
		Journal:  o.deps.Journal,
		Notifier: o.deps.Notifier,
		Clock:    o.deps.Clock,
		Logger:   o.deps.Logger,
	})

	loaded, err := b.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	if loaded == bot.LoadFresh {
		if err := b.PlaceInitialOrders(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// executeCash preserves capital: no grid orders, tightened stop, timed exit.
func (o *HybridOrchestrator) executeCash(ctx context.Context, st *symbolState) error {
	if err := o.deps.Exchange.CancelAllOrders(ctx, st.cfg.Symbol); err != nil {
		return fmt.Errorf("cash mode cancel %s: %w", st.cfg.Symbol, err)
	}

	if !st.holdQty.IsPositive() {
		return nil
	}

	if st.cashExitStartedAt.IsZero() {
		o.beginCashExit(ctx, st)
		return nil
	}

	timeout := time.Duration(o.cfg.Modes.CashExitTimeoutMinutes) * time.Minute
	if o.deps.Clock.Since(st.cashExitStartedAt) < timeout {
		return nil
	}

	order, err := o.deps.Exchange.PlaceMarketSell(ctx, st.cfg.Symbol, st.holdQty)
	if err != nil {
		return fmt.Errorf("cash exit %s: %w", st.cfg.Symbol, err)
	}
	if st.holdStopID != "" {
		if cerr := o.deps.Stops.CancelStop(ctx, st.holdStopID); cerr != nil {
			o.logger().Warn("Failed to cancel hold stop", "id", st.holdStopID, "error", cerr)
		}
	}

	o.mu.Lock()
	st.holdQty = decimal.Zero
	st.holdEntryPrice = decimal.Zero
	st.holdStopID = ""
	st.cashExitStartedAt = time.Time{}
	o.mu.Unlock()

	o.logger().Info("Cash exit executed",
		"symbol", st.cfg.Symbol, "qty", order.ExecutedQty.String())
	o.deps.Notifier.Send(ctx, fmt.Sprintf("%s: CASH exit sold %s after timeout",
		st.cfg.Symbol, order.ExecutedQty.String()), false)
	return nil
}

// beginCashExit tightens the stop and starts the exit clock.
func (o *HybridOrchestrator) beginCashExit(ctx context.Context, st *symbolState) {
	if st.holdStopID != "" {
		tight := decimal.NewFromFloat(o.cfg.Modes.CashExitStopPct)
		if err := o.deps.Stops.TightenTrailing(ctx, st.holdStopID, tight); err != nil {
			o.logger().Warn("Failed to tighten stop for cash exit",
				"id", st.holdStopID, "error", err)
		}
	}
	o.mu.Lock()
	st.cashExitStartedAt = o.deps.Clock.Now()
	o.mu.Unlock()
	o.logger().Info("Cash exit started", "symbol", st.cfg.Symbol)
}

// applyTransition runs the from→to cell of the transition matrix for one
// symbol.
func (o *HybridOrchestrator) applyTransition(ctx context.Context, st *symbolState, from, to core.TradingMode) {
	o.logger().Info("Applying mode transition",
		"symbol", st.cfg.Symbol, "from", string(from), "to", string(to))

	switch {
	case from == core.ModeHold && to == core.ModeGrid:
		if st.holdStopID != "" {
			if err := o.deps.Stops.CancelStop(ctx, st.holdStopID); err != nil {
				o.logger().Warn("Failed to cancel hold stop", "error", err)
			}
		}
		o.mu.Lock()
		st.holdQty = decimal.Zero
		st.holdEntryPrice = decimal.Zero
		st.holdStopID = ""
		st.gridBot = nil
		o.mu.Unlock()

	case from == core.ModeHold && to == core.ModeCash:
		if st.holdQty.IsPositive() {
			o.beginCashExit(ctx, st)
		}

	case from == core.ModeGrid && to == core.ModeHold:
		o.gridToHold(ctx, st)

	case from == core.ModeGrid && to == core.ModeCash:
		o.releaseGridBot(ctx, st)
		if st.holdQty.IsPositive() {
			o.beginCashExit(ctx, st)
		}

	case from == core.ModeCash && to == core.ModeHold:
		o.mu.Lock()
		st.cashExitStartedAt = time.Time{}
		st.holdQty = decimal.Zero
		st.holdEntryPrice = decimal.Zero
		st.holdStopID = ""
		o.mu.Unlock()

	case from == core.ModeCash && to == core.ModeGrid:
		o.mu.Lock()
		st.cashExitStartedAt = time.Time{}
		st.gridBot = nil
		o.mu.Unlock()
	}

	o.mu.Lock()
	st.mode = to
	o.mu.Unlock()
}

// releaseGridBot cancels the bot's open orders and drops the handle.
func (o *HybridOrchestrator) releaseGridBot(ctx context.Context, st *symbolState) {
	if st.gridBot != nil {
		if err := st.gridBot.CancelOpenOrders(ctx); err != nil {
			o.logger().Warn("Failed to cancel grid orders", "symbol", st.cfg.Symbol, "error", err)
		}
	} else if err := o.deps.Exchange.CancelAllOrders(ctx, st.cfg.Symbol); err != nil {
		o.logger().Warn("Failed to cancel open orders", "symbol", st.cfg.Symbol, "error", err)
	}
	o.mu.Lock()
	st.gridBot = nil
	o.mu.Unlock()
}

// gridToHold converts estimated grid inventory into a hold position with a
// fresh trailing stop. The estimate comes from the bot's open SELL orders,
// a heuristic pending full trade-pair accounting.
func (o *HybridOrchestrator) gridToHold(ctx context.Context, st *symbolState) {
	var inventoryNotional decimal.Decimal
	if st.gridBot != nil {
		inventoryNotional = st.gridBot.SellOrderNotional()
	}
	o.releaseGridBot(ctx, st)

	if !inventoryNotional.IsPositive() {
		return
	}
	price, err := o.deps.Exchange.GetCurrentPrice(ctx, st.cfg.Symbol)
	if err != nil || !price.IsPositive() {
		o.logger().Warn("Cannot value grid inventory for hold conversion",
			"symbol", st.cfg.Symbol, "error", err)
		return
	}
	qty := inventoryNotional.Div(price)

	rec, err := o.deps.Stops.CreateStop(ctx, risk.CreateStopParams{
		Symbol:     st.cfg.Symbol,
		EntryPrice: price,
		Quantity:   qty,
		Type:       risk.StopTrailing,
		Percent:    decimal.NewFromFloat(o.cfg.Modes.HoldTrailingStopPct),
	})
	if err != nil {
		o.logger().Error("Failed to create hold stop on conversion",
			"symbol", st.cfg.Symbol, "error", err)
	}

	o.mu.Lock()
	st.holdQty = qty
	st.holdEntryPrice = price
	if rec != nil {
		st.holdStopID = rec.ID
	}
	o.mu.Unlock()
	o.logger().Info("Converted grid inventory to hold position",
		"symbol", st.cfg.Symbol, "qty", qty.String())
}

// collectPrices builds the symbol price map for the portfolio-level stop
// update. Unavailable prices are simply absent.
func (o *HybridOrchestrator) collectPrices(ctx context.Context, states []*symbolState) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(states))
	for _, st := range states {
		price, err := o.deps.Exchange.GetCurrentPrice(ctx, st.cfg.Symbol)
		if err != nil || !price.IsPositive() {
			continue
		}
		prices[st.cfg.Symbol] = price
	}
	return prices
}

// resolvePortfolioStops runs the registry update once with every price and
// resolves all triggers within the tick.
func (o *HybridOrchestrator) resolvePortfolioStops(ctx context.Context, prices map[string]decimal.Decimal) {
	triggered := o.deps.Stops.Update(ctx, prices)
	for _, rec := range triggered {
		if o.deps.Metrics != nil {
			o.deps.Metrics.StopsTriggeredTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("symbol", rec.Symbol)))
		}
		info, err := o.deps.Exchange.GetSymbolInfo(ctx, rec.Symbol)
		if err != nil {
			o.logger().Error("Cannot resolve stop without symbol info", "symbol", rec.Symbol, "error", err)
			if rerr := o.deps.Stops.Reactivate(ctx, rec.ID); rerr != nil {
				o.logger().Error("Failed to reactivate stop", "id", rec.ID, "error", rerr)
			}
			continue
		}
		order, err := o.deps.Seller.Sell(ctx, info, rec.Quantity)
		if err != nil {
			if rerr := o.deps.Stops.Reactivate(ctx, rec.ID); rerr != nil {
				o.logger().Error("Failed to reactivate stop", "id", rec.ID, "error", rerr)
			}
			continue
		}
		sellPrice := order.AvgFillPrice()
		if !sellPrice.IsPositive() {
			sellPrice = prices[rec.Symbol]
		}
		if err := o.deps.Stops.ConfirmTrigger(ctx, rec.ID, sellPrice); err != nil {
			o.logger().Error("Failed to confirm stop", "id", rec.ID, "error", err)
		}
		o.clearHoldIfStop(rec.ID, rec.Symbol)
	}
}

// clearHoldIfStop resets a symbol's hold fields when its hold stop executed.
func (o *HybridOrchestrator) clearHoldIfStop(stopID, symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.symbols[symbol]
	if !ok || st.holdStopID != stopID {
		return
	}
	st.holdQty = decimal.Zero
	st.holdEntryPrice = decimal.Zero
	st.holdStopID = ""
	st.cashExitStartedAt = time.Time{}
}

// checkDrawdown values the portfolio and consults the daily drawdown guard.
func (o *HybridOrchestrator) checkDrawdown(ctx context.Context, prices map[string]decimal.Decimal) {
	value, err := o.portfolioValue(ctx, prices)
	if err != nil {
		o.logger().Warn("Cannot value portfolio for drawdown check", "error", err)
		return
	}
	if halt, reason := o.deps.Stops.CheckPortfolioDrawdown(value); halt {
		o.deps.Notifier.Send(ctx, fmt.Sprintf("PORTFOLIO HALT: %s", reason), true)
	}
}

func (o *HybridOrchestrator) portfolioValue(ctx context.Context, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	total, err := o.deps.Exchange.GetAccountBalance(ctx, o.cfg.Trading.QuoteAsset)
	if err != nil {
		return decimal.Zero, err
	}
	for symbol, price := range prices {
		info, err := o.deps.Exchange.GetSymbolInfo(ctx, symbol)
		if err != nil {
			continue
		}
		base, err := o.deps.Exchange.GetAccountBalance(ctx, info.BaseAsset)
		if err != nil {
			continue
		}
		total = total.Add(base.Mul(price))
	}
	return total, nil
}

// PortfolioValue marks the whole account to market: quote balance plus every
// configured base balance at the latest price. The scheduler's snapshot and
// drawdown-reset tasks call it.
func (o *HybridOrchestrator) PortfolioValue(ctx context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	states := make([]*symbolState, 0, len(o.symbols))
	for _, st := range o.symbols {
		states = append(states, st)
	}
	o.mu.Unlock()
	return o.portfolioValue(ctx, o.collectPrices(ctx, states))
}

func (o *HybridOrchestrator) portfolioValueOr(ctx context.Context, prices map[string]decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	value, err := o.portfolioValue(ctx, prices)
	if err != nil {
		return fallback
	}
	return value
}

// Shutdown stops every bot and marks the orchestrator stopped. Called on the
// error ceiling and on process termination.
func (o *HybridOrchestrator) Shutdown(ctx context.Context, reason string) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	bots := make([]*bot.GridBot, 0, len(o.symbols))
	for _, st := range o.symbols {
		if st.gridBot != nil {
			bots = append(bots, st.gridBot)
		}
	}
	o.mu.Unlock()

	for _, b := range bots {
		b.Stop()
		if err := b.SaveState(ctx); err != nil {
			o.logger().Error("Failed final bot state save", "error", err)
		}
	}
	if err := o.saveState(ctx); err != nil {
		o.logger().Error("Failed final orchestrator state save", "error", err)
	}
	o.logger().Error("Orchestrator shut down", "reason", reason)
	o.deps.Notifier.Send(ctx, fmt.Sprintf("Trader shut down: %s", reason), true)
}
