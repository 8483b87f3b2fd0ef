// Package bot drives the per-symbol grid order lifecycle: initial placement,
// tick reconciliation, fill handling, failed-followup retries and crash
// recovery.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hybrid_trader/internal/core"
	"hybrid_trader/internal/executor"
	"hybrid_trader/internal/risk"
	"hybrid_trader/internal/strategy"

	"github.com/shopspring/decimal"
)

const (
	maxFollowupRetries      = 5
	maxConsecutiveErrors    = 5
	maxPriceFailures        = 3
	balanceHeadroomFraction = "1.02"
)

// followupBackoff is the retry schedule for failed follow-up placements.
var followupBackoff = []time.Duration{
	2 * time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute,
}

// takerFee adjusts BUY fill quantities before creating stops; the exchange
// keeps the fee out of the received base amount.
var takerFee = decimal.NewFromFloat(0.001)

// TickResult tells the scheduler whether the bot wants another tick.
type TickResult int

const (
	TickContinue TickResult = iota
	TickStop
)

// LoadResult reports what boot reconciliation found.
type LoadResult int

const (
	LoadFresh LoadResult = iota
	LoadRestored
)

// Journal records fills durably. *statestore.SQLiteStore satisfies it.
type Journal interface {
	InsertTrade(ctx context.Context, t *core.Trade) error
}

// BotConfig is one symbol's grid parameters.
type BotConfig struct {
	Symbol            string
	InvestmentUSD     decimal.Decimal
	GridCount         int
	RangePercent      decimal.Decimal
	GridStopLossPct   decimal.Decimal
	CircuitBreakerPct decimal.Decimal
	QuoteAsset        string
	Testnet           bool
}

type followState struct {
	action      strategy.FollowUpAction
	retryCount  int
	nextRetryAt time.Time
}

type orderRecord struct {
	order        core.Order
	executedSeen decimal.Decimal
	failed       *followState
}

// queuedFill is a downtime fill awaiting its follow-up until the strategy is
// built.
type queuedFill struct {
	side  core.OrderSide
	price decimal.Decimal
}

// GridBot owns the order lifecycle for one symbol. All public methods are
// called from the scheduler's single orchestrator-tick task; the mutex exists
// for state snapshots taken by SaveState.
type GridBot struct {
	cfg      BotConfig
	exchange core.IExchange
	guard    *risk.Guard
	stops    *risk.StopLossRegistry
	breaker  *risk.CircuitBreaker
	seller   *executor.StopSeller
	store    core.IStateStore
	journal  Journal
	notifier core.INotifier
	clock    core.IClock
	logger   core.ILogger

	mu     sync.Mutex
	info   *core.SymbolInfo
	grid   *strategy.GridStrategy
	active map[int64]*orderRecord
	queued []queuedFill

	priceFailures     int
	consecutiveErrors int
	stopped           bool
	emergency         bool
}

// Deps bundles the collaborators shared across bots.
type Deps struct {
	Exchange core.IExchange
	Guard    *risk.Guard
	Stops    *risk.StopLossRegistry
	Seller   *executor.StopSeller
	Store    core.IStateStore
	Journal  Journal
	Notifier core.INotifier
	Clock    core.IClock
	Logger   core.ILogger
}

func NewGridBot(cfg BotConfig, deps Deps) *GridBot {
	return &GridBot{
		cfg:      cfg,
		exchange: deps.Exchange,
		guard:    deps.Guard,
		stops:    deps.Stops,
		breaker:  risk.NewCircuitBreaker(cfg.CircuitBreakerPct),
		seller:   deps.Seller,
		store:    deps.Store,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger.WithField("component", "grid_bot").WithField("symbol", cfg.Symbol),
		active:   make(map[int64]*orderRecord),
	}
}

func isNotFound(err error) bool { return errors.Is(err, core.ErrNotFound) }

// Initialize verifies the symbol, checks balance headroom, builds the grid
// around the current price and seeds the circuit breaker. It also drains
// follow-ups queued by LoadState.
func (b *GridBot) Initialize(ctx context.Context) error {
	info, err := b.exchange.GetSymbolInfo(ctx, b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", b.cfg.Symbol, err)
	}
	b.info = info

	price, err := b.exchange.GetCurrentPrice(ctx, b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", b.cfg.Symbol, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("initialize %s: %w", b.cfg.Symbol, core.ErrPriceUnavailable)
	}

	quote, err := b.exchange.GetAccountBalance(ctx, info.QuoteAsset)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", b.cfg.Symbol, err)
	}
	needed := b.cfg.InvestmentUSD.Mul(decimal.RequireFromString(balanceHeadroomFraction))
	if quote.LessThan(needed) {
		return fmt.Errorf("initialize %s: balance %s below required %s",
			b.cfg.Symbol, quote.StringFixed(2), needed.StringFixed(2))
	}

	one := decimal.NewFromInt(1)
	lower := price.Mul(one.Sub(b.cfg.RangePercent))
	upper := price.Mul(one.Add(b.cfg.RangePercent))
	grid, err := strategy.NewGridStrategy(lower, upper, b.cfg.GridCount, b.cfg.InvestmentUSD, info)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", b.cfg.Symbol, err)
	}
	b.grid = grid
	b.breaker.Seed(price)

	b.logger.Info("Grid initialized",
		"lower", lower.StringFixed(2), "upper", upper.StringFixed(2),
		"levels", len(grid.Levels()), "price", price.StringFixed(2))

	b.drainQueuedFollowUps(ctx)
	return nil
}

// drainQueuedFollowUps places follow-ups for downtime fills discovered by
// LoadState. Placement failures become regular failed-followup records.
func (b *GridBot) drainQueuedFollowUps(ctx context.Context) {
	b.mu.Lock()
	queued := b.queued
	b.queued = nil
	b.mu.Unlock()

	for _, q := range queued {
		var action strategy.FollowUpAction
		if q.side == core.SideBuy {
			action = b.grid.OnBuyFilled(q.price)
		} else {
			action = b.grid.OnSellFilled(q.price)
		}
		if action.Kind == strategy.FollowUpNone {
			continue
		}
		order, err := b.placeFollowUp(ctx, action)
		if err != nil {
			if errors.Is(err, core.ErrRiskVetoed) {
				b.notifier.Send(ctx, fmt.Sprintf("%s: recovered follow-up vetoed by risk gate", b.cfg.Symbol), false)
				continue
			}
			b.logger.Warn("Recovered follow-up placement failed, scheduling retry",
				"kind", action.Kind.String(), "error", err)
			b.rememberFailedFollowUp(action)
			continue
		}
		b.trackOrder(order)
	}
}

// rememberFailedFollowUp creates a retry-only record. The synthetic negative
// id keeps it clear of exchange order ids.
func (b *GridBot) rememberFailedFollowUp(action strategy.FollowUpAction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := int64(-(len(b.active) + 1))
	for b.active[id] != nil {
		id--
	}
	b.active[id] = &orderRecord{
		order: core.Order{OrderID: id, Symbol: b.cfg.Symbol, Status: core.StatusFilled},
		failed: &followState{
			action:      action,
			retryCount:  1,
			nextRetryAt: b.clock.Now().Add(followupBackoff[0]),
		},
	}
}

// PlaceInitialOrders places a BUY at every grid level below the current
// price that passes the risk gate.
func (b *GridBot) PlaceInitialOrders(ctx context.Context) error {
	price, err := b.exchange.GetCurrentPrice(ctx, b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("place initial orders %s: %w", b.cfg.Symbol, err)
	}

	for _, o := range b.grid.InitialOrders(price) {
		if o.Side != core.SideBuy {
			continue
		}
		if err := b.gate(ctx, o.Side, o.Price, o.Quantity); err != nil {
			b.logger.Warn("Initial order vetoed", "price", o.Price.String(), "error", err)
			continue
		}
		order, err := b.exchange.PlaceLimitBuy(ctx, b.cfg.Symbol, o.Quantity, o.Price)
		if err != nil {
			b.logger.Warn("Initial order placement failed",
				"price", o.Price.String(), "qty", o.Quantity.String(), "error", err)
			continue
		}
		b.trackOrder(order)
		b.logger.Info("Placed initial BUY", "price", o.Price.String(), "qty", o.Quantity.String())
	}
	return b.SaveState(ctx)
}

func (b *GridBot) trackOrder(order *core.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[order.OrderID] = &orderRecord{order: *order, executedSeen: decimal.Zero}
}

// gate runs the risk checks for one order, with the configured investment as
// portfolio fallback when balances are unavailable.
func (b *GridBot) gate(ctx context.Context, side core.OrderSide, price, qty decimal.Decimal) error {
	portfolio, invested := b.portfolioView(ctx, price)
	return b.guard.Allow(ctx, risk.OrderCheck{
		Symbol:          b.cfg.Symbol,
		Side:            side,
		Price:           price,
		Quantity:        qty,
		PortfolioValue:  portfolio,
		CurrentInvested: invested,
	})
}

func (b *GridBot) portfolioView(ctx context.Context, price decimal.Decimal) (portfolio, invested decimal.Decimal) {
	quote, err := b.exchange.GetAccountBalance(ctx, b.info.QuoteAsset)
	if err != nil {
		b.logger.Warn("Balance unavailable for risk check, using configured investment", "error", err)
		return b.cfg.InvestmentUSD, decimal.Zero
	}
	base, err := b.exchange.GetAccountBalance(ctx, b.info.BaseAsset)
	if err != nil {
		b.logger.Warn("Balance unavailable for risk check, using configured investment", "error", err)
		return b.cfg.InvestmentUSD, decimal.Zero
	}
	invested = base.Mul(price)
	return quote.Add(invested), invested
}

// Stop requests a graceful stop; the next Tick observes it.
func (b *GridBot) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

// Stopped reports whether the bot has been stopped or emergency-stopped.
func (b *GridBot) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// ActiveOrderCount is exposed for the orchestrator's transition logic.
func (b *GridBot) ActiveOrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// CancelOpenOrders cancels everything live on the exchange and clears the
// active set. Used on mode transitions away from GRID.
func (b *GridBot) CancelOpenOrders(ctx context.Context) error {
	if err := b.exchange.CancelAllOrders(ctx, b.cfg.Symbol); err != nil {
		return fmt.Errorf("cancel open orders %s: %w", b.cfg.Symbol, err)
	}
	b.mu.Lock()
	b.active = make(map[int64]*orderRecord)
	b.mu.Unlock()
	return b.SaveState(ctx)
}

// SellOrderNotional sums price*remaining quantity over active SELL orders.
// The orchestrator uses it to estimate hold inventory on GRID→HOLD; it is a
// heuristic pending full trade-pair accounting.
func (b *GridBot) SellOrderNotional() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, rec := range b.active {
		if rec.order.Side == core.SideSell && rec.failed == nil {
			remaining := rec.order.OrigQty.Sub(rec.executedSeen)
			total = total.Add(remaining.Mul(rec.order.Price))
		}
	}
	return total
}

// Tick runs one reconciliation cycle. The internal order is fixed:
// reconcile, retry failed follow-ups, price check, circuit breaker, stop
// updates, persist.
func (b *GridBot) Tick(ctx context.Context) (TickResult, error) {
	if b.Stopped() {
		return TickStop, nil
	}

	err := b.tick(ctx)
	if err != nil {
		b.mu.Lock()
		b.consecutiveErrors++
		count := b.consecutiveErrors
		b.mu.Unlock()
		b.logger.Error("Tick failed", "consecutive", count, "error", err)
		if count >= maxConsecutiveErrors {
			b.emergencyStop(ctx, fmt.Sprintf("%d consecutive tick errors: %v", count, err))
			return TickStop, err
		}
		return TickContinue, err
	}

	b.mu.Lock()
	b.consecutiveErrors = 0
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return TickStop, nil
	}
	return TickContinue, nil
}

func (b *GridBot) tick(ctx context.Context) error {
	if err := b.reconcile(ctx); err != nil {
		return err
	}
	b.retryFailedFollowUps(ctx)

	price, err := b.exchange.GetCurrentPrice(ctx, b.cfg.Symbol)
	if err != nil || !price.IsPositive() {
		b.mu.Lock()
		b.priceFailures++
		failures := b.priceFailures
		b.mu.Unlock()
		b.logger.Warn("Price unavailable", "consecutive", failures, "error", err)
		if failures >= maxPriceFailures {
			b.emergencyStop(ctx, fmt.Sprintf("price unavailable for %d ticks", failures))
			return nil
		}
		return b.SaveState(ctx)
	}
	b.mu.Lock()
	b.priceFailures = 0
	b.mu.Unlock()

	if b.breaker.Observe(price) {
		b.emergencyStop(ctx, fmt.Sprintf("circuit breaker: price dropped to %s", price.StringFixed(2)))
		return nil
	}

	b.handleStops(ctx, price)

	return b.SaveState(ctx)
}

// reconcile fetches open orders and resolves every in-memory record the
// exchange no longer lists.
func (b *GridBot) reconcile(ctx context.Context) error {
	open, err := b.exchange.GetOpenOrders(ctx, b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", b.cfg.Symbol, err)
	}
	openSet := make(map[int64]bool, len(open))
	for _, o := range open {
		openSet[o.OrderID] = true
	}

	b.mu.Lock()
	var missing []int64
	for id, rec := range b.active {
		if rec.failed == nil && !openSet[id] {
			missing = append(missing, id)
		}
	}
	b.mu.Unlock()

	for _, id := range missing {
		order, err := b.exchange.GetOrderStatus(ctx, b.cfg.Symbol, id)
		if err != nil {
			if isNotFound(err) {
				b.removeOrder(id)
				continue
			}
			return fmt.Errorf("reconcile %s order %d: %w", b.cfg.Symbol, id, err)
		}
		b.resolveOrder(ctx, order)
	}
	return nil
}

// resolveOrder applies the reconciliation policy for one no-longer-open
// order.
func (b *GridBot) resolveOrder(ctx context.Context, order *core.Order) {
	switch order.Status {
	case core.StatusPartiallyFilled:
		b.mu.Lock()
		if rec, ok := b.active[order.OrderID]; ok {
			rec.executedSeen = order.ExecutedQty
		}
		b.mu.Unlock()

	case core.StatusCanceled:
		if order.ExecutedQty.IsPositive() {
			b.recordFill(ctx, order, order.ExecutedQty, "partial fill on cancel")
			b.notifier.Send(ctx, fmt.Sprintf("%s: order %d canceled with partial fill %s",
				b.cfg.Symbol, order.OrderID, order.ExecutedQty.String()), false)
		}
		b.removeOrder(order.OrderID)

	case core.StatusExpired, core.StatusRejected:
		b.removeOrder(order.OrderID)

	case core.StatusFilled:
		b.handleFilled(ctx, order)

	default:
		// NEW or PENDING_CANCEL while missing from the open list is a
		// listing race; leave the record for the next tick.
	}
}

// handleFilled persists the trade, creates the stop for BUYs and places the
// follow-up.
func (b *GridBot) handleFilled(ctx context.Context, order *core.Order) {
	b.recordFill(ctx, order, order.ExecutedQty, "grid fill")

	var action strategy.FollowUpAction
	if order.Side == core.SideBuy {
		action = b.grid.OnBuyFilled(order.Price)
	} else {
		action = b.grid.OnSellFilled(order.Price)
	}
	if action.Kind == strategy.FollowUpNone {
		b.removeOrder(order.OrderID)
		return
	}

	followUp, err := b.placeFollowUp(ctx, action)
	if err != nil {
		if errors.Is(err, core.ErrRiskVetoed) {
			b.notifier.Send(ctx, fmt.Sprintf("%s: follow-up after fill at %s vetoed by risk gate",
				b.cfg.Symbol, order.Price.String()), false)
			b.removeOrder(order.OrderID)
			return
		}
		b.logger.Warn("Follow-up placement failed, scheduling retry",
			"order_id", order.OrderID, "error", err)
		b.mu.Lock()
		if rec, ok := b.active[order.OrderID]; ok {
			rec.failed = &followState{
				action:      action,
				retryCount:  1,
				nextRetryAt: b.clock.Now().Add(followupBackoff[0]),
			}
		}
		b.mu.Unlock()
		return
	}

	b.swapOrder(order.OrderID, followUp)
	b.logger.Info("Follow-up placed",
		"filled", order.Price.String(), "side", string(followUp.Side),
		"price", followUp.Price.String(), "order_id", followUp.OrderID)
}

// recordFill journals the executed portion and creates a trailing stop for
// BUY fills, quantity adjusted for the taker fee.
func (b *GridBot) recordFill(ctx context.Context, order *core.Order, qty decimal.Decimal, note string) {
	trade := &core.Trade{
		Symbol:    b.cfg.Symbol,
		Side:      order.Side,
		Price:     order.Price,
		Quantity:  qty,
		Quote:     qty.Mul(order.Price),
		OrderID:   order.OrderID,
		Timestamp: b.clock.Now(),
		Note:      note,
	}
	if err := b.journal.InsertTrade(ctx, trade); err != nil {
		b.logger.Error("Failed to journal trade", "order_id", order.OrderID, "error", err)
	}

	if order.Side != core.SideBuy {
		return
	}
	stopQty := b.info.FloorToStep(qty.Mul(decimal.NewFromInt(1).Sub(takerFee)))
	if !stopQty.IsPositive() {
		return
	}
	_, err := b.stops.CreateStop(ctx, risk.CreateStopParams{
		Symbol:     b.cfg.Symbol,
		EntryPrice: order.Price,
		Quantity:   stopQty,
		Type:       risk.StopTrailing,
		Percent:    b.cfg.GridStopLossPct,
	})
	if err != nil {
		b.logger.Error("Failed to create stop for fill", "order_id", order.OrderID, "error", err)
	}
}

func (b *GridBot) placeFollowUp(ctx context.Context, action strategy.FollowUpAction) (*core.Order, error) {
	var side core.OrderSide
	if action.Kind == strategy.FollowUpPlaceBuy {
		side = core.SideBuy
	} else {
		side = core.SideSell
	}
	if err := b.gate(ctx, side, action.Price, action.Quantity); err != nil {
		return nil, err
	}
	if side == core.SideBuy {
		return b.exchange.PlaceLimitBuy(ctx, b.cfg.Symbol, action.Quantity, action.Price)
	}
	return b.exchange.PlaceLimitSell(ctx, b.cfg.Symbol, action.Quantity, action.Price)
}

// retryFailedFollowUps retries due records; budget exhaustion escalates and
// drops the record.
func (b *GridBot) retryFailedFollowUps(ctx context.Context) {
	now := b.clock.Now()

	b.mu.Lock()
	var due []int64
	for id, rec := range b.active {
		if rec.failed != nil && !rec.failed.nextRetryAt.After(now) {
			due = append(due, id)
		}
	}
	b.mu.Unlock()

	for _, id := range due {
		b.mu.Lock()
		rec, ok := b.active[id]
		if !ok || rec.failed == nil {
			b.mu.Unlock()
			continue
		}
		action := rec.failed.action
		b.mu.Unlock()

		order, err := b.placeFollowUp(ctx, action)
		if err == nil {
			b.swapOrder(id, order)
			b.logger.Info("Failed follow-up recovered", "order_id", order.OrderID)
			continue
		}
		if errors.Is(err, core.ErrRiskVetoed) {
			b.notifier.Send(ctx, fmt.Sprintf("%s: retried follow-up vetoed by risk gate", b.cfg.Symbol), false)
			b.removeOrder(id)
			continue
		}

		b.mu.Lock()
		rec.failed.retryCount++
		count := rec.failed.retryCount
		if count >= maxFollowupRetries {
			delete(b.active, id)
			b.mu.Unlock()
			b.notifier.Send(ctx, fmt.Sprintf(
				"%s: follow-up order failed after %d attempts, manual reconciliation required (price %s, qty %s)",
				b.cfg.Symbol, count, action.Price.String(), action.Quantity.String()), true)
			continue
		}
		idx := count
		if idx > len(followupBackoff)-1 {
			idx = len(followupBackoff) - 1
		}
		rec.failed.nextRetryAt = now.Add(followupBackoff[idx])
		b.mu.Unlock()
		b.logger.Warn("Follow-up retry failed",
			"retry_count", count, "next_retry_in", followupBackoff[idx].String(), "error", err)
	}
}

// handleStops updates the registry for this symbol and resolves every
// trigger within the same tick: market-sell then confirm, or reactivate.
func (b *GridBot) handleStops(ctx context.Context, price decimal.Decimal) {
	triggered := b.stops.Update(ctx, map[string]decimal.Decimal{b.cfg.Symbol: price})
	for _, rec := range triggered {
		if rec.Symbol != b.cfg.Symbol {
			continue
		}
		order, err := b.seller.Sell(ctx, b.info, rec.Quantity)
		if err != nil {
			if rerr := b.stops.Reactivate(ctx, rec.ID); rerr != nil {
				b.logger.Error("Failed to reactivate stop", "id", rec.ID, "error", rerr)
			}
			continue
		}
		sellPrice := order.AvgFillPrice()
		if !sellPrice.IsPositive() {
			sellPrice = price
		}
		if err := b.stops.ConfirmTrigger(ctx, rec.ID, sellPrice); err != nil {
			b.logger.Error("Failed to confirm stop trigger", "id", rec.ID, "error", err)
		}
		b.notifier.Send(ctx, fmt.Sprintf("%s: stop-loss executed at %s (qty %s)",
			b.cfg.Symbol, sellPrice.StringFixed(2), order.ExecutedQty.String()), false)
	}
}

func (b *GridBot) removeOrder(id int64) {
	b.mu.Lock()
	delete(b.active, id)
	b.mu.Unlock()
}

func (b *GridBot) swapOrder(oldID int64, newOrder *core.Order) {
	b.mu.Lock()
	delete(b.active, oldID)
	b.active[newOrder.OrderID] = &orderRecord{order: *newOrder, executedSeen: decimal.Zero}
	b.mu.Unlock()
}

// emergencyStop halts the bot, performs the final state save and escalates.
func (b *GridBot) emergencyStop(ctx context.Context, reason string) {
	b.mu.Lock()
	b.stopped = true
	b.emergency = true
	b.mu.Unlock()

	b.logger.Error("EMERGENCY STOP", "reason", reason)
	if err := b.SaveState(ctx); err != nil {
		b.logger.Error("Final state save failed", "error", err)
	}
	b.notifier.Send(ctx, fmt.Sprintf("%s EMERGENCY STOP: %s", b.cfg.Symbol, reason), true)
}
