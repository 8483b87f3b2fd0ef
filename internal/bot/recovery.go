package bot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"hybrid_trader/internal/core"
	"hybrid_trader/internal/strategy"

	"github.com/shopspring/decimal"
)

// LoadState replays the persisted world against the exchange: orders still
// NEW survive, downtime fills become trades plus queued follow-ups, and a
// configuration mismatch discards everything after cancelling orphans.
// Corruption always recovers to a fresh start.
func (b *GridBot) LoadState(ctx context.Context) (LoadResult, error) {
	// Runs before Initialize; symbol metadata is needed for fee-adjusted
	// stop quantities on recovered fills.
	if b.info == nil {
		info, err := b.exchange.GetSymbolInfo(ctx, b.cfg.Symbol)
		if err != nil {
			return LoadFresh, fmt.Errorf("load state %s: %w", b.cfg.Symbol, err)
		}
		b.info = info
	}

	st, err := b.readState(ctx)
	if err != nil {
		b.logger.Warn("Discarding unreadable state, starting fresh", "error", err)
		if derr := b.store.Delete(ctx, b.stateKey()); derr != nil {
			b.logger.Warn("Failed to remove bad state file", "error", derr)
		}
		return LoadFresh, nil
	}
	if st == nil {
		return LoadFresh, nil
	}

	if !b.configMatches(st) {
		b.logger.Warn("State configuration mismatch, cancelling orphaned orders",
			"persisted_symbol", st.Config.Symbol,
			"persisted_investment", st.Config.InvestmentUSD)
		if err := b.exchange.CancelAllOrders(ctx, st.Symbol); err != nil {
			b.logger.Error("Failed to cancel orphaned orders", "symbol", st.Symbol, "error", err)
		}
		if derr := b.store.Delete(ctx, b.stateKey()); derr != nil {
			b.logger.Warn("Failed to remove stale state file", "error", derr)
		}
		return LoadFresh, nil
	}

	restored := false
	for idStr, po := range st.ActiveOrders {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			b.logger.Warn("Dropping record with bad order id", "id", idStr)
			continue
		}

		// Retry-only records carry their follow-up block through restarts.
		if po.FailedFollow != nil {
			b.restoreFailedFollowUp(id, po)
			continue
		}
		if id < 0 {
			continue
		}

		order, err := b.exchange.GetOrderStatus(ctx, b.cfg.Symbol, id)
		if err != nil {
			if isNotFound(err) {
				b.logger.Warn("Persisted order unknown to exchange, dropping", "order_id", id)
				continue
			}
			return LoadFresh, fmt.Errorf("load state %s order %d: %w", b.cfg.Symbol, id, err)
		}

		switch order.Status {
		case core.StatusNew:
			b.trackOrder(order)
			restored = true

		case core.StatusFilled:
			b.recordFill(ctx, order, order.ExecutedQty, "downtime fill")
			b.mu.Lock()
			b.queued = append(b.queued, queuedFill{side: order.Side, price: order.Price})
			b.mu.Unlock()
			b.notifier.Send(ctx, fmt.Sprintf("%s: downtime fill detected at %s (qty %s)",
				b.cfg.Symbol, order.Price.String(), order.ExecutedQty.String()), false)

		case core.StatusCanceled:
			if order.ExecutedQty.IsPositive() {
				b.recordFill(ctx, order, order.ExecutedQty, "downtime partial fill")
			}

		case core.StatusPartiallyFilled:
			b.trackOrder(order)
			b.mu.Lock()
			if rec, ok := b.active[order.OrderID]; ok {
				rec.executedSeen = order.ExecutedQty
			}
			b.mu.Unlock()
			restored = true

		default:
			// EXPIRED, REJECTED, PENDING_CANCEL: nothing to recover.
		}
	}

	if restored {
		b.logger.Info("Restored active orders from state", "count", b.ActiveOrderCount())
		return LoadRestored, nil
	}
	return LoadFresh, nil
}

func (b *GridBot) configMatches(st *persistedState) bool {
	if st.Symbol != b.cfg.Symbol || st.Config.Symbol != b.cfg.Symbol {
		return false
	}
	investment, err := decimal.NewFromString(st.Config.InvestmentUSD)
	if err != nil {
		return false
	}
	return investment.Equal(b.cfg.InvestmentUSD)
}

func (b *GridBot) restoreFailedFollowUp(id int64, po persistedOrder) {
	price, perr := decimal.NewFromString(po.FailedFollow.Price)
	qty, qerr := decimal.NewFromString(po.FailedFollow.Quantity)
	if perr != nil || qerr != nil {
		b.logger.Warn("Dropping corrupt failed-followup record", "order_id", id)
		return
	}
	kind := strategy.FollowUpPlaceSell
	if po.FailedFollow.Kind == strategy.FollowUpPlaceBuy.String() {
		kind = strategy.FollowUpPlaceBuy
	}
	next := po.FailedFollow.NextRetryAt
	if next.IsZero() {
		next = b.clock.Now().Add(2 * time.Minute)
	}

	b.mu.Lock()
	b.active[id] = &orderRecord{
		order: po.Order,
		failed: &followState{
			action:      strategy.FollowUpAction{Kind: kind, Price: price, Quantity: qty},
			retryCount:  po.FailedFollow.RetryCount,
			nextRetryAt: next,
		},
	}
	b.mu.Unlock()
}
