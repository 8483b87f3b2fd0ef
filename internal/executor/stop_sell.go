// Package executor holds the shared stop-sell routine invoked whenever a
// protective stop fires.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hybrid_trader/internal/core"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

const maxSellAttempts = 3

// StopSeller performs the market-sell for a triggered stop: cap to the free
// balance, floor to the symbol step, retry with backoff, escalate to a
// CRITICAL notification when all attempts fail.
type StopSeller struct {
	exchange core.IExchange
	notifier core.INotifier
	logger   core.ILogger

	// test seam; production uses the real clock
	sleep func(ctx context.Context, d time.Duration) error
}

func NewStopSeller(exchange core.IExchange, notifier core.INotifier, logger core.ILogger) *StopSeller {
	return &StopSeller{
		exchange: exchange,
		notifier: notifier,
		logger:   logger.WithField("component", "stop_seller"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sell executes the routine and returns the fill. A nil order with a nil
// error never happens; on failure the caller reactivates the stop.
func (s *StopSeller) Sell(ctx context.Context, info *core.SymbolInfo, intendedQty decimal.Decimal) (*core.Order, error) {
	balance, err := s.exchange.GetAccountBalance(ctx, info.BaseAsset)
	if err != nil {
		return nil, fmt.Errorf("query balance before stop sell: %w", err)
	}

	qty := intendedQty
	if balance.LessThan(qty) {
		qty = balance
	}
	qty = info.FloorToStep(qty)
	if !qty.IsPositive() {
		s.escalate(ctx, info.Symbol, intendedQty, errors.New("no sellable quantity"))
		return nil, fmt.Errorf("stop sell %s: nothing to sell after flooring", info.Symbol)
	}

	// Backoff 2s, 5s, 10s across the three attempts.
	bo := &backoff.Backoff{Min: 2 * time.Second, Max: 10 * time.Second, Factor: 2.5, Jitter: false}

	var lastErr error
	for attempt := 1; attempt <= maxSellAttempts; attempt++ {
		order, err := s.exchange.PlaceMarketSell(ctx, info.Symbol, qty)
		if err == nil {
			s.logger.Info("Stop sell executed",
				"symbol", info.Symbol, "qty", qty.String(), "order_id", order.OrderID)
			return order, nil
		}
		lastErr = err
		s.logger.Warn("Stop sell attempt failed",
			"symbol", info.Symbol, "attempt", attempt, "error", err)

		if attempt == maxSellAttempts {
			break
		}
		if err := s.sleep(ctx, bo.Duration()); err != nil {
			lastErr = err
			break
		}
		// The balance may have changed under us; re-query when the
		// exchange rejected for funds.
		if errors.Is(lastErr, core.ErrInsufficientBalance) {
			balance, err := s.exchange.GetAccountBalance(ctx, info.BaseAsset)
			if err == nil {
				qty = info.FloorToStep(decimal.Min(intendedQty, balance))
				if !qty.IsPositive() {
					lastErr = fmt.Errorf("balance drained: %w", core.ErrInsufficientBalance)
					break
				}
			}
		}
	}

	s.escalate(ctx, info.Symbol, qty, lastErr)
	return nil, fmt.Errorf("stop sell %s failed after %d attempts: %w", info.Symbol, maxSellAttempts, lastErr)
}

func (s *StopSeller) escalate(ctx context.Context, symbol string, qty decimal.Decimal, cause error) {
	msg := fmt.Sprintf("STOP-LOSS SELL FAILED for %s (qty %s): %v. Manual sell required.",
		symbol, qty.String(), cause)
	s.notifier.Send(ctx, msg, true)
}
