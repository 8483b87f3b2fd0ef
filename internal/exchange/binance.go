// Package exchange implements the exchange capability: a Binance spot
// adapter and a paper-trading simulator behind the same interface.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hybrid_trader/internal/core"

	"github.com/adshao/go-binance/v2"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const requestTimeout = 10 * time.Second

// BinanceSpot adapts the Binance spot REST API to core.IExchange. It is
// concurrency-safe; signed requests are paced through a shared rate limiter
// and wrapped in a retry pipeline for transient failures.
type BinanceSpot struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  core.ILogger

	pipeline failsafe.Executor[any]

	// Symbol metadata rarely changes; cache it for the process lifetime.
	mu        sync.RWMutex
	infoCache map[string]*core.SymbolInfo
}

// NewBinanceSpot creates the adapter. testnet selects the Binance spot
// testnet endpoints.
func NewBinanceSpot(apiKey, secretKey string, testnet bool, logger core.ILogger) *BinanceSpot {
	binance.UseTestnet = testnet
	client := binance.NewClient(apiKey, secretKey)

	// Transient I/O policy: exponential backoff 1s..30s, 3 attempts total.
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return IsTransient(err) && !IsRateLimited(err)
		}).
		WithBackoff(1*time.Second, 30*time.Second).
		WithMaxRetries(2).
		Build()

	// Rate-limit responses wait three times longer between attempts.
	rateLimitPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return IsRateLimited(err)
		}).
		WithBackoff(3*time.Second, 90*time.Second).
		WithMaxRetries(2).
		Build()

	return &BinanceSpot{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(8), 16),
		logger:    logger.WithField("component", "binance_spot"),
		pipeline:  failsafe.With[any](rateLimitPolicy, retryPolicy),
		infoCache: make(map[string]*core.SymbolInfo),
	}
}

func (b *BinanceSpot) GetName() string { return "binance_spot" }

func (b *BinanceSpot) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return b.client.NewPingService().Do(ctx)
}

// call runs fn through the rate limiter and retry pipeline.
func (b *BinanceSpot) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	res, err := b.pipeline.GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		out, err := fn(callCtx)
		return out, normalizeError(err)
	})
	return res, err
}

// GetCurrentPrice returns the last traded price, or a zero decimal when the
// price is unavailable. The caller counts consecutive zero observations.
func (b *BinanceSpot) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get price %s: %w", symbol, err)
	}
	prices := res.([]*binance.SymbolPrice)
	if len(prices) == 0 {
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %s: %w", symbol, err)
	}
	return price, nil
}

func (b *BinanceSpot) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	b.mu.RLock()
	if info, ok := b.infoCache[symbol]; ok {
		b.mu.RUnlock()
		return info, nil
	}
	b.mu.RUnlock()

	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewExchangeInfoService().Symbols(symbol).Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("get symbol info %s: %w", symbol, err)
	}
	exInfo := res.(*binance.ExchangeInfo)

	for _, s := range exInfo.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info, err := parseSymbolInfo(&s)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.infoCache[symbol] = info
		b.mu.Unlock()
		return info, nil
	}
	return nil, fmt.Errorf("symbol %s not found on exchange", symbol)
}

// parseSymbolInfo extracts the four trading limits from the raw filter list.
// Binance renamed MIN_NOTIONAL to NOTIONAL; both are accepted.
func parseSymbolInfo(s *binance.Symbol) (*core.SymbolInfo, error) {
	info := &core.SymbolInfo{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}

	getDec := func(f map[string]interface{}, key string) (decimal.Decimal, error) {
		raw, ok := f[key].(string)
		if !ok {
			return decimal.Zero, fmt.Errorf("filter field %s missing for %s", key, s.Symbol)
		}
		return decimal.NewFromString(raw)
	}

	var err error
	for _, f := range s.Filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			if info.MinQty, err = getDec(f, "minQty"); err != nil {
				return nil, err
			}
			if info.StepSize, err = getDec(f, "stepSize"); err != nil {
				return nil, err
			}
		case "PRICE_FILTER":
			if info.TickSize, err = getDec(f, "tickSize"); err != nil {
				return nil, err
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			if info.MinNotional, err = getDec(f, "minNotional"); err != nil {
				return nil, err
			}
		}
	}

	if info.StepSize.IsZero() || info.TickSize.IsZero() {
		return nil, fmt.Errorf("incomplete trading rules for %s", s.Symbol)
	}
	return info, nil
}

// GetAccountBalance returns the free balance for one asset.
func (b *BinanceSpot) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", asset, err)
	}
	account := res.(*binance.Account)
	for _, bal := range account.Balances {
		if bal.Asset == asset {
			free, err := decimal.NewFromString(bal.Free)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse balance %s: %w", asset, err)
			}
			return free, nil
		}
	}
	return decimal.Zero, nil
}

func (b *BinanceSpot) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.Order, error) {
	return b.placeLimit(ctx, symbol, binance.SideTypeBuy, qty, price)
}

func (b *BinanceSpot) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.Order, error) {
	return b.placeLimit(ctx, symbol, binance.SideTypeSell, qty, price)
}

func (b *BinanceSpot) placeLimit(ctx context.Context, symbol string, side binance.SideType, qty, price decimal.Decimal) (*core.Order, error) {
	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(qty.String()).
			Price(price.String()).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("place limit %s %s: %w", side, symbol, err)
	}
	return fromCreateResponse(res.(*binance.CreateOrderResponse), symbol)
}

func (b *BinanceSpot) PlaceMarketBuy(ctx context.Context, symbol string, quoteQty decimal.Decimal) (*core.Order, error) {
	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideTypeBuy).
			Type(binance.OrderTypeMarket).
			QuoteOrderQty(quoteQty.String()).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("market buy %s: %w", symbol, err)
	}
	return fromCreateResponse(res.(*binance.CreateOrderResponse), symbol)
}

func (b *BinanceSpot) PlaceMarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (*core.Order, error) {
	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideTypeSell).
			Type(binance.OrderTypeMarket).
			Quantity(baseQty.String()).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("market sell %s: %w", symbol, err)
	}
	return fromCreateResponse(res.(*binance.CreateOrderResponse), symbol)
}

func (b *BinanceSpot) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders %s: %w", symbol, err)
	}
	raw := res.([]*binance.Order)
	orders := make([]*core.Order, 0, len(raw))
	for _, o := range raw {
		order, err := fromBinanceOrder(o)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (b *BinanceSpot) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	res, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("get order %d %s: %w", orderID, symbol, err)
	}
	return fromBinanceOrder(res.(*binance.Order))
}

func (b *BinanceSpot) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := b.call(ctx, func(ctx context.Context) (any, error) {
		return b.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("cancel order %d %s: %w", orderID, symbol, err)
	}
	return nil
}

func (b *BinanceSpot) CancelAllOrders(ctx context.Context, symbol string) error {
	open, err := b.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range open {
		if err := b.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			return err
		}
	}
	return nil
}

func fromCreateResponse(r *binance.CreateOrderResponse, symbol string) (*core.Order, error) {
	order := &core.Order{
		OrderID:    r.OrderID,
		Symbol:     symbol,
		Side:       core.OrderSide(r.Side),
		Type:       core.OrderType(r.Type),
		Status:     core.OrderStatus(r.Status),
		Time:       r.TransactTime,
		UpdateTime: r.TransactTime,
	}
	var err error
	if order.Price, err = decimal.NewFromString(r.Price); err != nil {
		return nil, fmt.Errorf("parse order price: %w", err)
	}
	if order.OrigQty, err = decimal.NewFromString(r.OrigQuantity); err != nil {
		return nil, fmt.Errorf("parse order quantity: %w", err)
	}
	if order.ExecutedQty, err = decimal.NewFromString(r.ExecutedQuantity); err != nil {
		return nil, fmt.Errorf("parse executed quantity: %w", err)
	}
	if order.CumulativeQuoteQty, err = decimal.NewFromString(r.CummulativeQuoteQuantity); err != nil {
		return nil, fmt.Errorf("parse cumulative quote: %w", err)
	}
	return order, nil
}

func fromBinanceOrder(o *binance.Order) (*core.Order, error) {
	order := &core.Order{
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Side:       core.OrderSide(o.Side),
		Type:       core.OrderType(o.Type),
		Status:     core.OrderStatus(o.Status),
		Time:       o.Time,
		UpdateTime: o.UpdateTime,
	}
	var err error
	if order.Price, err = decimal.NewFromString(o.Price); err != nil {
		return nil, fmt.Errorf("parse order price: %w", err)
	}
	if order.OrigQty, err = decimal.NewFromString(o.OrigQuantity); err != nil {
		return nil, fmt.Errorf("parse order quantity: %w", err)
	}
	if order.ExecutedQty, err = decimal.NewFromString(o.ExecutedQuantity); err != nil {
		return nil, fmt.Errorf("parse executed quantity: %w", err)
	}
	if order.CumulativeQuoteQty, err = decimal.NewFromString(o.CummulativeQuoteQuantity); err != nil {
		return nil, fmt.Errorf("parse cumulative quote: %w", err)
	}
	return order, nil
}
