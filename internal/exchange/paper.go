package exchange

import (
	"context"
	"fmt"
	"sync"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// MarketData is the read-only slice of the exchange the paper simulator
// delegates to for real prices and trading rules. A live BinanceSpot adapter
// satisfies it.
type MarketData interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error)
}

// defaultTakerFee is the simulated fee rate applied on every fill.
var defaultTakerFee = decimal.NewFromFloat(0.001)

// PaperExchange simulates spot trading against live market data. Limit orders
// rest locally and fill when a price observation crosses them; balances are
// tracked per asset with the taker fee deducted from the received side.
type PaperExchange struct {
	market MarketData
	clock  core.IClock
	logger core.ILogger

	mu       sync.Mutex
	nextID   int64
	open     map[int64]*core.Order
	closed   map[int64]*core.Order
	balances map[string]decimal.Decimal
}

func NewPaperExchange(market MarketData, clock core.IClock, logger core.ILogger) *PaperExchange {
	return &PaperExchange{
		market:   market,
		clock:    clock,
		logger:   logger.WithField("component", "paper_exchange"),
		nextID:   1,
		open:     make(map[int64]*core.Order),
		closed:   make(map[int64]*core.Order),
		balances: make(map[string]decimal.Decimal),
	}
}

// Deposit seeds a starting balance. Call before trading begins.
func (p *PaperExchange) Deposit(asset string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = p.balances[asset].Add(qty)
}

func (p *PaperExchange) GetName() string { return "paper" }

func (p *PaperExchange) CheckHealth(ctx context.Context) error { return nil }

// GetCurrentPrice returns the delegate's price and settles any resting limit
// orders the observation crosses.
func (p *PaperExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := p.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if price.IsPositive() {
		p.settle(ctx, symbol, price)
	}
	return price, nil
}

func (p *PaperExchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	return p.market.GetSymbolInfo(ctx, symbol)
}

func (p *PaperExchange) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

// settle fills resting limit orders crossed by the observed price.
func (p *PaperExchange) settle(ctx context.Context, symbol string, price decimal.Decimal) {
	info, err := p.market.GetSymbolInfo(ctx, symbol)
	if err != nil {
		p.logger.Warn("Cannot settle paper orders without symbol info", "symbol", symbol, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.open {
		if o.Symbol != symbol {
			continue
		}
		crossed := (o.Side == core.SideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == core.SideSell && price.GreaterThanOrEqual(o.Price))
		if !crossed {
			continue
		}
		p.fillLocked(o, o.Price, info)
		delete(p.open, id)
		p.closed[id] = o
		p.logger.Info("Paper order filled",
			"symbol", symbol, "side", o.Side, "price", o.Price.String(), "qty", o.OrigQty.String())
	}
}

// fillLocked settles an order at execPrice and moves balances. Fees come out
// of the asset received.
func (p *PaperExchange) fillLocked(o *core.Order, execPrice decimal.Decimal, info *core.SymbolInfo) {
	quote := execPrice.Mul(o.OrigQty)
	if o.Side == core.SideBuy {
		received := o.OrigQty.Mul(decimal.NewFromInt(1).Sub(defaultTakerFee))
		p.balances[info.BaseAsset] = p.balances[info.BaseAsset].Add(received)
	} else {
		p.balances[info.BaseAsset] = p.balances[info.BaseAsset].Sub(o.OrigQty)
		received := quote.Mul(decimal.NewFromInt(1).Sub(defaultTakerFee))
		p.balances[info.QuoteAsset] = p.balances[info.QuoteAsset].Add(received)
	}
	o.ExecutedQty = o.OrigQty
	o.CumulativeQuoteQty = quote
	o.Status = core.StatusFilled
	o.UpdateTime = p.clock.Now().UnixMilli()
}

func (p *PaperExchange) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.Order, error) {
	return p.placeLimit(ctx, symbol, core.SideBuy, qty, price)
}

func (p *PaperExchange) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.Order, error) {
	return p.placeLimit(ctx, symbol, core.SideSell, qty, price)
}

func (p *PaperExchange) placeLimit(ctx context.Context, symbol string, side core.OrderSide, qty, price decimal.Decimal) (*core.Order, error) {
	info, err := p.market.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Buys reserve quote, sells reserve base, like a real exchange.
	if side == core.SideBuy {
		cost := qty.Mul(price)
		if p.balances[info.QuoteAsset].LessThan(cost) {
			return nil, fmt.Errorf("paper limit buy %s: %w", symbol, core.ErrInsufficientBalance)
		}
		p.balances[info.QuoteAsset] = p.balances[info.QuoteAsset].Sub(cost)
	} else {
		if p.balances[info.BaseAsset].LessThan(qty) {
			return nil, fmt.Errorf("paper limit sell %s: %w", symbol, core.ErrInsufficientBalance)
		}
		// Base is moved on fill; sells only check availability here so
		// the balance query still reports the held quantity.
	}

	now := p.clock.Now().UnixMilli()
	order := &core.Order{
		OrderID:    p.allocID(),
		Symbol:     symbol,
		Side:       side,
		Type:       core.TypeLimit,
		Price:      price,
		OrigQty:    qty,
		Status:     core.StatusNew,
		Time:       now,
		UpdateTime: now,
	}
	p.open[order.OrderID] = order
	cp := *order
	return &cp, nil
}

func (p *PaperExchange) PlaceMarketBuy(ctx context.Context, symbol string, quoteQty decimal.Decimal) (*core.Order, error) {
	price, err := p.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("paper market buy %s: %w", symbol, core.ErrPriceUnavailable)
	}
	info, err := p.market.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances[info.QuoteAsset].LessThan(quoteQty) {
		return nil, fmt.Errorf("paper market buy %s: %w", symbol, core.ErrInsufficientBalance)
	}
	qty := info.FloorToStep(quoteQty.Div(price))
	p.balances[info.QuoteAsset] = p.balances[info.QuoteAsset].Sub(qty.Mul(price))

	order := p.newMarketOrderLocked(symbol, core.SideBuy, qty, price)
	received := qty.Mul(decimal.NewFromInt(1).Sub(defaultTakerFee))
	p.balances[info.BaseAsset] = p.balances[info.BaseAsset].Add(received)
	cp := *order
	return &cp, nil
}

func (p *PaperExchange) PlaceMarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (*core.Order, error) {
	price, err := p.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("paper market sell %s: %w", symbol, core.ErrPriceUnavailable)
	}
	info, err := p.market.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances[info.BaseAsset].LessThan(baseQty) {
		return nil, fmt.Errorf("paper market sell %s: %w", symbol, core.ErrInsufficientBalance)
	}
	p.balances[info.BaseAsset] = p.balances[info.BaseAsset].Sub(baseQty)

	order := p.newMarketOrderLocked(symbol, core.SideSell, baseQty, price)
	received := order.CumulativeQuoteQty.Mul(decimal.NewFromInt(1).Sub(defaultTakerFee))
	p.balances[info.QuoteAsset] = p.balances[info.QuoteAsset].Add(received)
	cp := *order
	return &cp, nil
}

func (p *PaperExchange) newMarketOrderLocked(symbol string, side core.OrderSide, qty, price decimal.Decimal) *core.Order {
	now := p.clock.Now().UnixMilli()
	order := &core.Order{
		OrderID:            p.allocID(),
		Symbol:             symbol,
		Side:               side,
		Type:               core.TypeMarket,
		Price:              price,
		OrigQty:            qty,
		ExecutedQty:        qty,
		CumulativeQuoteQty: qty.Mul(price),
		Status:             core.StatusFilled,
		Time:               now,
		UpdateTime:         now,
	}
	p.closed[order.OrderID] = order
	return order
}

func (p *PaperExchange) allocID() int64 {
	id := p.nextID
	p.nextID++
	return id
}

func (p *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]*core.Order, 0, len(p.open))
	for _, o := range p.open {
		if o.Symbol == symbol {
			cp := *o
			orders = append(orders, &cp)
		}
	}
	return orders, nil
}

func (p *PaperExchange) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.open[orderID]; ok && o.Symbol == symbol {
		cp := *o
		return &cp, nil
	}
	if o, ok := p.closed[orderID]; ok && o.Symbol == symbol {
		cp := *o
		return &cp, nil
	}
	return nil, fmt.Errorf("paper order %d: %w", orderID, core.ErrNotFound)
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	info, err := p.market.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.open[orderID]
	if !ok || o.Symbol != symbol {
		return fmt.Errorf("paper cancel %d: %w", orderID, core.ErrNotFound)
	}
	if o.Side == core.SideBuy {
		p.balances[info.QuoteAsset] = p.balances[info.QuoteAsset].Add(o.OrigQty.Mul(o.Price))
	}
	o.Status = core.StatusCanceled
	o.UpdateTime = p.clock.Now().UnixMilli()
	delete(p.open, orderID)
	p.closed[orderID] = o
	return nil
}

func (p *PaperExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.open))
	for id, o := range p.open {
		if o.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.CancelOrder(ctx, symbol, id); err != nil {
			return err
		}
	}
	return nil
}

var _ core.IExchange = (*PaperExchange)(nil)
var _ core.IExchange = (*BinanceSpot)(nil)
var _ MarketData = (*BinanceSpot)(nil)
