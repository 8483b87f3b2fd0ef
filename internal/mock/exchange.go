// Package mock provides scriptable in-memory test doubles for the
// capability interfaces.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// MockExchange implements core.IExchange for tests. Prices, balances and
// order statuses are set directly; failure hooks let a test script errors
// per method.
type MockExchange struct {
	mu sync.Mutex

	name     string
	price    map[string]decimal.Decimal
	info     map[string]*core.SymbolInfo
	balances map[string]decimal.Decimal
	orders   map[int64]*core.Order
	nextID   int64

	// failure hooks, keyed by method name; nil means succeed
	Fail map[string]error

	// call counters for assertions
	Calls map[string]int
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		name:     "mock",
		price:    make(map[string]decimal.Decimal),
		info:     make(map[string]*core.SymbolInfo),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[int64]*core.Order),
		nextID:   1000,
		Fail:     make(map[string]error),
		Calls:    make(map[string]int),
	}
}

func (m *MockExchange) hook(method string) error {
	m.Calls[method]++
	if err, ok := m.Fail[method]; ok && err != nil {
		return err
	}
	return nil
}

// SetPrice sets the current price for a symbol.
func (m *MockExchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price[symbol] = price
}

// SetSymbolInfo registers trading rules for a symbol.
func (m *MockExchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info[info.Symbol] = info
}

// SetBalance sets the free balance for an asset.
func (m *MockExchange) SetBalance(asset string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = qty
}

// SetOrderStatus rewrites the status (and executed quantity) of a live
// order, simulating exchange-side fills between ticks.
func (m *MockExchange) SetOrderStatus(orderID int64, status core.OrderStatus, executedQty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return
	}
	o.Status = status
	o.ExecutedQty = executedQty
	o.CumulativeQuoteQty = executedQty.Mul(o.Price)
	o.UpdateTime = time.Now().UnixMilli()
}

// SeedOrder inserts an order as if it pre-existed on the exchange.
func (m *MockExchange) SeedOrder(o *core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.OrderID] = &cp
}

// Order returns a copy of a tracked order.
func (m *MockExchange) Order(orderID int64) (*core.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// OpenOrderCount reports live orders for a symbol.
func (m *MockExchange) OpenOrderCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *MockExchange) GetName() string { return m.name }

func (m *MockExchange) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hook("CheckHealth")
}

func (m *MockExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("GetCurrentPrice"); err != nil {
		return decimal.Zero, err
	}
	return m.price[symbol], nil
}

func (m *MockExchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("GetSymbolInfo"); err != nil {
		return nil, err
	}
	info, ok := m.info[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, core.ErrNotFound)
	}
	cp := *info
	return &cp, nil
}

func (m *MockExchange) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("GetAccountBalance"); err != nil {
		return decimal.Zero, err
	}
	return m.balances[asset], nil
}

func (m *MockExchange) PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.Order, error) {
	return m.place(symbol, core.SideBuy, core.TypeLimit, qty, price, "PlaceLimitBuy")
}

func (m *MockExchange) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.Order, error) {
	return m.place(symbol, core.SideSell, core.TypeLimit, qty, price, "PlaceLimitSell")
}

func (m *MockExchange) place(symbol string, side core.OrderSide, typ core.OrderType, qty, price decimal.Decimal, method string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook(method); err != nil {
		return nil, err
	}
	m.nextID++
	now := time.Now().UnixMilli()
	o := &core.Order{
		OrderID:    m.nextID,
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Price:      price,
		OrigQty:    qty,
		Status:     core.StatusNew,
		Time:       now,
		UpdateTime: now,
	}
	m.orders[o.OrderID] = o
	cp := *o
	return &cp, nil
}

func (m *MockExchange) PlaceMarketBuy(ctx context.Context, symbol string, quoteQty decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("PlaceMarketBuy"); err != nil {
		return nil, err
	}
	price := m.price[symbol]
	if !price.IsPositive() {
		return nil, core.ErrPriceUnavailable
	}
	qty := quoteQty.Div(price)
	return m.fillMarketLocked(symbol, core.SideBuy, qty, price), nil
}

func (m *MockExchange) PlaceMarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("PlaceMarketSell"); err != nil {
		return nil, err
	}
	price := m.price[symbol]
	if !price.IsPositive() {
		return nil, core.ErrPriceUnavailable
	}
	return m.fillMarketLocked(symbol, core.SideSell, baseQty, price), nil
}

func (m *MockExchange) fillMarketLocked(symbol string, side core.OrderSide, qty, price decimal.Decimal) *core.Order {
	m.nextID++
	now := time.Now().UnixMilli()
	o := &core.Order{
		OrderID:            m.nextID,
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
	m.orders[o.OrderID] = o
	cp := *o
	return &cp
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("GetOpenOrders"); err != nil {
		return nil, err
	}
	var out []*core.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("GetOrderStatus"); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("order %d: %w", orderID, core.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("CancelOrder"); err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok || o.Symbol != symbol {
		return fmt.Errorf("order %d: %w", orderID, core.ErrNotFound)
	}
	if !o.Status.IsTerminal() {
		o.Status = core.StatusCanceled
	}
	return nil
}

func (m *MockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hook("CancelAllOrders"); err != nil {
		return err
	}
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			o.Status = core.StatusCanceled
		}
	}
	return nil
}

var _ core.IExchange = (*MockExchange)(nil)

// MockNotifier records sent messages.
type MockNotifier struct {
	mu       sync.Mutex
	Messages []string
	Urgent   []bool
}

func NewMockNotifier() *MockNotifier { return &MockNotifier{} }

func (n *MockNotifier) Send(ctx context.Context, message string, urgent bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, message)
	n.Urgent = append(n.Urgent, urgent)
	return true
}

// UrgentCount reports how many urgent messages were sent.
func (n *MockNotifier) UrgentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, u := range n.Urgent {
		if u {
			c++
		}
	}
	return c
}

// Last returns the most recent message, or empty.
func (n *MockNotifier) Last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Messages) == 0 {
		return ""
	}
	return n.Messages[len(n.Messages)-1]
}

var _ core.INotifier = (*MockNotifier)(nil)

// MemStore is an in-memory core.IStateStore.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStore() *MemStore { return &MemStore{data: make(map[string][]byte)} }

func (s *MemStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, core.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Write(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

var _ core.IStateStore = (*MemStore)(nil)
