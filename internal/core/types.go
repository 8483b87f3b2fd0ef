package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the execution type of an order. Only limit and market orders
// are supported.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// OrderStatus follows the exchange convention.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
)

// IsTerminal reports whether the status can no longer change on the exchange.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Order is the exchange-shaped order record.
type Order struct {
	OrderID            int64           `json:"orderId"`
	Symbol             string          `json:"symbol"`
	Side               OrderSide       `json:"side"`
	Type               OrderType       `json:"type"`
	Price              decimal.Decimal `json:"price"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CumulativeQuoteQty decimal.Decimal `json:"cumulativeQuoteQty"`
	Status             OrderStatus     `json:"status"`
	Time               int64           `json:"time"`
	UpdateTime         int64           `json:"updateTime"`
}

// AvgFillPrice returns the volume-weighted fill price, or zero if nothing
// executed.
func (o *Order) AvgFillPrice() decimal.Decimal {
	if o.ExecutedQty.IsZero() {
		return decimal.Zero
	}
	return o.CumulativeQuoteQty.Div(o.ExecutedQty)
}

// SymbolInfo carries the exchange trading rules for one pair.
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	MinQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

// FloorToStep floors a quantity to the symbol's quantity step.
func (si *SymbolInfo) FloorToStep(qty decimal.Decimal) decimal.Decimal {
	if si.StepSize.IsZero() {
		return qty
	}
	return qty.Div(si.StepSize).Floor().Mul(si.StepSize)
}

// RoundToTick rounds a price to the symbol's price tick.
func (si *SymbolInfo) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if si.TickSize.IsZero() {
		return price
	}
	return price.Div(si.TickSize).Round(0).Mul(si.TickSize)
}

// MarketRegime is the detected market condition consumed by the mode manager.
type MarketRegime string

const (
	RegimeBull       MarketRegime = "BULL"
	RegimeBear       MarketRegime = "BEAR"
	RegimeSideways   MarketRegime = "SIDEWAYS"
	RegimeTransition MarketRegime = "TRANSITION"
	RegimeUnknown    MarketRegime = "UNKNOWN"
)

// TradingMode is one of the three orchestrator modes.
type TradingMode string

const (
	ModeHold TradingMode = "HOLD"
	ModeGrid TradingMode = "GRID"
	ModeCash TradingMode = "CASH"
)

// Trade is a persisted fill record.
type Trade struct {
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Quote     decimal.Decimal `json:"quote"`
	OrderID   int64           `json:"order_id"`
	Timestamp time.Time       `json:"timestamp"`
	Note      string          `json:"note,omitempty"`
}

// RegimeSignal is the latest regime observation from the regime provider.
type RegimeSignal struct {
	Regime       MarketRegime
	Probability  float64
	DurationDays float64
	ObservedAt   time.Time
}
