// Package core defines the capability interfaces shared across the trading
// system. Components accept these interfaces at construction; there is no
// package-level mutable state.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the exchange capability. Implementations are concurrency-safe;
// signed request serialization is their concern. All methods honor the
// caller's context.
type IExchange interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Market data. GetCurrentPrice returns a zero decimal when the price is
	// unavailable; the caller counts consecutive failures.
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// Account. Balance is the free (not reserved) quantity.
	GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// Order operations
	PlaceLimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*Order, error)
	PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (*Order, error)
	PlaceMarketBuy(ctx context.Context, symbol string, quoteQty decimal.Decimal) (*Order, error)
	PlaceMarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

// IClock abstracts time for testability.
type IClock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// IStateStore is the atomic key-value capability. Writes are atomic: a
// concurrent reader observes either the previous or the new content, never a
// partial write.
type IStateStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// INotifier sends best-effort outbound messages. Failures never propagate to
// the caller; a successful send returns true.
type INotifier interface {
	Send(ctx context.Context, message string, urgent bool) bool
}

// IPositionSizer caps the notional of a single BUY. A sizer failure degrades
// gracefully: the caller logs and allows the order.
type IPositionSizer interface {
	MaxPosition(ctx context.Context, symbol string, portfolioValue decimal.Decimal, signalConfidence float64) (decimal.Decimal, error)
}

// IAllocationConstraints enforces the cash-reserve envelope for BUYs.
type IAllocationConstraints interface {
	AvailableCapital(ctx context.Context, totalCapital, currentInvested decimal.Decimal) (decimal.Decimal, error)
}

// IRegimeProvider supplies the latest regime signal for a symbol. Sidecar
// jobs write the signal into persistent stores; this capability reads it.
type IRegimeProvider interface {
	LatestSignal(ctx context.Context, symbol string) (*RegimeSignal, error)
}

// ILogger is the structured logging capability.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
