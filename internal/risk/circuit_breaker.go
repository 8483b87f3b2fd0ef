package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// CircuitBreaker watches consecutive price observations for one symbol and
// trips when a single observation drops by the configured fraction or more.
// Zero or negative observations never trip and never move the reference.
type CircuitBreaker struct {
	mu       sync.Mutex
	dropPct  decimal.Decimal
	lastSeen decimal.Decimal
}

func NewCircuitBreaker(dropPct decimal.Decimal) *CircuitBreaker {
	return &CircuitBreaker{dropPct: dropPct}
}

// Seed sets the initial reference price without a trip check.
func (cb *CircuitBreaker) Seed(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	cb.mu.Lock()
	cb.lastSeen = price
	cb.mu.Unlock()
}

// Observe records a price and reports whether the breaker tripped. An
// accepted observation always becomes the new reference, tripped or not, so
// a recovery after a crash does not re-trip.
func (cb *CircuitBreaker) Observe(price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.lastSeen.IsPositive() {
		cb.lastSeen = price
		return false
	}

	drop := cb.lastSeen.Sub(price).Div(cb.lastSeen)
	tripped := drop.GreaterThanOrEqual(cb.dropPct)
	cb.lastSeen = price
	return tripped
}

// LastSeen returns the current reference price.
func (cb *CircuitBreaker) LastSeen() decimal.Decimal {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastSeen
}
