package risk

import (
	"context"
	"math"
	"sync"

	"hybrid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// CVaRSizer caps single-order notional from a conditional value-at-risk
// estimate over recent returns. With no history it falls back to a flat
// fraction of the portfolio scaled by signal confidence.
type CVaRSizer struct {
	mu           sync.Mutex
	returns      map[string][]float64
	window       int
	confidence   float64
	baseFraction decimal.Decimal
	logger       core.ILogger
}

func NewCVaRSizer(window int, confidence float64, baseFraction decimal.Decimal, logger core.ILogger) *CVaRSizer {
	if window <= 0 {
		window = 100
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}
	return &CVaRSizer{
		returns:      make(map[string][]float64),
		window:       window,
		confidence:   confidence,
		baseFraction: baseFraction,
		logger:       logger.WithField("component", "cvar_sizer"),
	}
}

// RecordReturn feeds one periodic return observation for a symbol.
func (s *CVaRSizer) RecordReturn(symbol string, ret float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := append(s.returns[symbol], ret)
	if len(rs) > s.window {
		rs = rs[len(rs)-s.window:]
	}
	s.returns[symbol] = rs
}

// MaxPosition implements core.IPositionSizer. The cap shrinks as the
// symbol's tail risk grows and grows with signal confidence.
func (s *CVaRSizer) MaxPosition(ctx context.Context, symbol string, portfolioValue decimal.Decimal, signalConfidence float64) (decimal.Decimal, error) {
	if signalConfidence <= 0 {
		signalConfidence = 0.5
	}
	if signalConfidence > 1 {
		signalConfidence = 1
	}

	base := portfolioValue.Mul(s.baseFraction).Mul(decimal.NewFromFloat(signalConfidence))

	s.mu.Lock()
	rs := s.returns[symbol]
	s.mu.Unlock()
	if len(rs) < 10 {
		return base, nil
	}

	cvar := expectedShortfall(rs, s.confidence)
	if cvar <= 0 {
		return base, nil
	}
	// Scale the cap so the expected tail loss of the position stays near
	// 1% of the portfolio.
	scale := 0.01 / cvar
	if scale > 1 {
		scale = 1
	}
	return base.Mul(decimal.NewFromFloat(scale)), nil
}

// expectedShortfall returns the mean loss beyond the VaR quantile, as a
// positive fraction.
func expectedShortfall(returns []float64, confidence float64) float64 {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	// insertion sort; windows are small
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	cut := int(math.Floor(float64(len(sorted)) * (1 - confidence)))
	if cut < 1 {
		cut = 1
	}
	var sum float64
	for _, r := range sorted[:cut] {
		sum += r
	}
	mean := sum / float64(cut)
	if mean >= 0 {
		return 0
	}
	return -mean
}

var _ core.IPositionSizer = (*CVaRSizer)(nil)
