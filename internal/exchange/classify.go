package exchange

import (
	"context"
	"errors"
	"net"

	"hybrid_trader/internal/core"

	"github.com/adshao/go-binance/v2/common"
)

// Binance error codes we act on.
const (
	codeTooManyRequests     = -1003
	codeInsufficientBalance = -2010
)

// normalizeError maps exchange API errors onto the shared sentinels so the
// rest of the system never inspects Binance codes.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeTooManyRequests:
			return core.ErrRateLimited
		case codeInsufficientBalance:
			return core.ErrInsufficientBalance
		}
	}
	return err
}

// IsRateLimited reports whether the error is the exchange's 429 class. Rate
// limits retry under their own, slower backoff policy.
func IsRateLimited(err error) bool {
	return errors.Is(err, core.ErrRateLimited)
}

// IsTransient reports whether an error is worth retrying: network failures,
// timeouts, rate limits and 5xx-class API errors. Client errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, core.ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// Negative codes are Binance application errors; the retryable
		// subset is rate limiting, handled above. Anything surfaced with an
		// embedded 5xx is transient.
		return apiErr.Code >= 500 && apiErr.Code < 600
	}
	return false
}
