package core

import "errors"

// Sentinel errors shared across packages.
var (
	// ErrNotFound is returned by IStateStore.Read for a missing key.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance maps the exchange's insufficient-balance
	// rejection; the stop-loss executor re-queries the balance on it.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPriceUnavailable marks a zero/absent price observation.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrGridInvalid marks a grid configuration with fewer than two valid
	// levels. Do not trade.
	ErrGridInvalid = errors.New("grid has fewer than two valid levels")

	// ErrRiskVetoed marks a pre-trade risk gate veto. It is a decision, not
	// a failure: callers log, notify and continue.
	ErrRiskVetoed = errors.New("order vetoed by risk gate")

	// ErrRateLimited maps HTTP 429-equivalent responses.
	ErrRateLimited = errors.New("rate limited")
)
