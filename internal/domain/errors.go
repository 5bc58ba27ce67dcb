package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyMonitored = errors.New("auction already monitored")
	ErrNotMonitored     = errors.New("auction not monitored")
	ErrAuctionEnded     = errors.New("auction has ended")
	ErrBidInFlight      = errors.New("bid already in flight")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrValidation       = errors.New("validation failed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrSessionMissing   = errors.New("no upstream session configured")
)

// StatusError carries a non-2xx upstream HTTP status so callers (the circuit
// breaker in particular) can distinguish 5xx from 4xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// IsServerError reports whether the status is in the 5xx range.
func (e *StatusError) IsServerError() bool {
	return e.Code >= 500 && e.Code <= 599
}

// ValidationError wraps ErrValidation with a field-level message so the hub
// can surface it on the offending connection's response frame only.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
