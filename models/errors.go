package models

import (
	"fmt"
	"time"
)

// ValidationError covers malformed input, wrong phase, missing required
// fields. Surfaced to the caller; never retried (spec §7).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError covers missing/invalid tokens or a signer not present
// in the authorized-signer registry. Surfaced to the caller; never retried.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "authorization: " + e.Reason }

func NewAuthorizationError(format string, args ...interface{}) error {
	return &AuthorizationError{Reason: fmt.Sprintf(format, args...)}
}

// RateLimitedError is returned when the rate limiter rejects a request.
// The caller may retry after RetryAt (spec §4.5, §7).
type RateLimitedError struct {
	RetryAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry at %s", e.RetryAt.Format(time.RFC3339))
}

// BreakerOpenError is returned when the circuit breaker short-circuits a
// call. The caller may retry after NextAttemptAt (spec §4.5, §7).
type BreakerOpenError struct {
	NextAttemptAt time.Time
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit open, next attempt at %s", e.NextAttemptAt.Format(time.RFC3339))
}

// TransientError covers network errors, tx timeouts, and blockhash
// expiration. The coordinator retries these internally up to 3 times
// before surfacing one (spec §7).
type TransientError struct {
	Reason string
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Cause)
	}
	return "transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ConflictError is returned when reconciliation finds a divergence between
// off-chain and on-chain state. The match is paused; manual resolution is
// required (spec §4.6.3, §7).
type ConflictError struct {
	Fields []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict in fields: %v", e.Fields)
}

// PersistenceError covers Store I/O failures. For batch flush, the batch
// is preserved and the timer rearms; for match finalize, the operation
// fails and the caller may retry (spec §7).
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// Sentinel reasons used by multiple components so callers can compare
// without constructing a new ValidationError.
var (
	ErrNotFound     = NewValidationError("match not found")
	ErrWrongPhase   = NewValidationError("match is not in the required phase")
	ErrNoWallet     = NewValidationError("no wallet available: pool exhausted and no override provided")
	ErrNotFinalized = NewValidationError("match is not in the Ended phase on-chain")
)
