package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/ocentra/matchcore/models"
	"github.com/ocentra/matchcore/ports"
)

// BreakerState is one of the three circuit breaker states (spec §4.5, P9).
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards all outbound blockchain calls with a single
// process-wide instance by default (spec §4.5, §5). It never exposes its
// state as a package-level variable — callers own one instance and share
// a reference, per spec §9.
type CircuitBreaker struct {
	mu sync.Mutex

	state BreakerState

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	failureCount   int
	successCount   int
	probesAdmitted int
	nextAttemptAt  time.Time

	clock ports.Clock
}

// NewCircuitBreaker builds a breaker with the given thresholds. Defaults
// per spec §4.5/§6: failureThreshold=5, timeout=60s, successThreshold=2.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration, clock ports.Clock) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		clock:            clock,
	}
}

// State returns the breaker's current state, resolving an Open->HalfOpen
// transition if next_attempt_at has passed (spec §4.5, P9).
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() BreakerState {
	if b.state == StateOpen && !b.clock.Now().Before(b.nextAttemptAt) {
		b.state = StateHalfOpen
		b.probesAdmitted = 0
		b.successCount = 0
	}
	return b.state
}

// Execute runs op when the breaker is closed or half-open (admitting at
// most successThreshold probes in total per half-open period, counted
// when admitted, not released on completion); when open it runs fallback,
// or returns a *models.BreakerOpenError if fallback is nil (spec §4.5).
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.stateLocked()

	if state == StateOpen {
		nextAttempt := b.nextAttemptAt
		b.mu.Unlock()
		if fallback != nil {
			return fallback(ctx)
		}
		return &models.BreakerOpenError{NextAttemptAt: nextAttempt}
	}

	if state == StateHalfOpen {
		if b.probesAdmitted >= b.successThreshold {
			nextAttempt := b.nextAttemptAt
			b.mu.Unlock()
			if fallback != nil {
				return fallback(ctx)
			}
			return &models.BreakerOpenError{NextAttemptAt: nextAttempt}
		}
		b.probesAdmitted++
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *CircuitBreaker) onFailureLocked() {
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.tripOpenLocked()
		}
	case StateHalfOpen:
		// Any failure while probing re-opens with a fresh timeout (spec §4.5, P9).
		b.tripOpenLocked()
	}
}

func (b *CircuitBreaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.probesAdmitted = 0
		}
	}
}

func (b *CircuitBreaker) tripOpenLocked() {
	b.state = StateOpen
	b.nextAttemptAt = b.clock.Now().Add(b.timeout)
	b.failureCount = 0
	b.successCount = 0
	b.probesAdmitted = 0
}
