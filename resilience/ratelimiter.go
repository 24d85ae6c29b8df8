package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/ocentra/matchcore/ports"
)

// RateLimitResult is the outcome of a RateLimiter.Check call (spec §4.5).
type RateLimitResult struct {
	Allowed     bool
	Remaining   int
	ResetAtUnix int64
}

// RateLimiter is the fixed-window counter contract shared by both
// backends (spec §4.5). The subject is always user_id, never a wallet —
// rate limiting is a security control on the caller, not on the
// signing identity used to submit their transaction.
type RateLimiter interface {
	Check(ctx context.Context, userID string) (RateLimitResult, error)
}

// window is one fixed-window bucket for a single user.
type window struct {
	count   int
	resetAt time.Time
}

// InProcessRateLimiter is the single-coordinator backend: a plain
// in-memory map guarded by one mutex. Per spec §4.5 this backend never
// fails open — a bug here is a bug, not a best-effort fallback.
type InProcessRateLimiter struct {
	mu            sync.Mutex
	windows       map[string]*window
	maxRequests   int
	windowSeconds int
	clock         ports.Clock
}

// NewInProcessRateLimiter builds the in-process backend. Defaults to
// (100, 60) per spec §6 RATE_LIMIT_MAX/RATE_LIMIT_WINDOW_SEC when zero
// values are passed.
func NewInProcessRateLimiter(maxRequests, windowSeconds int, clock ports.Clock) *InProcessRateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &InProcessRateLimiter{
		windows:       make(map[string]*window),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		clock:         clock,
	}
}

func (r *InProcessRateLimiter) Check(_ context.Context, userID string) (RateLimitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	w, ok := r.windows[userID]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(time.Duration(r.windowSeconds) * time.Second)}
		r.windows[userID] = w
	}

	if w.count >= r.maxRequests {
		return RateLimitResult{Allowed: false, Remaining: 0, ResetAtUnix: w.resetAt.Unix()}, nil
	}

	w.count++
	return RateLimitResult{
		Allowed:     true,
		Remaining:   r.maxRequests - w.count,
		ResetAtUnix: w.resetAt.Unix(),
	}, nil
}
