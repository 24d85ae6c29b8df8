package resilience

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is the distributed backend for multi-coordinator
// deployments, using the same github.com/redis/go-redis/v9 client the
// teacher wires up in db/db.go for its session cache. Unlike the
// in-process backend, this one fails open on backend error — a Redis
// outage must not wedge the platform shut (spec §4.5).
type RedisRateLimiter struct {
	client        *redis.Client
	maxRequests   int
	windowSeconds int
}

// NewRedisRateLimiter builds the distributed backend against an already
// connected client (see db.InitDB's Redis setup for the connection
// pattern this assumes).
func NewRedisRateLimiter(client *redis.Client, maxRequests, windowSeconds int) *RedisRateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &RedisRateLimiter{client: client, maxRequests: maxRequests, windowSeconds: windowSeconds}
}

func (r *RedisRateLimiter) Check(ctx context.Context, userID string) (RateLimitResult, error) {
	key := fmt.Sprintf("matchcore:ratelimit:%s", userID)
	window := time.Duration(r.windowSeconds) * time.Second

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("resilience: redis rate limiter error for user %s, failing open: %v", userID, err)
		return RateLimitResult{Allowed: true, Remaining: r.maxRequests, ResetAtUnix: time.Now().Add(window).Unix()}, nil
	}

	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			log.Printf("resilience: redis rate limiter failed to set expiry for %s: %v", key, err)
		}
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	resetAt := time.Now().Add(ttl).Unix()

	if int(count) > r.maxRequests {
		return RateLimitResult{Allowed: false, Remaining: 0, ResetAtUnix: resetAt}, nil
	}

	return RateLimitResult{
		Allowed:     true,
		Remaining:   r.maxRequests - int(count),
		ResetAtUnix: resetAt,
	}, nil
}
