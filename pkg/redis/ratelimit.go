package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter implements fixed window rate limiting using Redis, shared by
// every API process
// ⭐ SSOT: 레이트 리밋은 여기서만
type RateLimiter struct {
	client *Client
	prefix string
	now    func() time.Time
}

// RateLimitConfig defines rate limit parameters
type RateLimitConfig struct {
	Key    string        // Unique identifier (e.g., "trigger:broker_summary")
	Limit  int           // Maximum requests allowed per window
	Window time.Duration // Window length
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // until the current window closes; set when denied
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *Client, prefix string) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow counts one request against cfg. A disabled client allows everything.
func (r *RateLimiter) Allow(ctx context.Context, cfg RateLimitConfig) (Decision, error) {
	if r.client == nil || !r.client.Enabled() {
		return Decision{Allowed: true, Remaining: cfg.Limit}, nil
	}

	index, retryAfter := window(r.now(), cfg.Window)
	key := fmt.Sprintf("%s:ratelimit:%s:%d", r.prefix, cfg.Key, index)

	var incr *redis.IntCmd
	_, err := r.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// outlive the window so a late request still finds its counter
		pipe.Expire(ctx, key, 2*cfg.Window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit failed: %w", err)
	}

	count := int(incr.Val())
	if count > cfg.Limit {
		return Decision{RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: cfg.Limit - count}, nil
}

// window returns the index of the window holding now and the time left in it
func window(now time.Time, length time.Duration) (int64, time.Duration) {
	ms := length.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	at := now.UnixMilli()
	index := at / ms
	return index, time.Duration((index+1)*ms-at) * time.Millisecond
}

// TriggerRateLimit bounds manual run triggers per feature: 3 per 10 minutes
func TriggerRateLimit(feature string) RateLimitConfig {
	return RateLimitConfig{
		Key:    "trigger:" + feature,
		Limit:  3,
		Window: 10 * time.Minute,
	}
}
