package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitClass names a family of auth endpoints sharing one window.
type LimitClass string

const (
	LimitLogin       LimitClass = "login"
	LimitRegister    LimitClass = "register"
	LimitPasswordRst LimitClass = "password_reset"
	LimitEmailVerify LimitClass = "email_verify"
)

// LimitWindow caps requests per client address within a time window.
type LimitWindow struct {
	Limit  int
	Window time.Duration
}

// DefaultLimitWindows returns the per-class windows for the
// unauthenticated auth endpoints.
func DefaultLimitWindows() map[LimitClass]LimitWindow {
	return map[LimitClass]LimitWindow{
		LimitLogin:       {Limit: 5, Window: 15 * time.Minute},
		LimitRegister:    {Limit: 3, Window: time.Hour},
		LimitPasswordRst: {Limit: 3, Window: time.Hour},
		LimitEmailVerify: {Limit: 5, Window: time.Hour},
	}
}

// RateLimiter counts requests per (client address, endpoint class) in
// Redis. Increment and window TTL run in one MULTI/EXEC so a counter
// can never outlive its window.
type RateLimiter struct {
	client  *redis.Client
	windows map[LimitClass]LimitWindow
}

// NewRateLimiter constructs a limiter with the default windows.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, windows: DefaultLimitWindows()}
}

// Allow consumes one request from the window. A *RateLimitError with
// a retry-after hint is returned once the window is exhausted; other
// errors indicate the counter backend is unreachable.
func (l *RateLimiter) Allow(ctx context.Context, class LimitClass, addr string) error {
	window, ok := l.windows[class]
	if !ok || window.Limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", class, addr)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if count := incr.Val(); count > int64(window.Limit) {
		retryAfter := window.Window
		if ttl, err := l.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return &RateLimitError{Class: class, RetryAfter: retryAfter}
	}
	return nil
}

// Reset clears the window for one address, e.g. after a successful
// password change.
func (l *RateLimiter) Reset(ctx context.Context, class LimitClass, addr string) error {
	return l.client.Del(ctx, fmt.Sprintf("ratelimit:%s:%s", class, addr)).Err()
}
