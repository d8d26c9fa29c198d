package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline-pm/gridline/internal/auth"
	_ "github.com/gridline-pm/gridline/testing"
)

func newTestLimiter(t *testing.T) (*auth.RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return auth.NewRateLimiter(client), mr
}

func TestRateLimiterEnforcesLoginWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Allow(ctx, auth.LimitLogin, "203.0.113.7"))
	}

	err := limiter.Allow(ctx, auth.LimitLogin, "203.0.113.7")
	var limited *auth.RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, auth.LimitLogin, limited.Class)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
}

func TestRateLimiterIsolatesAddresses(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = limiter.Allow(ctx, auth.LimitLogin, "203.0.113.7")
	}
	assert.NoError(t, limiter.Allow(ctx, auth.LimitLogin, "203.0.113.8"))
}

func TestRateLimiterIsolatesClasses(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Allow(ctx, auth.LimitLogin, "203.0.113.9"))
	}
	// The register window is independent of the exhausted login window.
	assert.NoError(t, limiter.Allow(ctx, auth.LimitRegister, "203.0.113.9"))
}

func TestRateLimiterWindowResets(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = limiter.Allow(ctx, auth.LimitLogin, "198.51.100.1")
	}
	var limited *auth.RateLimitError
	require.True(t, errors.As(limiter.Allow(ctx, auth.LimitLogin, "198.51.100.1"), &limited))

	mr.FastForward(16 * time.Minute)

	assert.NoError(t, limiter.Allow(ctx, auth.LimitLogin, "198.51.100.1"))
}

func TestRateLimiterRegisterWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(ctx, auth.LimitRegister, "198.51.100.2"))
	}
	var limited *auth.RateLimitError
	require.True(t, errors.As(limiter.Allow(ctx, auth.LimitRegister, "198.51.100.2"), &limited))
	assert.LessOrEqual(t, limited.RetryAfter, time.Hour)
}

func TestRateLimiterReset(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = limiter.Allow(ctx, auth.LimitLogin, "198.51.100.3")
	}
	require.NoError(t, limiter.Reset(ctx, auth.LimitLogin, "198.51.100.3"))
	assert.NoError(t, limiter.Allow(ctx, auth.LimitLogin, "198.51.100.3"))
}

func TestRateLimiterBackendOutageSurfacesError(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()

	err := limiter.Allow(context.Background(), auth.LimitLogin, "198.51.100.4")
	require.Error(t, err)
	var limited *auth.RateLimitError
	assert.False(t, errors.As(err, &limited), "outage must not masquerade as a limit")
}

func TestRateLimiterCounterNeverOutlivesWindow(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, auth.LimitLogin, "203.0.113.20"))
	ttl := mr.TTL("ratelimit:login:203.0.113.20")
	assert.Greater(t, ttl, time.Duration(0), "first hit must carry the window TTL")

	// A counter stranded without a TTL still expires after one more hit.
	require.NoError(t, mr.Set("ratelimit:login:203.0.113.21", "99"))
	err := limiter.Allow(ctx, auth.LimitLogin, "203.0.113.21")
	var limited *auth.RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Greater(t, mr.TTL("ratelimit:login:203.0.113.21"), time.Duration(0))

	mr.FastForward(16 * time.Minute)
	assert.NoError(t, limiter.Allow(ctx, auth.LimitLogin, "203.0.113.21"))
}
