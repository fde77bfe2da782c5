package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_WindowPerKey(t *testing.T) {
	mr, client := setupRedis(t)
	limiter := NewRateLimiter(client, 2, time.Minute, "test")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "owner-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, ok, "third hit in the window is rejected")

	ok, err = limiter.Allow(ctx, "owner-2")
	require.NoError(t, err)
	assert.True(t, ok, "owners are throttled independently")

	assert.True(t, mr.TTL("test:owner-1") > 0)
	mr.FastForward(time.Minute + time.Second)

	ok, err = limiter.Allow(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts after expiry")
}

func TestRateLimiter_ExpiryIsNotExtended(t *testing.T) {
	mr, client := setupRedis(t)
	limiter := NewRateLimiter(client, 100, time.Minute, "test")
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "owner-1")
	require.NoError(t, err)
	mr.FastForward(40 * time.Second)
	_, err = limiter.Allow(ctx, "owner-1")
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, mr.TTL("test:owner-1"))
}

func TestRateLimiter_NilClientAllows(t *testing.T) {
	limiter := NewRateLimiter(nil, 1, time.Minute, "test")
	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(context.Background(), "owner-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	var none *RateLimiter
	ok, err := none.Allow(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiter_RedisDownReturnsError(t *testing.T) {
	mr, client := setupRedis(t)
	limiter := NewRecurringRateLimiter(client, 10)
	mr.Close()

	_, err := limiter.Allow(context.Background(), "owner-1")
	require.Error(t, err)
}
