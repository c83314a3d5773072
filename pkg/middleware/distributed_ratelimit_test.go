package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, cfg RateLimitConfig) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDistributedRateLimiter(client, cfg, "test:rl"), mr
}

func TestDistributedRateLimiter_Window(t *testing.T) {
	rl, mr := newRedisLimiter(t, RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Allow(ctx, "account:a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res, err := rl.Allow(ctx, "account:a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.Reset, time.Duration(0))
	assert.LessOrEqual(t, res.Reset, time.Minute)

	// another account has its own window
	res, err = rl.Allow(ctx, "account:b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	mr.FastForward(time.Minute + time.Second)
	res, err = rl.Allow(ctx, "account:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDistributedRateLimiter_Reset(t *testing.T) {
	rl, _ := newRedisLimiter(t, RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	ctx := context.Background()

	_, _ = rl.Allow(ctx, "k")
	res, _ := rl.Allow(ctx, "k")
	require.False(t, res.Allowed)

	require.NoError(t, rl.Reset(ctx, "k"))
	res, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	rl, mr := newRedisLimiter(t, RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	mr.Close()

	res, err := rl.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, res.Allowed)
}
