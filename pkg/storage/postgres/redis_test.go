package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisClientTest creates a miniredis instance and returns the client and cleanup function
func setupRedisClientTest(t *testing.T) (*RedisClient, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "Failed to start miniredis")

	config := storage.Config{
		RedisURL:        "redis://" + mr.Addr(),
		RedisDB:         0,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
	}

	client, err := NewRedisClient(config)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return client, mr, cleanup
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(storage.Config{RedisURL: "not a url"})
	assert.Error(t, err)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisClient(storage.Config{RedisURL: "redis://" + addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisClient_TryLock(t *testing.T) {
	client, mr, cleanup := setupRedisClientTest(t)
	defer cleanup()
	ctx := context.Background()

	lock, err := client.TryLock(ctx, "tally:jobs:rollover", "instance-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = client.TryLock(ctx, "tally:jobs:rollover", "instance-b", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	ttl := mr.TTL("tally:jobs:rollover")
	assert.Equal(t, time.Minute, ttl)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("tally:jobs:rollover"))

	_, err = client.TryLock(ctx, "tally:jobs:rollover", "instance-b", time.Minute)
	assert.NoError(t, err)
}

func TestRedisClient_ReleaseKeepsForeignLock(t *testing.T) {
	client, mr, cleanup := setupRedisClientTest(t)
	defer cleanup()
	ctx := context.Background()

	lock, err := client.TryLock(ctx, "tally:jobs:expiry", "instance-a", time.Second)
	require.NoError(t, err)

	// lock expired and was taken by someone else
	mr.FastForward(2 * time.Second)
	_, err = client.TryLock(ctx, "tally:jobs:expiry", "instance-b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lock.Release(ctx))
	got, err := mr.Get("tally:jobs:expiry")
	require.NoError(t, err)
	assert.Equal(t, "instance-b", got)
}

func TestRedisClient_PingAndClose(t *testing.T) {
	client, mr, cleanup := setupRedisClientTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))
	mr.Close()
	assert.Error(t, client.Ping(ctx))
}
