package rollover

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler()
	noop := func(context.Context) (interface{}, error) { return nil, nil }

	require.NoError(t, s.Register(Job{Name: "rollover", Schedule: "*/5 * * * *", Run: noop}))
	require.NoError(t, s.Register(Job{Name: "manual", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "rollover", Run: noop}), "duplicate name")
	assert.Error(t, s.Register(Job{Name: "broken", Schedule: "not cron", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "", Run: noop}))

	assert.Equal(t, []string{"manual", "rollover"}, s.Jobs())
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Register(Job{Name: "count", Run: func(context.Context) (interface{}, error) {
		return 42, nil
	}}))

	out, err := s.RunNow(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_RunNowExcludesConcurrentRuns(t *testing.T) {
	s := NewScheduler()
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register(Job{Name: "slow", Run: func(ctx context.Context) (interface{}, error) {
		close(entered)
		<-release
		return nil, nil
	}}))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "slow")
		done <- err
	}()
	<-entered

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := postgres.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer client.Close()

	a := NewRedisLocker(client, "instance-a")
	b := NewRedisLocker(client, "")

	releaseA, ok, err := a.Acquire(context.Background(), "tally:jobs:rollover", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(context.Background(), "tally:jobs:rollover", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, releaseA(context.Background()))
	_, ok, err = b.Acquire(context.Background(), "tally:jobs:rollover", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduler_SharedLockAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := postgres.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer client.Close()

	var runs atomic.Int32
	job := Job{Name: "expiry", Run: func(context.Context) (interface{}, error) {
		runs.Add(1)
		return nil, nil
	}}

	// another instance holds the lock
	mr.Set("tally:jobs:expiry", "other-instance")

	s := NewScheduler(WithLocker(NewRedisLocker(client, "me")))
	require.NoError(t, s.Register(job))

	_, err = s.RunNow(context.Background(), "expiry")
	assert.ErrorIs(t, err, ErrJobRunning)
	assert.Zero(t, runs.Load())

	mr.Del("tally:jobs:expiry")
	_, err = s.RunNow(context.Background(), "expiry")
	require.NoError(t, err)
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, mr.Exists("tally:jobs:expiry"), "lock released after the run")
}

func TestScheduler_LockOutlivesJobTimeout(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := postgres.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer client.Close()

	var ttl time.Duration
	s := NewScheduler(
		WithLocker(NewRedisLocker(client, "me")),
		WithLockTTL(time.Minute),
		WithJobTimeout(10*time.Minute),
	)
	require.NoError(t, s.Register(Job{Name: "rollover", Run: func(context.Context) (interface{}, error) {
		ttl = mr.TTL("tally:jobs:rollover")
		return nil, nil
	}}))

	_, err = s.RunNow(context.Background(), "rollover")
	require.NoError(t, err)
	assert.Greater(t, ttl, 10*time.Minute)
}

func TestScheduler_JobError(t *testing.T) {
	s := NewScheduler(WithJobTimeout(time.Second), WithLockTTL(time.Minute))
	require.NoError(t, s.Register(Job{Name: "bad", Run: func(context.Context) (interface{}, error) {
		return nil, errors.New("nope")
	}}))

	_, err := s.RunNow(context.Background(), "bad")
	assert.EqualError(t, err, "nope")

	// the lock is released even when the job fails
	_, err = s.RunNow(context.Background(), "bad")
	assert.EqualError(t, err, "nope")
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
