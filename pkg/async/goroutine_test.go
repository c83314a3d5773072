package async

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	SetLogger(l)
	defer SetLogger(logrus.StandardLogger())

	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "panicky", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})
	<-done

	assert.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("PANIC recovered in SafeGo"))
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	timedOut := make(chan struct{})
	SafeGo(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		close(timedOut)
		return ctx.Err()
	})

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestWorkerPool_ErrorsAndShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test pool", time.Second)

	var executed atomic.Int32
	for i := 0; i < 6; i++ {
		i := i
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			if i%2 == 0 {
				return errors.New("even")
			}
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(6), executed.Load())

	count := 0
	for len(pool.Errors()) > 0 {
		<-pool.Errors()
		count++
	}
	assert.Equal(t, 3, count)

	assert.Error(t, pool.Submit(func(ctx context.Context) error { return nil }))
}

func TestBatch(t *testing.T) {
	errs := Batch(context.Background(), []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second,
		func(ctx context.Context, item int) error {
			if item%2 == 0 {
				return errors.New("even number")
			}
			return nil
		})
	assert.Len(t, errs, 2)
}

func TestBatch_ReportsEveryError(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}
	errs := Batch(context.Background(), items, 2, "test batch", time.Second,
		func(ctx context.Context, item int) error {
			if item == 7 {
				panic("boom")
			}
			return fmt.Errorf("item %d failed", item)
		})
	assert.Len(t, errs, 50)
}

func TestWorkers(t *testing.T) {
	var remaining atomic.Int32
	remaining.Store(50)

	var handled atomic.Int32
	errs := Workers(context.Background(), 4, "drain", func(ctx context.Context, worker int) error {
		for remaining.Add(-1) >= 0 {
			handled.Add(1)
		}
		return nil
	})
	assert.Empty(t, errs)
	assert.Equal(t, int32(50), handled.Load())
}

func TestWorkers_CollectsErrorsAndPanics(t *testing.T) {
	errs := Workers(context.Background(), 3, "mixed", func(ctx context.Context, worker int) error {
		switch worker {
		case 0:
			return errors.New("claim failed")
		case 1:
			panic("bad row")
		}
		return nil
	})
	require.Len(t, errs, 2)

	var msgs []string
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	assert.Contains(t, msgs, "mixed worker 0: claim failed")
	assert.Contains(t, msgs, "mixed worker 1: panic: bad row")
}

func TestWorkers_AtLeastOne(t *testing.T) {
	var calls atomic.Int32
	Workers(context.Background(), 0, "single", func(ctx context.Context, worker int) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, int32(1), calls.Load())
}
