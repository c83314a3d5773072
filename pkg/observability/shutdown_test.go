package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager(t *testing.T) {
	sm := NewShutdownManager(nil, 0)
	assert.Equal(t, 30*time.Second, sm.timeout)
	assert.NotNil(t, sm.logger)

	sm = NewShutdownManager(NewLogger("info", "json", &bytes.Buffer{}), time.Second)
	assert.Equal(t, time.Second, sm.timeout)
}

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger("info", "json", &bytes.Buffer{}), time.Second)

	var order []string
	for _, name := range []string{"postgres", "redis", "http"} {
		name := name
		sm.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "redis", "postgres"}, order)

	// second call is a no-op
	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewLogger("info", "json", &bytes.Buffer{}), time.Second)

	ran := false
	sm.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	sm.Register("broken", func(context.Context) error { return errors.New("boom") })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.True(t, ran, "a failing step must not stop the rest")
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger("info", "json", &bytes.Buffer{}), 20*time.Millisecond)

	skipped := true
	sm.Register("skipped", func(context.Context) error {
		skipped = false
		return nil
	})
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, skipped)
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "json", &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "test")
		panic("kaboom")
	})
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestRecoverPanicWithCallback(t *testing.T) {
	var got error
	func() {
		defer RecoverPanicWithCallback(NewLogger("info", "json", &bytes.Buffer{}), "test", func(err error) {
			got = err
		})
		panic("bad")
	}()
	require.Error(t, got)
	assert.Equal(t, "panic: bad", got.Error())

	assert.NoError(t, MustRecover(nil))
}
