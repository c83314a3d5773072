package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used for panics and dropped errors
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		logger = l
	}
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "tier reload broadcast", func(ctx context.Context) error {
//	    return broadcaster.Publish(ctx)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		// Create context with timeout
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		// Recover from panics
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("PANIC recovered in SafeGo")
			}
		}()

		// Execute function
		if err := fn(ctx); err != nil {
			// Log error but don't crash
			// Caller can decide if this is critical or not
			logger.WithError(err).WithField("task", taskName).Warn("SafeGo task failed")
		}
	}()
}

// WorkerPool manages a pool of workers that process tasks from a channel.
// Provides graceful shutdown and error collection.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool creates a new worker pool.
//
// Example:
//
//	pool := NewWorkerPool(ctx, 4, "webhook delivery", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return publisher.Post(ctx, url, ev)
//	})
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10), // Larger buffer to avoid drops
		ctx:      ctx,
		cancel:   cancel,
	}

	// Start workers and wait for them to finish in background
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the worker pool.
// Returns error if pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	// Check if already shut down
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	// Try to submit work
	defer func() {
		if r := recover(); r != nil {
			// Recovered from panic (likely closed channel)
			// This happens if shutdown was called between the check above and the send below
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	}
}

// Shutdown gracefully shuts down the worker pool.
// Waits up to timeout for workers to finish current tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	// Ensure shutdown only happens once
	p.shutdownOnce.Do(func() {
		// Close work channel so workers can drain remaining tasks
		// Recover from panic if channel already closed (e.g., by Batch)
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Channel already closed, continue with shutdown
				}
			}()
			close(p.workCh)
		}()

		// Wait for workers to finish with timeout
		select {
		case <-p.doneCh:
			p.cancel() // Cancel context after workers are done
		case <-time.After(timeout):
			p.cancel() // Force cancel on timeout
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives worker errors.
// Non-blocking, use select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	defer func() {
		// Recover from panics first
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"task":   p.taskName,
				"worker": id,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("PANIC recovered in worker pool")
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}

			// Create context with timeout for this task
			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)

			// Execute task with panic recovery
			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						err := fmt.Errorf("panic: %v", r)
						select {
						case p.errCh <- err:
						default:
							logger.WithError(err).WithField("task", p.taskName).Warn("Error channel full, dropping error")
						}
					}
				}()

				if err := fn(ctx); err != nil {
					select {
					case p.errCh <- err:
					default:
						logger.WithError(err).WithField("task", p.taskName).Warn("Error channel full, dropping error")
					}
				}
			}()
		}
	}
}

// Batch processes a slice of items concurrently using a worker pool.
// Returns every error encountered, one per failed or panicking item.
//
// Example:
//
//	errs := Batch(ctx, urls, 4, "webhook delivery", 10*time.Second, func(ctx context.Context, url string) error {
//	    return post(ctx, url, body)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		if err := pool.Submit(func(ctx context.Context) error {
			defer func() {
				if r := recover(); r != nil {
					collect(fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(ctx, item); err != nil {
				collect(err)
			}
			return nil
		}); err != nil {
			collect(err)
			break
		}
	}

	// closing the work channel lets the workers drain what is queued
	close(pool.workCh)
	<-pool.doneCh
	pool.cancel()

	mu.Lock()
	defer mu.Unlock()
	return errs
}

// Workers runs n copies of fn concurrently until all return and collects
// their errors. Unlike Batch there is no work queue: each worker pulls its own
// work, e.g. by claiming rows. A panicking worker is reported as an error.
func Workers(ctx context.Context, n int, taskName string, fn func(ctx context.Context, worker int) error) []error {
	if n < 1 {
		n = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(logrus.Fields{
						"task":   taskName,
						"worker": id,
						"panic":  r,
						"stack":  string(debug.Stack()),
					}).Error("PANIC recovered in worker")
					record(fmt.Errorf("%s worker %d: panic: %v", taskName, id, r))
				}
			}()
			if err := fn(ctx, id); err != nil {
				record(fmt.Errorf("%s worker %d: %w", taskName, id, err))
			}
		}(i)
	}
	wg.Wait()
	return errs
}
