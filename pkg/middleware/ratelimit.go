package middleware

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained number of requests allowed per window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default per-account limits
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         60,
	}
}

// Enabled reports whether any limit is configured
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerWindow > 0 && c.WindowDuration > 0
}

func (c RateLimitConfig) capacity() int {
	return c.RequestsPerWindow + c.BurstSize
}

// Result is the outcome of one Allow call
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is how long until the caller has capacity again
	Reset time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// RateLimiter is an in-process token bucket limiter. Limits are per
// instance; use DistributedRateLimiter to share them.
type RateLimiter struct {
	config  RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
}

var _ Limiter = (*RateLimiter)(nil)

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (Result, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	capacity := rl.config.capacity()
	refillEvery := max(rl.config.WindowDuration/time.Duration(rl.config.RequestsPerWindow), time.Nanosecond)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastUpdate: now}
		rl.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	if add := int(now.Sub(b.lastUpdate) / refillEvery); add > 0 {
		b.tokens = min(b.tokens+add, capacity)
		b.lastUpdate = b.lastUpdate.Add(time.Duration(add) * refillEvery)
		if b.tokens == capacity {
			b.lastUpdate = now
		}
	}

	res := Result{Limit: capacity}
	if b.tokens > 0 {
		b.tokens--
		res.Allowed = true
		res.Remaining = b.tokens
		res.Reset = time.Duration(capacity-b.tokens) * refillEvery
		return res, nil
	}
	res.Reset = refillEvery - now.Sub(b.lastUpdate)
	return res, nil
}

// Cleanup removes buckets that have been full for at least one window
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup starts a background goroutine to cleanup old buckets
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
