package webhooks

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket per endpoint
type RateLimiter struct {
	buckets      map[string]*tokenBucket
	mutex        sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
	now          func() time.Time
}

type tokenBucket struct {
	mutex      sync.Mutex
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows maxRequests per period for each endpoint. One token
// is returned to the bucket every period/maxRequests.
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	refill := period / time.Duration(maxRequests)
	if refill <= 0 {
		refill = time.Millisecond
	}
	return &RateLimiter{
		buckets:      make(map[string]*tokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: refill,
		now:          time.Now,
	}
}

func (rl *RateLimiter) bucket(endpointID string) *tokenBucket {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	b, exists := rl.buckets[endpointID]
	if !exists {
		b = &tokenBucket{tokens: rl.maxTokens, lastRefill: rl.now()}
		rl.buckets[endpointID] = b
	}
	return b
}

// refill must be called with b.mutex held
func (rl *RateLimiter) refill(b *tokenBucket) {
	elapsed := rl.now().Sub(b.lastRefill)
	if elapsed < rl.refillPeriod {
		return
	}
	periods := int(elapsed / rl.refillPeriod)
	b.tokens = min(b.tokens+periods, rl.maxTokens)
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * rl.refillPeriod)
}

// Allow takes a token for the endpoint if one is available
func (rl *RateLimiter) Allow(endpointID string) bool {
	b := rl.bucket(endpointID)
	b.mutex.Lock()
	defer b.mutex.Unlock()
	rl.refill(b)
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Reset forgets the endpoint's bucket
func (rl *RateLimiter) Reset(endpointID string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, endpointID)
}

// GetRemaining returns the tokens left for an endpoint
func (rl *RateLimiter) GetRemaining(endpointID string) int {
	rl.mutex.Lock()
	b, exists := rl.buckets[endpointID]
	rl.mutex.Unlock()
	if !exists {
		return rl.maxTokens
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	rl.refill(b)
	return b.tokens
}
