package webhooks

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures the outbox backoff
type RetryConfig struct {
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	// Jitter is the fraction of the delay randomized, 0 to 1
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// RetryPolicy is an exponential backoff. It satisfies events.Backoff; there
// is no attempt limit since outbox messages are retried until delivered.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Minute
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0
	}
	return &RetryPolicy{config: config}
}

// NextRetryDelay calculates the delay after the given number of failed attempts
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// delay = initialDelay * multiplier^(attempts-1)
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(p.config.MaxDelay)
	}
	if p.config.Jitter > 0 {
		delay -= delay * p.config.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}
