// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that
// producers and consumers agree on one key and one value type.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tally/pkg/contextkeys"
//	ctx = contextkeys.WithRequestID(ctx, id)
//	id := contextkeys.GetRequestID(ctx)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: api request ID middleware
	// Used by: observability.FromContext, error responses
	// Type: string
	RequestIDKey Key = "request_id"

	// AccountIDKey contains the account id of an account-scoped route
	// Set by: api account middleware
	// Used by: access log
	// Type: string
	AccountIDKey Key = "account_id"

	// LoggerKey contains the request-scoped logger
	// Set by: api logging middleware
	// Used by: observability.FromContext
	// Type: logrus.FieldLogger
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains request start timestamp
	// Set by: api logging middleware
	// Used by: duration calculation for access logs
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithAccountID adds the account id to the context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetAccountID retrieves the account id from context
func GetAccountID(ctx context.Context) string {
	if accountID, ok := ctx.Value(AccountIDKey).(string); ok {
		return accountID
	}
	return ""
}

// GetRequestStartTime retrieves the request start time from context
func GetRequestStartTime(ctx context.Context) (time.Time, bool) {
	start, ok := ctx.Value(RequestStartTimeKey).(time.Time)
	return start, ok
}
