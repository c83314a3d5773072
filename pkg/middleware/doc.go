// Package middleware provides request rate limiting for the HTTP API.
//
// Two limiters implement Limiter:
//
//   - RateLimiter: an in-process token bucket holding RequestsPerWindow
//     plus BurstSize tokens, refilled at RequestsPerWindow per window
//   - DistributedRateLimiter: a fixed window counter in Redis shared by
//     every instance
//
// RateLimit wraps either one as gorilla/mux middleware:
//
//	accounts := router.PathPrefix("/v1/accounts/{id}").Subrouter()
//	accounts.Use(middleware.RateLimit(limiter, log, true))
//
// Requests are keyed by the {id} route variable, so every account gets its
// own budget. Routes without one are keyed by client IP. Replies carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset; a
// rejected request gets 429 with Retry-After.
package middleware
