// Package httputil holds the JSON request and response helpers and the
// middleware shared by the API and the webhook admin routes.
//
// Errors are always written as
//
//	{"error": "tier_id is required", "code": "validation", "field": "tier_id"}
//
// Middleware is composed with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(log),
//		httputil.LoggingMiddleware(log),
//		httputil.RecoveryMiddleware(log),
//		httputil.TimeoutMiddleware(30*time.Second),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
