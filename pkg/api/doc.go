// Package api serves the billing engine over HTTP.
//
//	POST /v1/payments/completed
//	POST /v1/payments/failed
//	GET  /v1/accounts/{id}/subscription
//	GET  /v1/accounts/{id}/subscription/history
//	POST /v1/accounts/{id}/usage
//	GET  /v1/accounts/{id}/usage?from=&to=&limit=
//	POST /v1/accounts/{id}/access/check
//	POST /v1/accounts/{id}/access/record
//	POST /v1/accounts/{id}/scope
//	POST /v1/accounts/{id}/cancel
//	POST /v1/accounts/{id}/reactivate
//	GET  /v1/tiers
//	POST /v1/admin/tiers/reload
//	GET  /v1/admin/jobs
//	POST /v1/admin/jobs/{job}
//
// Errors map to statuses by kind: validation 400, not found 404, conflict
// 409, quota exceeded 403 and configuration 500. The body always has the
// httputil.ErrorResponse shape.
//
// With WithRateLimit the account routes answer 429 once an account spends
// its budget.
package api
