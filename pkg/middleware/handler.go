package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
)

// CodeRateLimited is the ErrorResponse code of a 429 reply
const CodeRateLimited = "rate_limited"

// RateLimit limits requests per account, taken from the {id} route
// variable, or per client IP on routes without one. With failOpen set a
// limiter error lets the request through; otherwise it is answered 503.
func RateLimit(limiter Limiter, log logrus.FieldLogger, failOpen bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context(), log).WithError(err).WithField("key", key).Warn("rate limiter unavailable")
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				httputil.WriteServiceUnavailable(w, "rate limiter unavailable")
				return
			}

			setHeaders(w, res)
			if !res.Allowed {
				retryAfter := strconv.Itoa(int(math.Ceil(res.Reset.Seconds())))
				w.Header().Set("Retry-After", retryAfter)
				httputil.WriteErrorResponse(w, http.StatusTooManyRequests, httputil.ErrorResponse{
					Error:   "rate limit exceeded",
					Code:    CodeRateLimited,
					Details: map[string]string{"retry_after": retryAfter},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.Reset).Unix(), 10))
}

func rateLimitKey(r *http.Request) string {
	if id := mux.Vars(r)["id"]; id != "" {
		return "account:" + id
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
