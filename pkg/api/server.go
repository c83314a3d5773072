package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
)

// JobRunner runs named background jobs on demand
type JobRunner interface {
	RunNow(ctx context.Context, name string) (interface{}, error)
	Jobs() []string
}

// RouteRegistrar mounts extra routes, e.g. webhook administration
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Server is the HTTP surface of the billing engine
type Server struct {
	service        billing.Service
	jobs           JobRunner
	reload         func(ctx context.Context) (int, error)
	admin          []RouteRegistrar
	limiter        middleware.Limiter
	metrics        *observability.Metrics
	log            logrus.FieldLogger
	requestTimeout time.Duration
	maxBodyBytes   int64
}

// Option configures a Server
type Option func(*Server)

// WithJobs enables POST /v1/admin/jobs/{job}
func WithJobs(jobs JobRunner) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithCatalogReload enables POST /v1/admin/tiers/reload. fn returns the
// number of tiers loaded.
func WithCatalogReload(fn func(ctx context.Context) (int, error)) Option {
	return func(s *Server) { s.reload = fn }
}

// WithAdminRoutes mounts r under /v1/admin
func WithAdminRoutes(r RouteRegistrar) Option {
	return func(s *Server) { s.admin = append(s.admin, r) }
}

// WithRateLimit limits requests on the /v1/accounts routes per account
func WithRateLimit(l middleware.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithLimits bounds request duration and body size
func WithLimits(requestTimeout time.Duration, maxBodyBytes int64) Option {
	return func(s *Server) {
		if requestTimeout > 0 {
			s.requestTimeout = requestTimeout
		}
		if maxBodyBytes > 0 {
			s.maxBodyBytes = maxBodyBytes
		}
	}
}

// NewServer creates a new API server
func NewServer(service billing.Service, opts ...Option) *Server {
	s := &Server{
		service:        service,
		log:            logrus.StandardLogger(),
		requestTimeout: 10 * time.Second,
		maxBodyBytes:   1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the routes
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/payments/completed", s.paymentCompleted).Methods(http.MethodPost)
	v1.HandleFunc("/payments/failed", s.paymentFailed).Methods(http.MethodPost)
	v1.HandleFunc("/tiers", s.listTiers).Methods(http.MethodGet)

	acct := v1.PathPrefix("/accounts/{id}").Subrouter()
	if s.limiter != nil {
		acct.Use(middleware.RateLimit(s.limiter, s.log, true))
	}
	acct.HandleFunc("/subscription", s.getSubscription).Methods(http.MethodGet)
	acct.HandleFunc("/subscription/history", s.history).Methods(http.MethodGet)
	acct.HandleFunc("/usage", s.recordUsage).Methods(http.MethodPost)
	acct.HandleFunc("/usage", s.listUsage).Methods(http.MethodGet)
	acct.HandleFunc("/access/check", s.checkAccess).Methods(http.MethodPost)
	acct.HandleFunc("/access/record", s.recordAccess).Methods(http.MethodPost)
	acct.HandleFunc("/scope", s.selectScope).Methods(http.MethodPost)
	acct.HandleFunc("/cancel", s.cancel).Methods(http.MethodPost)
	acct.HandleFunc("/reactivate", s.reactivate).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	if s.reload != nil {
		admin.HandleFunc("/tiers/reload", s.reloadTiers).Methods(http.MethodPost)
	}
	if s.jobs != nil {
		admin.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
		admin.HandleFunc("/jobs/{job}", s.runJob).Methods(http.MethodPost)
	}
	for _, r := range s.admin {
		r.RegisterRoutes(admin)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "no route for "+r.Method+" "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return router
}

// Handler wraps the router with tracing, request ids, logging, recovery
// and request limits
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.log),
		httputil.LoggingMiddleware(s.log),
		httputil.RecoveryMiddleware(s.log),
		httputil.TimeoutMiddleware(s.requestTimeout),
		httputil.MaxBytesMiddleware(s.maxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.Router()), "tally.api")
}
