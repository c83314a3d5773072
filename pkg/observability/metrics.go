package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	UsageEventsTotal   *prometheus.CounterVec
	UsageCostTotal     *prometheus.CounterVec
	AccessChecksTotal  *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	PaymentEventsTotal *prometheus.CounterVec

	// Job metrics
	JobRunsTotal      *prometheus.CounterVec
	JobItemsTotal     *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	OutboxDeliveries  *prometheus.CounterVec
	TierCatalogSize   prometheus.Gauge
	TierReloadsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		UsageEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_usage_events_total",
				Help: "Usage events recorded, by category",
			},
			[]string{"category"},
		),
		UsageCostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_usage_cost_dollars_total",
				Help: "Metered cost in dollars, by category",
			},
			[]string{"category"},
		),
		AccessChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_access_checks_total",
				Help: "Access decisions, by outcome and reason",
			},
			[]string{"allowed", "reason"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_subscription_transitions_total",
				Help: "Subscription state transitions, by reason",
			},
			[]string{"reason"},
		),
		PaymentEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_payment_events_total",
				Help: "Payment events processed, by kind",
			},
			[]string{"kind"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_job_runs_total",
				Help: "Background job runs",
			},
			[]string{"job"},
		),
		JobItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_job_items_total",
				Help: "Items handled by background jobs, by result",
			},
			[]string{"job", "result"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_job_duration_seconds",
				Help:    "Background job run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"job"},
		),
		OutboxDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_outbox_deliveries_total",
				Help: "Outbox handler invocations, by handler and result",
			},
			[]string{"handler", "result"},
		),
		TierCatalogSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_tier_catalog_size",
				Help: "Number of tiers in the active catalog",
			},
		),
		TierReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_tier_reloads_total",
				Help: "Tier catalog reloads, by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UsageEventsTotal,
		m.UsageCostTotal,
		m.AccessChecksTotal,
		m.TransitionsTotal,
		m.PaymentEventsTotal,
		m.JobRunsTotal,
		m.JobItemsTotal,
		m.JobDuration,
		m.OutboxDeliveries,
		m.TierCatalogSize,
		m.TierReloadsTotal,
	)

	return m
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveUsage records one metered usage event
func (m *Metrics) ObserveUsage(category string, cost decimal.Decimal) {
	if m == nil {
		return
	}
	m.UsageEventsTotal.WithLabelValues(category).Inc()
	m.UsageCostTotal.WithLabelValues(category).Add(cost.InexactFloat64())
}

func (m *Metrics) ObserveAccessDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	m.AccessChecksTotal.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

func (m *Metrics) ObserveTransition(reason string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePayment(kind string) {
	if m == nil {
		return
	}
	m.PaymentEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveJob records one run of a background job
func (m *Metrics) ObserveJob(job string, processed, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job).Inc()
	m.JobItemsTotal.WithLabelValues(job, "ok").Add(float64(processed))
	m.JobItemsTotal.WithLabelValues(job, "error").Add(float64(failed))
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) ObserveOutboxDelivery(handler string, ok bool) {
	if m == nil {
		return
	}
	m.OutboxDeliveries.WithLabelValues(handler, result(ok)).Inc()
}

// ObserveTierReload records a catalog reload and the resulting catalog size
func (m *Metrics) ObserveTierReload(size int, err error) {
	if m == nil {
		return
	}
	m.TierReloadsTotal.WithLabelValues(result(err == nil)).Inc()
	if err == nil {
		m.TierCatalogSize.Set(float64(size))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel returns the mux route template so account IDs do not explode
// label cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
