// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Logging
//
// Loggers are logrus loggers. FromContext decorates the request logger with
// the request ID and the active trace:
//
//	logger := observability.NewLogger("info", "json", os.Stdout)
//	observability.FromContext(ctx, logger).WithField("account_id", id).Info("usage recorded")
//
// # Metrics
//
// Metrics are registered on a caller-provided registry. All Observe methods are
// safe on a nil *Metrics, so components can run without instrumentation:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ObserveUsage("chat", cost)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:  true,
//		Endpoint: "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("postgres", true, store.HealthCheck)
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//	observability.RegisterHealthRoutes(router, checker)
package observability
