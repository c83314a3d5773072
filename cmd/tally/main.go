package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/api"
	"github.com/platinummonkey/tally/pkg/app"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/referrals"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

var version = "dev"

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file read before the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("tally stopped with an error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelCfg := cfg.Observability.OTel
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, log)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), providers, log)
		return err
	}

	opts := []api.Option{
		api.WithJobs(a.Scheduler),
		api.WithCatalogReload(a.ReloadCatalog),
		api.WithAdminRoutes(webhooks.NewHandlers(a.Webhooks)),
		api.WithAdminRoutes(referrals.NewHandlers(a.Referrals, log)),
		api.WithMetrics(a.Metrics),
		api.WithLogger(log),
		api.WithLimits(cfg.Server.RequestTimeout, cfg.Server.MaxBodyBytes),
	}
	if a.RateLimiter != nil {
		opts = append(opts, api.WithRateLimit(a.RateLimiter))
	}
	server := api.NewServer(a.Engine, opts...)
	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, a.Health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthRouter, a.Registry)
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthRouter,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, log)
	})
	shutdown.Register("storage", func(context.Context) error { return a.Close() })
	shutdown.Register("scheduler", a.Scheduler.Stop)
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("api server", apiServer.Shutdown)

	if cfg.Jobs.SchedulerEnabled {
		a.Scheduler.Start()
		log.WithField("jobs", a.Scheduler.Jobs()).Info("Job scheduler started")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": apiServer.Addr, "version": version}).Info("Starting tally API server")
		return serve(apiServer)
	})
	g.Go(func() error {
		log.WithField("addr", healthServer.Addr).Info("Starting health server")
		return serve(healthServer)
	})
	g.Go(func() error {
		return a.Background(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})
	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
