package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/archive"
	"github.com/platinummonkey/tally/pkg/async"
	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/referrals"
	"github.com/platinummonkey/tally/pkg/rollover"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/storage/memory"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// Job names registered with the scheduler
const (
	JobRollover = "rollover"
	JobExpiry   = "expiry"
	JobDispatch = "dispatch"
	JobArchive  = "archive"
)

// App holds every long-lived component of a tally process
type App struct {
	Config     *config.Config
	Log        logrus.FieldLogger
	Registry   *prometheus.Registry
	Metrics    *observability.Metrics
	Health     *observability.HealthChecker
	Store      storage.Store
	Catalog    *tiers.CachedCatalog
	Engine     *billing.Engine
	Webhooks   *webhooks.Manager
	Referrals  referrals.Store
	Dispatcher *events.Dispatcher
	Runner     *rollover.Runner
	Scheduler  *rollover.Scheduler
	// Exporter is nil when no archive bucket is configured
	Exporter *archive.Exporter
	// RateLimiter is nil when rate limiting is disabled
	RateLimiter middleware.Limiter

	instanceID  string
	conns       *postgres.ConnectionManager
	redis       *postgres.RedisClient
	broadcaster *tiers.Broadcaster
}

// New connects to the configured backends and assembles the engine, the
// outbox consumers and the job scheduler. The scheduler is not started.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, version string) (*App, error) {
	a := &App{
		Config:     cfg,
		Log:        log,
		Registry:   prometheus.NewRegistry(),
		Health:     observability.NewHealthChecker(version),
		instanceID: instanceID(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)
	async.SetLogger(log)

	if err := a.build(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			log.WithError(cerr).Warn("cleanup after failed start")
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var referralStore referrals.Store
	switch cfg.Storage.Type {
	case "postgres":
		conns, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg.Storage), a.Log)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.conns = conns
		if cfg.Storage.MigrateOnStart {
			if err := postgres.Migrate(conns.Primary()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
		}
		a.Store = postgres.NewStore(conns.Primary(), a.Log).WithReplicas(conns.Replica)
		referralStore = postgres.NewReferralStore(conns.Primary())
	default:
		a.Log.Warn("using in-memory storage; data is lost on restart")
		a.Store = memory.New()
		referralStore = referrals.NewMemoryStore()
	}
	a.Referrals = referralStore
	a.Health.AddCheck("storage", true, a.Store.HealthCheck)

	if cfg.Storage.RedisURL != "" {
		client, err := postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			return err
		}
		a.redis = client
		a.broadcaster = tiers.NewBroadcaster(client.GetClient(), cfg.Catalog.ReloadChannel, a.instanceID, a.Log)
		a.Health.AddCheck("redis", false, observability.RedisCheck(client.GetClient()))
	}

	if rl := cfg.Server.RateLimit; rl.Enabled() {
		if a.redis != nil {
			a.RateLimiter = middleware.NewDistributedRateLimiter(a.redis.GetClient(), rl, "")
		} else {
			a.RateLimiter = middleware.NewRateLimiter(rl)
		}
	}

	var source tiers.Source
	switch cfg.Catalog.Source {
	case "postgres":
		if a.conns == nil {
			return errors.New("postgres tier catalog requires postgres storage")
		}
		source = tiers.NewPostgresSource(a.conns.Primary())
	default:
		source = tiers.NewFileSource(cfg.Catalog.Path)
	}
	catalog, err := tiers.NewCachedCatalog(ctx, source, cfg.Catalog.Cache, a.Log)
	if err != nil {
		return fmt.Errorf("failed to load tier catalog: %w", err)
	}
	a.Catalog = catalog

	converter, err := metering.NewConverter(cfg.Metering.DisplayUnitsPerDollar)
	if err != nil {
		return err
	}
	engineOpts := []billing.Option{
		billing.WithLogger(a.Log),
		billing.WithMetrics(a.Metrics),
		billing.WithConverter(converter),
	}
	if cfg.Metering.PriceBookPath != "" {
		book, err := metering.LoadPriceBook(cfg.Metering.PriceBookPath)
		if err != nil {
			return err
		}
		a.Log.WithField("models", book.Len()).Info("price book loaded")
		engineOpts = append(engineOpts, billing.WithPriceBook(book))
	}
	a.Engine = billing.NewEngine(a.Store, a.Catalog, engineOpts...)

	a.Webhooks = webhooks.NewManager(webhooks.WithLogger(a.Log))
	if err := a.registerWebhooks(); err != nil {
		return err
	}

	a.Dispatcher = events.NewDispatcher(a.Store, webhooks.NewRetryPolicy(cfg.Webhooks.Retry),
		[]events.Handler{a.Webhooks, referrals.NewConsumer(referralStore, a.Catalog, a.Log)},
		events.WithBatchSize(cfg.Jobs.OutboxBatchSize),
		events.WithLogger(a.Log),
		events.WithMetrics(a.Metrics),
	)

	a.Runner = rollover.NewRunner(a.Store, a.Catalog,
		rollover.WithWorkers(cfg.Jobs.Workers),
		rollover.WithLogger(a.Log),
		rollover.WithMetrics(a.Metrics),
	)

	if cfg.Archive.Enabled() {
		objects, err := archive.NewS3Store(ctx, cfg.Archive.S3)
		if err != nil {
			return err
		}
		a.Exporter = archive.NewExporter(a.Store, objects,
			archive.WithPrefix(cfg.Archive.Prefix),
			archive.WithLogger(a.Log),
			archive.WithMetrics(a.Metrics),
		)
		a.Health.AddCheck("archive", false, objects.HealthCheck)
	}

	return a.buildScheduler()
}

func (a *App) registerWebhooks() error {
	cfg := a.Config.Webhooks
	eps := make([]*webhooks.Endpoint, 0, len(cfg.URLs)+2)
	for _, u := range cfg.URLs {
		eps = append(eps, &webhooks.Endpoint{URL: u, Format: webhooks.FormatJSON, Secret: cfg.Secret, Description: "configured"})
	}
	if cfg.SlackURL != "" {
		eps = append(eps, &webhooks.Endpoint{URL: cfg.SlackURL, Format: webhooks.FormatSlack, Description: "slack"})
	}
	if cfg.TeamsURL != "" {
		eps = append(eps, &webhooks.Endpoint{URL: cfg.TeamsURL, Format: webhooks.FormatTeams, Description: "teams"})
	}
	for _, ep := range eps {
		if err := a.Webhooks.Register(ep); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
	}
	if len(eps) > 0 {
		a.Log.WithField("endpoints", len(eps)).Info("webhook endpoints registered")
	}
	return nil
}

func (a *App) buildScheduler() error {
	cfg := a.Config.Jobs
	opts := []rollover.SchedulerOption{
		rollover.WithSchedulerLogger(a.Log),
		rollover.WithLockTTL(cfg.LockTTL),
		rollover.WithJobTimeout(cfg.Timeout),
	}
	if a.redis != nil {
		opts = append(opts, rollover.WithLocker(rollover.NewRedisLocker(a.redis, a.instanceID)))
	}
	a.Scheduler = rollover.NewScheduler(opts...)

	jobs := []rollover.Job{
		rollover.RolloverJob(a.Runner, cfg.RolloverSchedule),
		rollover.ExpiryJob(a.Runner, cfg.ExpirySchedule),
		{
			Name:     JobDispatch,
			Schedule: cfg.DispatchSchedule,
			Run: func(ctx context.Context) (interface{}, error) {
				return a.Dispatcher.RunOnce(ctx)
			},
		},
	}
	if a.Exporter != nil {
		jobs = append(jobs, rollover.Job{
			Name:     JobArchive,
			Schedule: cfg.ArchiveSchedule,
			Run: func(ctx context.Context) (interface{}, error) {
				return a.Exporter.ExportPreviousDay(ctx)
			},
		})
	}
	for _, job := range jobs {
		if err := a.Scheduler.Register(job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.Name, err)
		}
	}
	return nil
}

// ReloadCatalog reloads the tier catalog and tells other instances to do
// the same. It returns the number of tiers now loaded.
func (a *App) ReloadCatalog(ctx context.Context) (int, error) {
	err := a.Catalog.Reload(ctx)
	var n int
	if err == nil {
		list, lerr := a.Catalog.List(ctx)
		err = lerr
		n = len(list)
	}
	a.Metrics.ObserveTierReload(n, err)
	if err != nil {
		return 0, err
	}
	a.announceReload(ctx)
	return n, nil
}

func (a *App) announceReload(ctx context.Context) {
	if a.broadcaster == nil {
		return
	}
	async.SafeGo(context.WithoutCancel(ctx), 5*time.Second, "tier reload broadcast", a.broadcaster.Publish)
}

// Background runs the catalog file watcher, the reload subscription and
// the housekeeping loops until ctx is done
func (a *App) Background(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.conns != nil {
		a.conns.StartHealthCheckRoutine(ctx, 30*time.Second)
	}
	if local, ok := a.RateLimiter.(*middleware.RateLimiter); ok {
		local.StartCleanup(ctx)
	}
	if a.Config.Catalog.Watch && a.Config.Catalog.Source != "postgres" {
		w := tiers.NewWatcher(a.Config.Catalog.Path, a.Catalog, a.Log)
		w.OnReload(func(ctx context.Context) {
			if list, err := a.Catalog.List(ctx); err == nil {
				a.Metrics.ObserveTierReload(len(list), nil)
			}
			a.announceReload(ctx)
		})
		g.Go(func() error { return w.Run(ctx) })
	}
	if a.broadcaster != nil {
		g.Go(func() error { return a.broadcaster.Subscribe(ctx, a.Catalog) })
	}
	return g.Wait()
}

// Close releases backend connections
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.conns != nil {
		if err := a.conns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

// InstanceID identifies this process in job locks and reload broadcasts
func (a *App) InstanceID() string {
	return a.instanceID
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tally"
	}
	return host + "-" + uuid.NewString()[:8]
}
