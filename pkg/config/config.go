package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tally/pkg/archive"
	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Catalog       CatalogConfig
	Metering      MeteringConfig
	Jobs          JobsConfig
	Webhooks      WebhooksConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	// RateLimit applies per account to /v1/accounts routes; zero requests disables it
	RateLimit middleware.RateLimitConfig

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// CatalogConfig locates the tier catalog
type CatalogConfig struct {
	// Source is "file" or "postgres"
	Source string
	Path   string
	Watch  bool
	Cache  tiers.CacheConfig
	// ReloadChannel is the Redis pub/sub channel used to fan out reloads
	ReloadChannel string
}

// MeteringConfig configures pricing and display units
type MeteringConfig struct {
	PriceBookPath         string
	DisplayUnitsPerDollar int64
}

// JobsConfig configures the rollover, expiry, outbox and archive jobs
type JobsConfig struct {
	// SchedulerEnabled runs the cron scheduler inside the API process
	SchedulerEnabled bool
	RolloverSchedule string
	ExpirySchedule   string
	DispatchSchedule string
	ArchiveSchedule  string
	Workers          int
	LockTTL          time.Duration
	Timeout          time.Duration
	OutboxBatchSize  int
}

// WebhooksConfig lists static webhook endpoints registered at startup
type WebhooksConfig struct {
	URLs     []string
	Secret   string
	SlackURL string
	TeamsURL string
	Retry    webhooks.RetryConfig
}

// ArchiveConfig configures the usage export. Disabled when Bucket is empty.
type ArchiveConfig struct {
	S3     archive.S3Config
	Prefix string
}

// Enabled reports whether a bucket is configured
func (a ArchiveConfig) Enabled() bool { return a.S3.Bucket != "" }

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTel observability.OTelConfig
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return LoadConfig()
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Catalog:       loadCatalogConfig(),
		Metering:      loadMeteringConfig(),
		Jobs:          loadJobsConfig(),
		Webhooks:      loadWebhooksConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TALLY_HOST", "0.0.0.0"),
		Port:            getEnv("TALLY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TALLY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TALLY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TALLY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TALLY_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  getEnvDuration("TALLY_REQUEST_TIMEOUT", 10*time.Second),
		MaxBodyBytes:    getEnvInt64("TALLY_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("TALLY_HEALTH_PORT", "9090"),
		RateLimit: middleware.RateLimitConfig{
			RequestsPerWindow: getEnvInt("TALLY_RATE_LIMIT_REQUESTS", 600),
			WindowDuration:    getEnvDuration("TALLY_RATE_LIMIT_WINDOW", time.Minute),
			BurstSize:         getEnvInt("TALLY_RATE_LIMIT_BURST", 60),
		},
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("TALLY_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	cfg.PostgresURL = getEnv("TALLY_POSTGRES_URL", cfg.PostgresURL)
	if replicaURLs := getEnv("TALLY_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("TALLY_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TALLY_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TALLY_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	cfg.MigrateOnStart = getEnvBool("TALLY_MIGRATE_ON_START", cfg.MigrateOnStart)

	cfg.RedisURL = getEnv("TALLY_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("TALLY_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("TALLY_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TALLY_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TALLY_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	return cfg
}

func loadCatalogConfig() CatalogConfig {
	cache := tiers.DefaultCacheConfig()
	cache.TTL = getEnvDuration("TALLY_TIERS_CACHE_TTL", cache.TTL)
	cache.Size = getEnvInt("TALLY_TIERS_CACHE_SIZE", cache.Size)
	return CatalogConfig{
		Source:        getEnv("TALLY_TIERS_SOURCE", "file"),
		Path:          getEnv("TALLY_TIERS_FILE", "config/tiers.yaml"),
		Watch:         getEnvBool("TALLY_TIERS_WATCH", true),
		Cache:         cache,
		ReloadChannel: getEnv("TALLY_TIERS_RELOAD_CHANNEL", "tally:tiers:reload"),
	}
}

func loadMeteringConfig() MeteringConfig {
	return MeteringConfig{
		PriceBookPath:         getEnv("TALLY_PRICEBOOK_FILE", "config/pricing.yaml"),
		DisplayUnitsPerDollar: getEnvInt64("TALLY_DISPLAY_UNITS_PER_DOLLAR", metering.DefaultDisplayUnitsPerDollar),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		SchedulerEnabled: getEnvBool("TALLY_SCHEDULER_ENABLED", false),
		RolloverSchedule: getEnv("TALLY_ROLLOVER_SCHEDULE", "*/5 * * * *"),
		ExpirySchedule:   getEnv("TALLY_EXPIRY_SCHEDULE", "*/5 * * * *"),
		DispatchSchedule: getEnv("TALLY_DISPATCH_SCHEDULE", "@every 10s"),
		ArchiveSchedule:  getEnv("TALLY_ARCHIVE_SCHEDULE", "30 0 * * *"),
		Workers:          getEnvInt("TALLY_JOB_WORKERS", 4),
		LockTTL:          getEnvDuration("TALLY_JOB_LOCK_TTL", 35*time.Minute),
		Timeout:          getEnvDuration("TALLY_JOB_TIMEOUT", 30*time.Minute),
		OutboxBatchSize:  getEnvInt("TALLY_OUTBOX_BATCH_SIZE", 100),
	}
}

func loadWebhooksConfig() WebhooksConfig {
	retry := webhooks.DefaultRetryConfig()
	retry.InitialDelay = getEnvDuration("TALLY_WEBHOOK_RETRY_INITIAL", retry.InitialDelay)
	retry.MaxDelay = getEnvDuration("TALLY_WEBHOOK_RETRY_MAX", retry.MaxDelay)
	return WebhooksConfig{
		URLs:     getEnvList("TALLY_WEBHOOK_URLS"),
		Secret:   getEnv("TALLY_WEBHOOK_SECRET", ""),
		SlackURL: getEnv("TALLY_SLACK_WEBHOOK_URL", ""),
		TeamsURL: getEnv("TALLY_TEAMS_WEBHOOK_URL", ""),
		Retry:    retry,
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		S3: archive.S3Config{
			Endpoint:     getEnv("TALLY_S3_ENDPOINT", ""),
			Region:       getEnv("TALLY_S3_REGION", "us-east-1"),
			Bucket:       getEnv("TALLY_S3_BUCKET", ""),
			AccessKey:    getEnv("TALLY_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("TALLY_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("TALLY_S3_USE_PATH_STYLE", false),
			CreateBucket: getEnvBool("TALLY_S3_CREATE_BUCKET", false),
		},
		Prefix: getEnv("TALLY_ARCHIVE_PREFIX", "usage"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("TALLY_LOG_LEVEL", "info"),
		LogFormat:      getEnv("TALLY_LOG_FORMAT", "json"),
		MetricsEnabled: getEnvBool("TALLY_METRICS_ENABLED", true),
		OTel: observability.OTelConfig{
			Enabled:        getEnvBool("TALLY_OTEL_ENABLED", false),
			Endpoint:       getEnv("TALLY_OTEL_ENDPOINT", "localhost:4317"),
			ServiceName:    getEnv("TALLY_OTEL_SERVICE_NAME", "tally"),
			ServiceVersion: getEnv("TALLY_OTEL_SERVICE_VERSION", "1.0.0"),
			Insecure:       getEnvBool("TALLY_OTEL_INSECURE", true),
			SampleRatio:    getEnvFloat("TALLY_OTEL_SAMPLE_RATIO", 1),
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if rl := c.Server.RateLimit; rl.RequestsPerWindow < 0 || rl.BurstSize < 0 || (rl.RequestsPerWindow > 0 && rl.WindowDuration <= 0) {
		return fmt.Errorf("invalid rate limit: %d requests per %s, burst %d", rl.RequestsPerWindow, rl.WindowDuration, rl.BurstSize)
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	switch c.Catalog.Source {
	case "file":
		if c.Catalog.Path == "" {
			return fmt.Errorf("tier catalog file is required for the file source")
		}
	case "postgres":
		if c.Storage.Type != "postgres" {
			return fmt.Errorf("tier catalog source postgres needs postgres storage")
		}
	default:
		return fmt.Errorf("invalid tier catalog source: %s (must be file or postgres)", c.Catalog.Source)
	}

	if c.Metering.DisplayUnitsPerDollar <= 0 {
		return fmt.Errorf("display units per dollar must be positive")
	}

	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("job workers must be positive")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"rollover": c.Jobs.RolloverSchedule,
		"expiry":   c.Jobs.ExpirySchedule,
		"dispatch": c.Jobs.DispatchSchedule,
		"archive":  c.Jobs.ArchiveSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	for _, raw := range append(append([]string{}, c.Webhooks.URLs...), c.Webhooks.SlackURL, c.Webhooks.TeamsURL) {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid webhook URL: %q", raw)
		}
	}

	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
