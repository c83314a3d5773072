package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/metering"
)

func minimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TALLY_STORAGE_TYPE", "memory")
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "x")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_LIST", " https://a.example.com , ,https://b.example.com")

	assert.Equal(t, "custom", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_STR_UNSET", "default"))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("TEST_BAD_INT", 7))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.InDelta(t, 0.25, getEnvFloat("TEST_FLOAT", 1), 1e-9)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("TEST_LIST_UNSET"))
}

func TestLoadConfigDefaults(t *testing.T) {
	minimalEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "file", cfg.Catalog.Source)
	assert.Equal(t, metering.DefaultDisplayUnitsPerDollar, cfg.Metering.DisplayUnitsPerDollar)
	assert.False(t, cfg.Jobs.SchedulerEnabled)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, "tally", cfg.Observability.OTel.ServiceName)
	assert.True(t, cfg.Server.RateLimit.Enabled())
	assert.Equal(t, 600, cfg.Server.RateLimit.RequestsPerWindow)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("TALLY_STORAGE_TYPE", "postgres")
	t.Setenv("TALLY_POSTGRES_URL", "postgres://localhost/tally")
	t.Setenv("TALLY_POSTGRES_REPLICA_URLS", "postgres://r1/tally,postgres://r2/tally")
	t.Setenv("TALLY_REDIS_URL", "localhost:6379")
	t.Setenv("TALLY_TIERS_SOURCE", "postgres")
	t.Setenv("TALLY_SCHEDULER_ENABLED", "true")
	t.Setenv("TALLY_ROLLOVER_SCHEDULE", "@every 1m")
	t.Setenv("TALLY_WEBHOOK_URLS", "https://hooks.example.com/a")
	t.Setenv("TALLY_WEBHOOK_SECRET", "s3cret")
	t.Setenv("TALLY_S3_BUCKET", "tally-usage")
	t.Setenv("TALLY_DISPLAY_UNITS_PER_DOLLAR", "1000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Storage.PostgresReplicaURLs, 2)
	assert.Equal(t, "localhost:6379", cfg.Storage.RedisURL)
	assert.True(t, cfg.Jobs.SchedulerEnabled)
	assert.Equal(t, "@every 1m", cfg.Jobs.RolloverSchedule)
	assert.Equal(t, []string{"https://hooks.example.com/a"}, cfg.Webhooks.URLs)
	assert.True(t, cfg.Archive.Enabled())
	assert.Equal(t, int64(1000), cfg.Metering.DisplayUnitsPerDollar)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "same ports", env: map[string]string{"TALLY_PORT": "9090"}, wantErr: "must be different"},
		{name: "postgres without url", env: map[string]string{"TALLY_STORAGE_TYPE": "postgres"}, wantErr: "postgres URL"},
		{name: "unknown storage", env: map[string]string{"TALLY_STORAGE_TYPE": "filesystem"}, wantErr: "invalid storage type"},
		{name: "postgres catalog on memory", env: map[string]string{"TALLY_TIERS_SOURCE": "postgres"}, wantErr: "needs postgres storage"},
		{name: "bad schedule", env: map[string]string{"TALLY_EXPIRY_SCHEDULE": "every day"}, wantErr: "invalid expiry schedule"},
		{name: "bad webhook", env: map[string]string{"TALLY_WEBHOOK_URLS": "ftp://x"}, wantErr: "invalid webhook URL"},
		{name: "zero workers", env: map[string]string{"TALLY_JOB_WORKERS": "0"}, wantErr: "workers"},
		{name: "negative rate limit", env: map[string]string{"TALLY_RATE_LIMIT_REQUESTS": "-1"}, wantErr: "invalid rate limit"},
		{name: "zero display units", env: map[string]string{"TALLY_DISPLAY_UNITS_PER_DOLLAR": "0"}, wantErr: "display units"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minimalEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TALLY_STORAGE_TYPE=memory\nTALLY_PORT=8181\nTALLY_LOG_LEVEL=debug\n"), 0o600))

	// godotenv does not override variables that are already set
	t.Setenv("TALLY_LOG_LEVEL", "warn")
	t.Cleanup(func() {
		os.Unsetenv("TALLY_STORAGE_TYPE")
		os.Unsetenv("TALLY_PORT")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Observability.LogLevel)
}

func TestLoadMissingEnvFile(t *testing.T) {
	minimalEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
