package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

const twoTiers = `
tiers:
  - id: free
    is_default: true
    resource_cost_limit_per_period: "1"
    default_billing_cycle: monthly
  - id: standard
    sort_order: 1
    resource_cost_limit_per_period: "50"
`

const threeTiers = twoTiers + `
  - id: premium
    sort_order: 2
    has_premium_feature_access: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoTiers), 0o600))

	store := storage.DefaultConfig()
	store.Type = "memory"
	return &config.Config{
		Storage: store,
		Catalog: config.CatalogConfig{
			Source: "file",
			Path:   path,
			Cache:  tiers.DefaultCacheConfig(),
		},
		Metering: config.MeteringConfig{DisplayUnitsPerDollar: 100000},
		Jobs: config.JobsConfig{
			RolloverSchedule: "@every 1h",
			ExpirySchedule:   "@every 1h",
			DispatchSchedule: "@every 1m",
			ArchiveSchedule:  "@daily",
			Workers:          2,
			LockTTL:          time.Minute,
			Timeout:          time.Minute,
			OutboxBatchSize:  10,
		},
		Webhooks: config.WebhooksConfig{Retry: webhooks.DefaultRetryConfig()},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	log, _ := test.NewNullLogger()
	a, err := New(context.Background(), cfg, log, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewWithMemoryStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhooks.URLs = []string{"https://hooks.example.com/tally"}
	cfg.Webhooks.SlackURL = "https://hooks.slack.com/services/T/B/X"
	a := newApp(t, cfg)

	assert.ElementsMatch(t, []string{JobRollover, JobExpiry, JobDispatch}, a.Scheduler.Jobs())
	assert.Nil(t, a.Exporter)
	assert.Len(t, a.Webhooks.List(), 2)

	list, err := a.Catalog.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	res, err := a.Scheduler.RunNow(context.Background(), JobDispatch)
	require.NoError(t, err)
	report, ok := res.(events.Report)
	require.True(t, ok)
	assert.Zero(t, report.Delivered)

	status := a.Health.Check(context.Background())
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "storage")
}

func TestNewRejectsBadWebhookURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhooks.URLs = []string{"ftp://example.com/x"}
	log, _ := test.NewNullLogger()

	_, err := New(context.Background(), cfg, log, "test")
	assert.Error(t, err)
}

func TestNewRejectsMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing.yaml")
	log, _ := test.NewNullLogger()

	_, err := New(context.Background(), cfg, log, "test")
	assert.Error(t, err)
}

func TestReloadCatalog(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)

	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte(threeTiers), 0o600))
	n, err := a.ReloadCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte("tiers: [\n"), 0o600))
	_, err = a.ReloadCatalog(context.Background())
	assert.Error(t, err)

	// the previous catalog stays in place
	tier, err := a.Catalog.GetTier(context.Background(), "premium")
	require.NoError(t, err)
	assert.True(t, tier.HasPremiumFeatureAccess)
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	a := newApp(t, cfg)

	status := a.Health.Check(context.Background())
	assert.Contains(t, status.Dependencies, "redis")

	_, err := a.Scheduler.RunNow(context.Background(), JobRollover)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Background(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("background loops did not stop")
	}
}

func TestBackgroundWatchesCatalogFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Watch = true
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Background(ctx) }()

	// give the watcher time to subscribe
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte(threeTiers), 0o600))

	assert.Eventually(t, func() bool {
		list, err := a.Catalog.List(context.Background())
		return err == nil && len(list) == 3
	}, 5*time.Second, 50*time.Millisecond)
}
