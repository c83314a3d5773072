package tiers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
tiers:
  - id: free
    display_name: Free
    sort_order: 0
    is_default: true
    default_billing_cycle: monthly
    resource_cost_limit_per_period: "0.50"
    resource_count_limit_per_period: 2
  - id: standard
    display_name: Standard
    sort_order: 2
    resource_cost_limit_per_period: "10"
    resource_count_limit_per_period: -1
    can_select_scope: true
    max_selectable_categories: 3
    billing_price_monthly: "9.99"
    billing_price_yearly: "99.00"
    referral_reward_amount: 5
  - id: pro
    display_name: Pro
    sort_order: 3
    has_premium_feature_access: true
    billing_price_monthly: "29.00"
`

func testLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func TestParseTiers(t *testing.T) {
	loaded, err := ParseTiers([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	free := loaded[0]
	assert.True(t, free.IsDefault)
	require.NotNil(t, free.ResourceCostLimitPerPeriod)
	assert.True(t, free.ResourceCostLimitPerPeriod.Equal(decimal.RequireFromString("0.5")))
	require.NotNil(t, free.ResourceCountLimitPerPeriod)
	assert.Equal(t, int64(2), *free.ResourceCountLimitPerPeriod)

	standard := loaded[1]
	assert.Nil(t, standard.ResourceCountLimitPerPeriod, "-1 means unlimited")
	assert.True(t, standard.CanSelectScope)
	assert.Equal(t, 3, standard.MaxSelectableCategories)
	assert.True(t, standard.BillingPriceMonthly.Equal(decimal.RequireFromString("9.99")))

	pro := loaded[2]
	assert.True(t, pro.IsUnlimited())
	assert.True(t, pro.HasPremiumFeatureAccess)
}

func TestParseTiers_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no default", "tiers:\n  - id: a\n"},
		{"two defaults", "tiers:\n  - id: a\n    is_default: true\n  - id: b\n    is_default: true\n"},
		{"duplicate id", "tiers:\n  - id: a\n    is_default: true\n  - id: a\n"},
		{"missing id", "tiers:\n  - display_name: x\n    is_default: true\n"},
		{"bad limit", "tiers:\n  - id: a\n    is_default: true\n    resource_cost_limit_per_period: abc\n"},
		{"bad cycle", "tiers:\n  - id: a\n    is_default: true\n    default_billing_cycle: weekly\n"},
		{"malformed yaml", "tiers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTiers([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestStaticCatalog(t *testing.T) {
	loaded, err := ParseTiers([]byte(sampleCatalog))
	require.NoError(t, err)
	catalog, err := NewStaticCatalog(loaded)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("get tier", func(t *testing.T) {
		tier, err := catalog.GetTier(ctx, "pro")
		require.NoError(t, err)
		assert.Equal(t, "Pro", tier.DisplayName)
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := catalog.GetTier(ctx, "platinum")
		assert.True(t, errors.Is(err, ErrTierNotFound))
	})

	t.Run("default tier", func(t *testing.T) {
		tier, err := catalog.DefaultTier(ctx)
		require.NoError(t, err)
		assert.Equal(t, "free", tier.ID)
	})

	t.Run("list is sorted", func(t *testing.T) {
		list, err := catalog.List(ctx)
		require.NoError(t, err)
		ids := []string{}
		for _, tier := range list {
			ids = append(ids, tier.ID)
		}
		assert.Equal(t, []string{"free", "standard", "pro"}, ids)
	})
}

type countingSource struct {
	tiers []*Tier
	err   error
	loads atomic.Int32
}

func (s *countingSource) LoadTiers(ctx context.Context) ([]*Tier, error) {
	s.loads.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.tiers, nil
}

func baseTiers() []*Tier {
	return []*Tier{
		{ID: "free", IsDefault: true, ResourceCountLimitPerPeriod: CountLimit(2)},
		{ID: "lite", SortOrder: 1, ResourceCostLimitPerPeriod: CostLimit(500000)},
	}
}

func TestCachedCatalog(t *testing.T) {
	ctx := context.Background()

	t.Run("serves from cache after initial load", func(t *testing.T) {
		src := &countingSource{tiers: baseTiers()}
		c, err := NewCachedCatalog(ctx, src, DefaultCacheConfig(), testLogger())
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			tier, err := c.GetTier(ctx, "lite")
			require.NoError(t, err)
			assert.Equal(t, "lite", tier.ID)
		}
		assert.Equal(t, int32(1), src.loads.Load())
	})

	t.Run("reload picks up new tiers", func(t *testing.T) {
		src := &countingSource{tiers: baseTiers()}
		c, err := NewCachedCatalog(ctx, src, DefaultCacheConfig(), testLogger())
		require.NoError(t, err)

		src.tiers = append(baseTiers(), &Tier{ID: "pro", SortOrder: 5})
		require.NoError(t, c.Reload(ctx))

		tier, err := c.GetTier(ctx, "pro")
		require.NoError(t, err)
		assert.Equal(t, "pro", tier.ID)

		list, err := c.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 3)
	})

	t.Run("failed reload keeps previous snapshot", func(t *testing.T) {
		src := &countingSource{tiers: baseTiers()}
		c, err := NewCachedCatalog(ctx, src, DefaultCacheConfig(), testLogger())
		require.NoError(t, err)

		src.err = errors.New("database down")
		assert.Error(t, c.Reload(ctx))

		tier, err := c.DefaultTier(ctx)
		require.NoError(t, err)
		assert.Equal(t, "free", tier.ID)
	})

	t.Run("stale snapshot triggers reload", func(t *testing.T) {
		src := &countingSource{tiers: baseTiers()}
		cfg := DefaultCacheConfig()
		cfg.TTL = time.Minute
		c, err := NewCachedCatalog(ctx, src, cfg, testLogger())
		require.NoError(t, err)

		now := time.Now()
		c.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, err = c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(2), src.loads.Load())
	})

	t.Run("unknown tier forces at most one reload per interval", func(t *testing.T) {
		src := &countingSource{tiers: baseTiers()}
		c, err := NewCachedCatalog(ctx, src, DefaultCacheConfig(), testLogger())
		require.NoError(t, err)

		_, err = c.GetTier(ctx, "missing")
		assert.True(t, errors.Is(err, ErrTierNotFound))
		assert.Equal(t, int32(1), src.loads.Load())

		later := time.Now().Add(time.Minute)
		c.now = func() time.Time { return later }
		_, err = c.GetTier(ctx, "missing")
		assert.True(t, errors.Is(err, ErrTierNotFound))
		assert.Equal(t, int32(2), src.loads.Load())
	})

	t.Run("initial load failure", func(t *testing.T) {
		src := &countingSource{err: errors.New("boom")}
		_, err := NewCachedCatalog(ctx, src, DefaultCacheConfig(), testLogger())
		assert.Error(t, err)
	})
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	src := NewFileSource(path)
	loaded, err := src.LoadTiers(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded, 3)

	_, err = NewFileSource(filepath.Join(dir, "missing.yaml")).LoadTiers(context.Background())
	assert.Error(t, err)
}

type recordingReloader struct {
	calls atomic.Int32
}

func (r *recordingReloader) Reload(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	target := &recordingReloader{}
	w := NewWatcher(path, target, testLogger())
	w.debounce = 10 * time.Millisecond

	notified := make(chan struct{}, 1)
	w.OnReload(func(ctx context.Context) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog+"\n"), 0o644))

	select {
	case <-notified:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload after file write")
	}
	assert.GreaterOrEqual(t, target.calls.Load(), int32(1))

	cancel()
	assert.NoError(t, <-done)
}
