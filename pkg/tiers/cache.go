package tiers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// CacheConfig configures a CachedCatalog
type CacheConfig struct {
	// TTL bounds how long a loaded snapshot is served before the source is read again
	TTL time.Duration
	// Size is the max number of tiers kept in the lookup cache
	Size int
	// MissReloadInterval limits how often an unknown tier id can force a reload
	MissReloadInterval time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:                5 * time.Minute,
		Size:               256,
		MissReloadInterval: 10 * time.Second,
	}
}

// CachedCatalog serves tiers from an expirable LRU backed by a Source.
// Concurrent reloads collapse into a single source read.
type CachedCatalog struct {
	source Source
	config CacheConfig
	cache  *lru.LRU[string, *Tier]
	group  singleflight.Group
	log    logrus.FieldLogger

	mu       sync.RWMutex
	snapshot *StaticCatalog
	loadedAt time.Time
	now      func() time.Time
}

// NewCachedCatalog creates a catalog and performs the initial load
func NewCachedCatalog(ctx context.Context, source Source, config CacheConfig, log logrus.FieldLogger) (*CachedCatalog, error) {
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig().TTL
	}
	if config.Size <= 0 {
		config.Size = DefaultCacheConfig().Size
	}
	if log == nil {
		log = logrus.New()
	}

	c := &CachedCatalog{
		source: source,
		config: config,
		cache:  lru.NewLRU[string, *Tier](config.Size, nil, config.TTL),
		log:    log,
		now:    time.Now,
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload reads the source and swaps the snapshot. On failure the previous
// snapshot stays in place.
func (c *CachedCatalog) Reload(ctx context.Context) error {
	_, err, _ := c.group.Do("reload", func() (interface{}, error) {
		loaded, err := c.source.LoadTiers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load tiers: %w", err)
		}
		snap, err := NewStaticCatalog(loaded)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.snapshot = snap
		c.loadedAt = c.now()
		c.mu.Unlock()

		c.cache.Purge()
		for _, t := range loaded {
			c.cache.Add(t.ID, t)
		}

		c.log.WithField("tiers", len(loaded)).Info("tier catalog loaded")
		return nil, nil
	})
	return err
}

func (c *CachedCatalog) current(ctx context.Context) (*StaticCatalog, error) {
	c.mu.RLock()
	snap, loadedAt := c.snapshot, c.loadedAt
	c.mu.RUnlock()

	if snap != nil && c.now().Sub(loadedAt) < c.config.TTL {
		return snap, nil
	}

	if err := c.Reload(ctx); err != nil {
		if snap != nil {
			c.log.WithError(err).Warn("tier catalog reload failed, serving stale snapshot")
			return snap, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, nil
}

// GetTier returns a tier by id
func (c *CachedCatalog) GetTier(ctx context.Context, id string) (*Tier, error) {
	if t, ok := c.cache.Get(id); ok {
		return t, nil
	}

	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	t, err := snap.GetTier(ctx, id)
	if err == nil {
		c.cache.Add(id, t)
		return t, nil
	}
	if !errors.Is(err, ErrTierNotFound) {
		return nil, err
	}

	// Unknown id: the tier may have been added since the last load.
	c.mu.RLock()
	recent := c.now().Sub(c.loadedAt) < c.config.MissReloadInterval
	c.mu.RUnlock()
	if recent {
		return nil, err
	}
	if reloadErr := c.Reload(ctx); reloadErr != nil {
		return nil, err
	}
	c.mu.RLock()
	snap = c.snapshot
	c.mu.RUnlock()
	return snap.GetTier(ctx, id)
}

// DefaultTier returns the default tier of the current snapshot
func (c *CachedCatalog) DefaultTier(ctx context.Context) (*Tier, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.DefaultTier(ctx)
}

// List returns all tiers of the current snapshot
func (c *CachedCatalog) List(ctx context.Context) ([]*Tier, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.List(ctx)
}
