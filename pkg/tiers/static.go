package tiers

import (
	"context"
	"fmt"
	"sort"
)

// StaticCatalog is an immutable in-memory catalog
type StaticCatalog struct {
	byID        map[string]*Tier
	ordered     []*Tier
	defaultTier *Tier
}

// NewStaticCatalog builds a catalog from a validated tier set
func NewStaticCatalog(tiers []*Tier) (*StaticCatalog, error) {
	if err := ValidateSet(tiers); err != nil {
		return nil, fmt.Errorf("invalid tier catalog: %w", err)
	}

	c := &StaticCatalog{
		byID:    make(map[string]*Tier, len(tiers)),
		ordered: make([]*Tier, 0, len(tiers)),
	}
	for _, t := range tiers {
		c.byID[t.ID] = t
		c.ordered = append(c.ordered, t)
		if t.IsDefault {
			c.defaultTier = t
		}
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.ordered[i].SortOrder < c.ordered[j].SortOrder
	})
	return c, nil
}

// LoadTiers lets a static catalog act as a Source
func (c *StaticCatalog) LoadTiers(ctx context.Context) ([]*Tier, error) {
	return c.List(ctx)
}

// GetTier returns a tier by id
func (c *StaticCatalog) GetTier(ctx context.Context, id string) (*Tier, error) {
	t, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTierNotFound, id)
	}
	return t, nil
}

// DefaultTier returns the free/default tier
func (c *StaticCatalog) DefaultTier(ctx context.Context) (*Tier, error) {
	if c.defaultTier == nil {
		return nil, ErrNoDefaultTier
	}
	return c.defaultTier, nil
}

// List returns tiers ordered by sort order
func (c *StaticCatalog) List(ctx context.Context) ([]*Tier, error) {
	out := make([]*Tier, len(c.ordered))
	copy(out, c.ordered)
	return out, nil
}
