package tiers

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrTierNotFound is returned when a tier id is not present in the catalog
	ErrTierNotFound = errors.New("tier not found")

	// ErrNoDefaultTier is returned when the catalog has no tier flagged as default
	ErrNoDefaultTier = errors.New("no default tier configured")
)

// Tier is a plan definition with limits, prices and capability flags.
// A nil limit means unlimited.
type Tier struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sort_order"`

	ResourceCostLimitPerPeriod  *decimal.Decimal `json:"resource_cost_limit_per_period"`
	ResourceCountLimitPerPeriod *int64           `json:"resource_count_limit_per_period"`
	MaxSelectableCategories     int              `json:"max_selectable_categories"`

	CanSelectScope          bool `json:"can_select_scope"`
	HasPremiumFeatureAccess bool `json:"has_premium_feature_access"`

	BillingPriceMonthly decimal.Decimal `json:"billing_price_monthly"`
	BillingPriceYearly  decimal.Decimal `json:"billing_price_yearly"`

	ReferralRewardAmount int64 `json:"referral_reward_amount"`
	RedeemablePointCost  int64 `json:"redeemable_point_cost"`

	IsDefault           bool   `json:"is_default"`
	DefaultBillingCycle string `json:"default_billing_cycle"`
}

// IsUnlimited reports whether neither the cost nor the count allowance is capped
func (t *Tier) IsUnlimited() bool {
	return t.ResourceCostLimitPerPeriod == nil && t.ResourceCountLimitPerPeriod == nil
}

// Validate checks a single tier definition
func (t *Tier) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tier id is required")
	}
	if t.ResourceCostLimitPerPeriod != nil && t.ResourceCostLimitPerPeriod.IsNegative() {
		return fmt.Errorf("tier %s: cost limit must not be negative", t.ID)
	}
	if t.ResourceCountLimitPerPeriod != nil && *t.ResourceCountLimitPerPeriod < 0 {
		return fmt.Errorf("tier %s: count limit must not be negative", t.ID)
	}
	if t.MaxSelectableCategories < 0 {
		return fmt.Errorf("tier %s: max selectable categories must not be negative", t.ID)
	}
	if t.BillingPriceMonthly.IsNegative() || t.BillingPriceYearly.IsNegative() {
		return fmt.Errorf("tier %s: prices must not be negative", t.ID)
	}
	switch t.DefaultBillingCycle {
	case "", "daily", "monthly", "yearly", "lifetime":
	default:
		return fmt.Errorf("tier %s: invalid default billing cycle %q", t.ID, t.DefaultBillingCycle)
	}
	return nil
}

// Catalog is the read-mostly tier lookup used by the billing engine
type Catalog interface {
	GetTier(ctx context.Context, id string) (*Tier, error)
	DefaultTier(ctx context.Context) (*Tier, error)
	List(ctx context.Context) ([]*Tier, error)
}

// Source loads the full set of tier definitions from a backing store
type Source interface {
	LoadTiers(ctx context.Context) ([]*Tier, error)
}

// ValidateSet checks a full catalog: unique ids and exactly one default tier
func ValidateSet(tiers []*Tier) error {
	seen := make(map[string]struct{}, len(tiers))
	defaults := 0
	for _, t := range tiers {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate tier id %s", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.IsDefault {
			defaults++
		}
	}
	if defaults == 0 {
		return ErrNoDefaultTier
	}
	if defaults > 1 {
		return fmt.Errorf("exactly one default tier is allowed, found %d", defaults)
	}
	return nil
}

// CostLimit is a helper for building tiers in code
func CostLimit(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

// CountLimit is a helper for building tiers in code
func CountLimit(v int64) *int64 {
	return &v
}
