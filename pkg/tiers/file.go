package tiers

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fileTier mirrors Tier in the YAML catalog file. Limits are strings so that
// decimal precision survives parsing; -1 or an absent value means unlimited.
type fileTier struct {
	ID                          string  `yaml:"id"`
	DisplayName                 string  `yaml:"display_name"`
	Description                 string  `yaml:"description"`
	SortOrder                   int     `yaml:"sort_order"`
	ResourceCostLimitPerPeriod  *string `yaml:"resource_cost_limit_per_period"`
	ResourceCountLimitPerPeriod *int64  `yaml:"resource_count_limit_per_period"`
	MaxSelectableCategories     int     `yaml:"max_selectable_categories"`
	CanSelectScope              bool    `yaml:"can_select_scope"`
	HasPremiumFeatureAccess     bool    `yaml:"has_premium_feature_access"`
	BillingPriceMonthly         string  `yaml:"billing_price_monthly"`
	BillingPriceYearly          string  `yaml:"billing_price_yearly"`
	ReferralRewardAmount        int64   `yaml:"referral_reward_amount"`
	RedeemablePointCost         int64   `yaml:"redeemable_point_cost"`
	IsDefault                   bool    `yaml:"is_default"`
	DefaultBillingCycle         string  `yaml:"default_billing_cycle"`
}

type catalogFile struct {
	Tiers []fileTier `yaml:"tiers"`
}

// FileSource loads tiers from a YAML file on every call
type FileSource struct {
	path string
}

// NewFileSource creates a source reading the given YAML file
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the watched file path
func (s *FileSource) Path() string {
	return s.path
}

// LoadTiers reads and validates the catalog file
func (s *FileSource) LoadTiers(ctx context.Context) ([]*Tier, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier file: %w", err)
	}
	return ParseTiers(data)
}

// ParseTiers decodes a YAML catalog document
func ParseTiers(data []byte) ([]*Tier, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tier file: %w", err)
	}

	out := make([]*Tier, 0, len(doc.Tiers))
	for _, ft := range doc.Tiers {
		t, err := ft.toTier()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	if err := ValidateSet(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (ft fileTier) toTier() (*Tier, error) {
	t := &Tier{
		ID:                      ft.ID,
		DisplayName:             ft.DisplayName,
		Description:             ft.Description,
		SortOrder:               ft.SortOrder,
		MaxSelectableCategories: ft.MaxSelectableCategories,
		CanSelectScope:          ft.CanSelectScope,
		HasPremiumFeatureAccess: ft.HasPremiumFeatureAccess,
		ReferralRewardAmount:    ft.ReferralRewardAmount,
		RedeemablePointCost:     ft.RedeemablePointCost,
		IsDefault:               ft.IsDefault,
		DefaultBillingCycle:     ft.DefaultBillingCycle,
	}

	if ft.ResourceCostLimitPerPeriod != nil {
		limit, err := decimal.NewFromString(*ft.ResourceCostLimitPerPeriod)
		if err != nil {
			return nil, fmt.Errorf("tier %s: invalid cost limit: %w", ft.ID, err)
		}
		if !limit.IsNegative() {
			t.ResourceCostLimitPerPeriod = &limit
		}
	}
	if ft.ResourceCountLimitPerPeriod != nil && *ft.ResourceCountLimitPerPeriod >= 0 {
		count := *ft.ResourceCountLimitPerPeriod
		t.ResourceCountLimitPerPeriod = &count
	}

	var err error
	if t.BillingPriceMonthly, err = parsePrice(ft.BillingPriceMonthly); err != nil {
		return nil, fmt.Errorf("tier %s: invalid monthly price: %w", ft.ID, err)
	}
	if t.BillingPriceYearly, err = parsePrice(ft.BillingPriceYearly); err != nil {
		return nil, fmt.Errorf("tier %s: invalid yearly price: %w", ft.ID, err)
	}
	return t, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
