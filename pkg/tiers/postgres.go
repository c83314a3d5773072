package tiers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresSource loads tiers from the tiers table
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a new PostgresSource
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// LoadTiers reads every tier row
func (s *PostgresSource) LoadTiers(ctx context.Context) ([]*Tier, error) {
	query := `
		SELECT id, display_name, description, sort_order,
		       resource_cost_limit_per_period, resource_count_limit_per_period,
		       max_selectable_categories, can_select_scope, has_premium_feature_access,
		       billing_price_monthly, billing_price_yearly,
		       referral_reward_amount, redeemable_point_cost,
		       is_default, default_billing_cycle
		FROM tiers
		ORDER BY sort_order, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiers: %w", err)
	}
	defer rows.Close()

	var out []*Tier
	for rows.Next() {
		t := &Tier{}
		var costLimit decimal.NullDecimal
		var countLimit sql.NullInt64
		if err := rows.Scan(
			&t.ID, &t.DisplayName, &t.Description, &t.SortOrder,
			&costLimit, &countLimit,
			&t.MaxSelectableCategories, &t.CanSelectScope, &t.HasPremiumFeatureAccess,
			&t.BillingPriceMonthly, &t.BillingPriceYearly,
			&t.ReferralRewardAmount, &t.RedeemablePointCost,
			&t.IsDefault, &t.DefaultBillingCycle,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		if costLimit.Valid && !costLimit.Decimal.IsNegative() {
			limit := costLimit.Decimal
			t.ResourceCostLimitPerPeriod = &limit
		}
		if countLimit.Valid && countLimit.Int64 >= 0 {
			count := countLimit.Int64
			t.ResourceCountLimitPerPeriod = &count
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tiers: %w", err)
	}

	if err := ValidateSet(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert writes a tier definition, used to seed the table from the YAML catalog
func (s *PostgresSource) Upsert(ctx context.Context, t *Tier) error {
	query := `
		INSERT INTO tiers (id, display_name, description, sort_order,
		                   resource_cost_limit_per_period, resource_count_limit_per_period,
		                   max_selectable_categories, can_select_scope, has_premium_feature_access,
		                   billing_price_monthly, billing_price_yearly,
		                   referral_reward_amount, redeemable_point_cost,
		                   is_default, default_billing_cycle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, description = EXCLUDED.description,
		    sort_order = EXCLUDED.sort_order,
		    resource_cost_limit_per_period = EXCLUDED.resource_cost_limit_per_period,
		    resource_count_limit_per_period = EXCLUDED.resource_count_limit_per_period,
		    max_selectable_categories = EXCLUDED.max_selectable_categories,
		    can_select_scope = EXCLUDED.can_select_scope,
		    has_premium_feature_access = EXCLUDED.has_premium_feature_access,
		    billing_price_monthly = EXCLUDED.billing_price_monthly,
		    billing_price_yearly = EXCLUDED.billing_price_yearly,
		    referral_reward_amount = EXCLUDED.referral_reward_amount,
		    redeemable_point_cost = EXCLUDED.redeemable_point_cost,
		    is_default = EXCLUDED.is_default,
		    default_billing_cycle = EXCLUDED.default_billing_cycle,
		    updated_at = NOW()
	`
	var costLimit decimal.NullDecimal
	if t.ResourceCostLimitPerPeriod != nil {
		costLimit = decimal.NewNullDecimal(*t.ResourceCostLimitPerPeriod)
	}
	var countLimit sql.NullInt64
	if t.ResourceCountLimitPerPeriod != nil {
		countLimit = sql.NullInt64{Int64: *t.ResourceCountLimitPerPeriod, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.DisplayName, t.Description, t.SortOrder,
		costLimit, countLimit,
		t.MaxSelectableCategories, t.CanSelectScope, t.HasPremiumFeatureAccess,
		t.BillingPriceMonthly, t.BillingPriceYearly,
		t.ReferralRewardAmount, t.RedeemablePointCost,
		t.IsDefault, t.DefaultBillingCycle,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tier %s: %w", t.ID, err)
	}
	return nil
}
