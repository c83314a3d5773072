package billing

import (
	"context"
	"time"

	"github.com/platinummonkey/tally/pkg/access"
	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/shopspring/decimal"
)

// Payment ledger kinds
const (
	PaymentEventCompleted = "payment_completed"
	PaymentEventFailed    = "payment_failed"
)

// PaymentCompleted is reported by a payment provider after a successful charge
type PaymentCompleted struct {
	AccountID          string                           `json:"account_id" validate:"required,max=128"`
	TierID             string                           `json:"tier_id" validate:"required"`
	BillingCycle       subscriptions.BillingCycle       `json:"billing_cycle" validate:"required,oneof=daily monthly yearly lifetime"`
	PaymentMethodClass subscriptions.PaymentMethodClass `json:"payment_method_class" validate:"required,oneof=none card wallet manual"`
	ExternalTxnID      string                           `json:"external_txn_id" validate:"required"`
	Provider           string                           `json:"provider" validate:"required"`
}

// PaymentFailed is reported by a payment provider after a failed charge
type PaymentFailed struct {
	AccountID     string `json:"account_id" validate:"required,max=128"`
	Reason        string `json:"reason"`
	ExternalTxnID string `json:"external_txn_id" validate:"required"`
	Provider      string `json:"provider" validate:"required"`
}

// PaymentResult is the outcome of a payment event. Subscription is nil when
// a failed payment hit an account without a subscription.
type PaymentResult struct {
	Subscription *subscriptions.Subscription `json:"subscription,omitempty"`
	Kind         subscriptions.PaymentKind   `json:"kind,omitempty"`
	Suspended    bool                        `json:"suspended,omitempty"`
	Duplicate    bool                        `json:"duplicate"`
}

// RecordUsageRequest reports the units one provider request consumed.
// Prices are optional when the price book knows the model; when given, both
// must be present.
type RecordUsageRequest struct {
	AccountID       string            `json:"account_id" validate:"required,max=128"`
	RequestID       string            `json:"request_id" validate:"required,max=256"`
	Provider        string            `json:"provider" validate:"required"`
	Model           string            `json:"model" validate:"required"`
	InputUnits      int64             `json:"input_units" validate:"gte=0"`
	OutputUnits     int64             `json:"output_units" validate:"gte=0"`
	InputUnitPrice  *decimal.Decimal  `json:"input_unit_price,omitempty"`
	OutputUnitPrice *decimal.Decimal  `json:"output_unit_price,omitempty"`
	Category        metering.Category `json:"category,omitempty" validate:"omitempty,oneof=chat ingestion"`
}

// UsageResult is the outcome of RecordUsage. On a duplicate request_id it
// carries the originally recorded event.
type UsageResult struct {
	Event        *metering.UsageEvent `json:"event"`
	Cost         decimal.Decimal      `json:"cost"`
	DisplayUnits int64                `json:"display_units"`
	Duplicate    bool                 `json:"duplicate"`
	CostUsed     decimal.Decimal      `json:"cost_used"`
	Limit        *decimal.Decimal     `json:"limit,omitempty"`
	Remaining    *decimal.Decimal     `json:"remaining,omitempty"`
}

// AccessResult is the outcome of RecordResourceAccess
type AccessResult struct {
	ResourceID      string `json:"resource_id"`
	AlreadyAccessed bool   `json:"already_accessed"`
	CountUsed       int64  `json:"count_used"`
	CountLimit      *int64 `json:"count_limit,omitempty"`
}

// SubscriptionView is a current row joined with its tier and derived figures
type SubscriptionView struct {
	Subscription          *subscriptions.Subscription `json:"subscription"`
	Tier                  *tiers.Tier                 `json:"tier"`
	State                 string                      `json:"state"`
	EffectiveCostLimit    *decimal.Decimal            `json:"effective_cost_limit,omitempty"`
	RemainingCost         *decimal.Decimal            `json:"remaining_cost,omitempty"`
	DisplayUnitsUsed      int64                       `json:"display_units_used"`
	DisplayUnitsRemaining *int64                      `json:"display_units_remaining,omitempty"`
}

// UsageQuery selects usage events of one account
type UsageQuery struct {
	AccountID string
	From      time.Time
	To        time.Time
	Limit     int
}

// UsageSummary lists usage events with their total
type UsageSummary struct {
	AccountID    string                 `json:"account_id"`
	Events       []*metering.UsageEvent `json:"events"`
	TotalCost    decimal.Decimal        `json:"total_cost"`
	DisplayUnits int64                  `json:"display_units"`
}

// Service is the billing surface used by the HTTP API
type Service interface {
	// Payments
	HandlePaymentCompleted(ctx context.Context, ev PaymentCompleted) (*PaymentResult, error)
	HandlePaymentFailed(ctx context.Context, ev PaymentFailed) (*PaymentResult, error)

	// Metering and access
	RecordUsage(ctx context.Context, req RecordUsageRequest) (*UsageResult, error)
	RecordResourceAccess(ctx context.Context, accountID, resourceID string) (*AccessResult, error)
	CanAccess(ctx context.Context, accountID string, res access.Resource, action access.Action) (access.Decision, error)

	// Subscription management
	EnsureSubscription(ctx context.Context, accountID string) (*SubscriptionView, error)
	GetSubscription(ctx context.Context, accountID string) (*SubscriptionView, error)
	RequestCancellation(ctx context.Context, accountID, reason string) (*SubscriptionView, error)
	Reactivate(ctx context.Context, accountID string) (*SubscriptionView, error)
	SelectScope(ctx context.Context, accountID string, scopeIDs []string) (*SubscriptionView, error)

	// Listings
	History(ctx context.Context, accountID string) ([]*subscriptions.Subscription, error)
	ListUsage(ctx context.Context, q UsageQuery) (*UsageSummary, error)
	ListTiers(ctx context.Context) ([]*tiers.Tier, error)
}
