package subscriptions

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the persisted status of a subscription row
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// BillingCycle is how often a subscription is paid for
type BillingCycle string

const (
	CycleDaily    BillingCycle = "daily"
	CycleMonthly  BillingCycle = "monthly"
	CycleYearly   BillingCycle = "yearly"
	CycleLifetime BillingCycle = "lifetime"
)

// Valid reports whether c is a known cycle
func (c BillingCycle) Valid() bool {
	switch c {
	case CycleDaily, CycleMonthly, CycleYearly, CycleLifetime:
		return true
	}
	return false
}

// PaymentMethodClass groups payment processors by whether they can charge
// automatically at the next boundary
type PaymentMethodClass string

const (
	MethodNone   PaymentMethodClass = "none"
	MethodCard   PaymentMethodClass = "card"
	MethodWallet PaymentMethodClass = "wallet"
	MethodManual PaymentMethodClass = "manual"
)

// Valid reports whether m is a known payment method class
func (m PaymentMethodClass) Valid() bool {
	switch m {
	case MethodNone, MethodCard, MethodWallet, MethodManual:
		return true
	}
	return false
}

// AutoRenews reports whether the processor charges without user action
func (m PaymentMethodClass) AutoRenews() bool {
	return m == MethodCard || m == MethodWallet
}

// Subscription is one account-tier assignment. At most one row per account
// is current (active or suspended); older rows are kept as history.
type Subscription struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	TierID    string `json:"tier_id"`

	Status             Status             `json:"status"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	PaymentMethodClass PaymentMethodClass `json:"payment_method_class"`
	IsRecurring        bool               `json:"is_recurring"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	SuspensionReason   string             `json:"suspension_reason,omitempty"`

	PeriodStart     time.Time  `json:"period_start"`
	PeriodEnd       time.Time  `json:"period_end"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`

	ResourceCostUsed      decimal.Decimal  `json:"resource_cost_used_current_period"`
	ResourceCountUsed     int64            `json:"resource_count_used_current_period"`
	AccessedResourceIDs   []string         `json:"accessed_resource_ids,omitempty"`
	ResourceLimitOverride *decimal.Decimal `json:"resource_limit_override,omitempty"`
	SelectedScopeIDs      []string         `json:"selected_scope_ids"`

	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsCurrent reports whether the row is the account's live subscription
func (s *Subscription) IsCurrent() bool {
	return s.Status == StatusActive || s.Status == StatusSuspended
}

// State returns the lifecycle state, distinguishing a pending cancellation
func (s *Subscription) State() string {
	if s.Status == StatusActive && s.CancelAtPeriodEnd {
		return "active+cancel_at_period_end"
	}
	return string(s.Status)
}

// HasAccessed reports whether the resource was already counted this period
func (s *Subscription) HasAccessed(resourceID string) bool {
	for _, id := range s.AccessedResourceIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}

// ScopeSelected reports whether the one-time scope selection has been made
func (s *Subscription) ScopeSelected() bool {
	return s.SelectedScopeIDs != nil
}

// Clone returns a deep copy so rules can work on a scratch value
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.SubscriptionEnd != nil {
		end := *s.SubscriptionEnd
		c.SubscriptionEnd = &end
	}
	if s.ResourceLimitOverride != nil {
		o := *s.ResourceLimitOverride
		c.ResourceLimitOverride = &o
	}
	if s.LastPaymentAt != nil {
		p := *s.LastPaymentAt
		c.LastPaymentAt = &p
	}
	if s.AccessedResourceIDs != nil {
		c.AccessedResourceIDs = append([]string{}, s.AccessedResourceIDs...)
	}
	if s.SelectedScopeIDs != nil {
		c.SelectedScopeIDs = append([]string{}, s.SelectedScopeIDs...)
	}
	return &c
}

// TransitionReason names why a subscription changed
type TransitionReason string

const (
	ReasonCreated               TransitionReason = "created"
	ReasonRenewed               TransitionReason = "renewed"
	ReasonTierChanged           TransitionReason = "tier_changed"
	ReasonCancellationRequested TransitionReason = "cancellation_requested"
	ReasonReactivated           TransitionReason = "reactivated"
	ReasonSuspended             TransitionReason = "suspended"
	ReasonExpired               TransitionReason = "expired"
	ReasonDefaultAssigned       TransitionReason = "default_assigned"
)
