package subscriptions

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/shopspring/decimal"
)

// PaymentKind classifies a successful payment against the current row
type PaymentKind string

const (
	PaymentCreate     PaymentKind = "create"
	PaymentRenewal    PaymentKind = "renewal"
	PaymentTierChange PaymentKind = "tier_change"
)

// Reason maps the payment kind to the transition reason it produces
func (k PaymentKind) Reason() TransitionReason {
	switch k {
	case PaymentRenewal:
		return ReasonRenewed
	case PaymentTierChange:
		return ReasonTierChanged
	default:
		return ReasonCreated
	}
}

// Payment is a successful payment for a tier
type Payment struct {
	AccountID string
	Tier      *tiers.Tier
	Cycle     BillingCycle
	Method    PaymentMethodClass
	At        time.Time
}

// DefaultCycle returns the cycle used when tier is assigned without a payment
func DefaultCycle(tier *tiers.Tier) BillingCycle {
	if c := BillingCycle(tier.DefaultBillingCycle); c.Valid() {
		return c
	}
	return CycleMonthly
}

// IsRecurringFor decides whether a subscription renews by itself at the next
// boundary. Yearly terms keep refreshing monthly until subscription_end, so
// they count as recurring. The default tier always renews.
func IsRecurringFor(cycle BillingCycle, method PaymentMethodClass, isDefaultTier bool) bool {
	switch cycle {
	case CycleLifetime:
		return false
	case CycleYearly:
		return true
	}
	return isDefaultTier || method.AutoRenews()
}

// NewSubscription builds a fresh active row with zeroed counters
func NewSubscription(accountID string, tier *tiers.Tier, cycle BillingCycle, method PaymentMethodClass, now time.Time) (*Subscription, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, invalid("account_id", "account id is required")
	}
	if tier == nil {
		return nil, invalid("tier_id", "tier is required")
	}
	if !cycle.Valid() {
		return nil, invalid("billing_cycle", "unknown billing cycle %q", cycle)
	}
	if !method.Valid() {
		return nil, invalid("payment_method_class", "unknown payment method class %q", method)
	}

	sub := &Subscription{
		ID:                 uuid.NewString(),
		AccountID:          accountID,
		TierID:             tier.ID,
		Status:             StatusActive,
		BillingCycle:       cycle,
		PaymentMethodClass: method,
		IsRecurring:        IsRecurringFor(cycle, method, tier.IsDefault),
		ResourceCostUsed:   decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	startPeriod(sub, now)
	return sub, nil
}

func startPeriod(sub *Subscription, now time.Time) {
	sub.PeriodStart = now
	sub.SubscriptionEnd = TermEnd(now, sub.BillingCycle)
	sub.PeriodEnd = NextPeriodEnd(now, sub.BillingCycle, sub.SubscriptionEnd)
}

func resetUsage(sub *Subscription) {
	sub.ResourceCostUsed = decimal.Zero
	sub.ResourceCountUsed = 0
	sub.AccessedResourceIDs = nil
	sub.ResourceLimitOverride = nil
}

// ApplyPayment applies a successful payment to the account's current row.
// With no current row a new one is created. Paying for the current tier
// renews it; paying for another tier changes the tier in place and carries
// unused allowance over. The input row is never modified.
func ApplyPayment(current *Subscription, currentTier *tiers.Tier, p Payment) (*Subscription, PaymentKind, error) {
	if p.Tier == nil {
		return nil, "", invalid("tier_id", "tier is required")
	}
	if !p.Cycle.Valid() {
		return nil, "", invalid("billing_cycle", "unknown billing cycle %q", p.Cycle)
	}
	if !p.Method.Valid() {
		return nil, "", invalid("payment_method_class", "unknown payment method class %q", p.Method)
	}

	if current == nil || !current.IsCurrent() {
		sub, err := NewSubscription(p.AccountID, p.Tier, p.Cycle, p.Method, p.At)
		if err != nil {
			return nil, "", err
		}
		at := p.At
		sub.LastPaymentAt = &at
		return sub, PaymentCreate, nil
	}
	if current.AccountID != p.AccountID {
		return nil, "", invalid("account_id", "subscription %s does not belong to account %s", current.ID, p.AccountID)
	}

	next := current.Clone()
	kind := PaymentRenewal
	if current.TierID == p.Tier.ID {
		resetUsage(next)
	} else {
		kind = PaymentTierChange
		next.ResourceLimitOverride = CarryoverLimit(currentTier, current.ResourceLimitOverride, p.Tier, current.ResourceCostUsed)
		next.SelectedScopeIDs = nil
		next.TierID = p.Tier.ID
	}

	next.Status = StatusActive
	next.SuspensionReason = ""
	next.CancelAtPeriodEnd = false
	next.CancellationReason = ""
	next.BillingCycle = p.Cycle
	next.PaymentMethodClass = p.Method
	next.IsRecurring = IsRecurringFor(p.Cycle, p.Method, p.Tier.IsDefault)
	startPeriod(next, p.At)
	at := p.At
	next.LastPaymentAt = &at
	next.UpdatedAt = p.At
	return next, kind, nil
}

// CarryoverLimit computes the override for a mid-period tier change:
// new_limit + max(0, old_limit - used). An unlimited new tier needs no
// override. An unlimited old tier carries nothing over.
func CarryoverLimit(oldTier *tiers.Tier, oldOverride *decimal.Decimal, newTier *tiers.Tier, used decimal.Decimal) *decimal.Decimal {
	if newTier == nil || newTier.ResourceCostLimitPerPeriod == nil {
		return nil
	}
	limit := *newTier.ResourceCostLimitPerPeriod

	oldLimit := oldOverride
	if oldLimit == nil && oldTier != nil {
		oldLimit = oldTier.ResourceCostLimitPerPeriod
	}
	if oldLimit != nil {
		if unused := oldLimit.Sub(used); unused.IsPositive() {
			limit = limit.Add(unused)
		}
	}
	return &limit
}

// EffectiveCostLimit returns the override when set, else the tier limit.
// Nil means unlimited.
func EffectiveCostLimit(sub *Subscription, tier *tiers.Tier) *decimal.Decimal {
	if sub.ResourceLimitOverride != nil {
		return sub.ResourceLimitOverride
	}
	return tier.ResourceCostLimitPerPeriod
}

// Cancel requests cancellation at the end of the current term. Non-yearly
// cycles stop renewing immediately; yearly keeps its monthly refreshes until
// subscription_end. Returns false when the row was already cancelling.
func Cancel(sub *Subscription, tier *tiers.Tier, reason string, now time.Time) (*Subscription, bool, error) {
	if tier.IsDefault {
		return nil, false, invalid("tier_id", "the default tier cannot be cancelled")
	}
	if sub.BillingCycle == CycleLifetime {
		return nil, false, invalid("billing_cycle", "lifetime subscriptions cannot be cancelled")
	}
	if sub.Status != StatusActive {
		return nil, false, invalid("status", "only active subscriptions can be cancelled, current status is %s", sub.Status)
	}
	if sub.CancelAtPeriodEnd {
		return sub.Clone(), false, nil
	}

	next := sub.Clone()
	next.CancelAtPeriodEnd = true
	next.CancellationReason = reason
	if next.BillingCycle != CycleYearly {
		next.IsRecurring = false
	}
	next.UpdatedAt = now
	return next, true, nil
}

// Reactivate withdraws a pending cancellation. is_recurring is recomputed
// from the cycle and payment method. Returns false when nothing changed.
func Reactivate(sub *Subscription, tier *tiers.Tier, now time.Time) (*Subscription, bool, error) {
	if sub.Status != StatusActive {
		return nil, false, invalid("status", "only active subscriptions can be reactivated, current status is %s", sub.Status)
	}
	if !sub.CancelAtPeriodEnd {
		return sub.Clone(), false, nil
	}

	next := sub.Clone()
	next.CancelAtPeriodEnd = false
	next.CancellationReason = ""
	next.IsRecurring = IsRecurringFor(next.BillingCycle, next.PaymentMethodClass, tier.IsDefault)
	next.UpdatedAt = now
	return next, true, nil
}

// SelectScope performs the one-time scope selection. Once set the selection
// is locked until a tier change clears it.
func SelectScope(sub *Subscription, tier *tiers.Tier, scopeIDs []string, now time.Time) (*Subscription, error) {
	if !tier.CanSelectScope {
		return nil, invalid("scope_ids", "tier %s does not allow scope selection", tier.ID)
	}
	if !sub.IsCurrent() {
		return nil, invalid("status", "subscription %s is %s", sub.ID, sub.Status)
	}
	if sub.ScopeSelected() {
		return nil, &ConflictError{AccountID: sub.AccountID, Reason: ConflictScopeLocked, Err: ErrScopeLocked}
	}
	if len(scopeIDs) == 0 {
		return nil, invalid("scope_ids", "at least one scope id is required")
	}
	if tier.MaxSelectableCategories > 0 && len(scopeIDs) > tier.MaxSelectableCategories {
		return nil, invalid("scope_ids", "at most %d scope ids may be selected, got %d", tier.MaxSelectableCategories, len(scopeIDs))
	}

	seen := make(map[string]struct{}, len(scopeIDs))
	ids := make([]string, 0, len(scopeIDs))
	for _, id := range scopeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, invalid("scope_ids", "scope ids must not be blank")
		}
		if _, dup := seen[id]; dup {
			return nil, invalid("scope_ids", "duplicate scope id %s", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	next := sub.Clone()
	next.SelectedScopeIDs = ids
	next.UpdatedAt = now
	return next, nil
}

// Suspend marks the row suspended after a failed payment. The default tier
// is never suspended. Returns false when nothing changed.
func Suspend(sub *Subscription, tier *tiers.Tier, reason string, now time.Time) (*Subscription, bool, error) {
	if tier.IsDefault || sub.Status == StatusSuspended {
		return sub.Clone(), false, nil
	}
	if err := checkTransition(sub, StatusSuspended); err != nil {
		return nil, false, err
	}
	next := sub.Clone()
	next.Status = StatusSuspended
	next.SuspensionReason = reason
	next.UpdatedAt = now
	return next, true, nil
}

// Expire closes the row and builds the default-tier row that replaces it.
// Both must be written in the same transaction, closed row first.
func Expire(sub *Subscription, defaultTier *tiers.Tier, now time.Time) (closed, fresh *Subscription, err error) {
	to := StatusExpired
	if sub.CancelAtPeriodEnd {
		to = StatusCancelled
	}
	if err := checkTransition(sub, to); err != nil {
		return nil, nil, err
	}

	closed = sub.Clone()
	closed.Status = to
	closed.IsRecurring = false
	closed.UpdatedAt = now

	fresh, err = NewSubscription(sub.AccountID, defaultTier, DefaultCycle(defaultTier), MethodNone, now)
	if err != nil {
		return nil, nil, err
	}
	return closed, fresh, nil
}

// NeedsRollover reports whether the row's usage period has ended and should
// be refreshed in place
func NeedsRollover(sub *Subscription, isDefaultTier bool, now time.Time) bool {
	if sub.Status != StatusActive || sub.PeriodEnd.After(now) {
		return false
	}
	if isDefaultTier {
		return true
	}
	switch sub.BillingCycle {
	case CycleLifetime:
		return true
	case CycleYearly:
		return sub.SubscriptionEnd == nil || sub.SubscriptionEnd.After(now)
	default:
		return sub.IsRecurring && !sub.CancelAtPeriodEnd
	}
}

// NeedsExpiry reports whether the row should be downgraded to the default
// tier. It never overlaps with NeedsRollover.
func NeedsExpiry(sub *Subscription, isDefaultTier bool, now time.Time) bool {
	if isDefaultTier || !sub.IsCurrent() {
		return false
	}
	if sub.Status == StatusSuspended {
		return !sub.PeriodEnd.After(now)
	}
	switch sub.BillingCycle {
	case CycleLifetime:
		return false
	case CycleYearly:
		return sub.SubscriptionEnd != nil && !sub.SubscriptionEnd.After(now)
	default:
		return !sub.PeriodEnd.After(now) && (sub.CancelAtPeriodEnd || !sub.IsRecurring)
	}
}

// Rollover resets the period counters and advances the period until it
// covers now, catching up on missed boundaries
func Rollover(sub *Subscription, now time.Time) *Subscription {
	next := sub.Clone()
	resetUsage(next)
	for !next.PeriodEnd.After(now) {
		start := next.PeriodEnd
		end := NextPeriodEnd(start, next.BillingCycle, next.SubscriptionEnd)
		if !end.After(start) {
			break
		}
		next.PeriodStart = start
		next.PeriodEnd = end
	}
	next.UpdatedAt = now
	return next
}
