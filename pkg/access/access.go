package access

import (
	"time"

	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/shopspring/decimal"
)

// Action is what the caller wants to do with a resource
type Action string

const (
	// ActionChat consumes metered assistant usage
	ActionChat Action = "chat"
	// ActionIngest consumes metered ingestion usage
	ActionIngest Action = "ingest"
	// ActionOpen touches a distinct resource, counted once per period
	ActionOpen Action = "open"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	return a == ActionChat || a == ActionIngest || a == ActionOpen
}

// Deny reasons
const (
	ReasonNoSubscription  = "no active subscription"
	ReasonSuspended       = "subscription suspended"
	ReasonPremiumRequired = "premium feature required"
	ReasonScopeNotChosen  = "scope not selected"
	ReasonOutsideScope    = "resource outside selected scope"
	ReasonUsageLimit      = "usage limit reached"
	ReasonResourceLimit   = "resource limit reached"

	ReasonUnlimited     = "unlimited"
	ReasonWithinLimit   = "within limit"
	ReasonAlreadyOpened = "already accessed this period"
)

// Resource is the static description of what is being accessed
type Resource struct {
	ID       string   `json:"id,omitempty"`
	ScopeIDs []string `json:"scope_ids,omitempty"`
	Premium  bool     `json:"premium,omitempty"`
}

// Decision is the outcome of an access check. Limits are nil when unlimited.
type Decision struct {
	Allowed        bool             `json:"allowed"`
	Reason         string           `json:"reason"`
	Limit          *decimal.Decimal `json:"limit,omitempty"`
	Remaining      *decimal.Decimal `json:"remaining,omitempty"`
	CountLimit     *int64           `json:"count_limit,omitempty"`
	CountRemaining *int64           `json:"count_remaining,omitempty"`
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Evaluate decides whether action on res is allowed for the subscription.
// It reads only the row snapshot and tier passed in and never mutates them.
func Evaluate(sub *subscriptions.Subscription, tier *tiers.Tier, res Resource, action Action, now time.Time) Decision {
	if sub == nil || tier == nil || !sub.IsCurrent() {
		return deny(ReasonNoSubscription)
	}
	if sub.Status == subscriptions.StatusSuspended {
		return deny(ReasonSuspended)
	}
	if res.Premium && !tier.HasPremiumFeatureAccess {
		return deny(ReasonPremiumRequired)
	}
	if tier.CanSelectScope && (res.ID != "" || len(res.ScopeIDs) > 0) {
		if !sub.ScopeSelected() {
			return deny(ReasonScopeNotChosen)
		}
		if !intersects(sub.SelectedScopeIDs, res.ScopeIDs) {
			return deny(ReasonOutsideScope)
		}
	}

	costLimit := subscriptions.EffectiveCostLimit(sub, tier)
	countLimit := tier.ResourceCountLimitPerPeriod
	if costLimit == nil && countLimit == nil {
		return Decision{Allowed: true, Reason: ReasonUnlimited}
	}

	d := Decision{Allowed: true, Reason: ReasonWithinLimit}
	if costLimit != nil {
		limit := *costLimit
		remaining := decimal.Max(limit.Sub(sub.ResourceCostUsed), decimal.Zero)
		d.Limit, d.Remaining = &limit, &remaining
	}
	if countLimit != nil {
		limit := *countLimit
		remaining := limit - sub.ResourceCountUsed
		if remaining < 0 {
			remaining = 0
		}
		d.CountLimit, d.CountRemaining = &limit, &remaining
	}

	switch action {
	case ActionOpen:
		if res.ID != "" && sub.HasAccessed(res.ID) {
			d.Reason = ReasonAlreadyOpened
			return d
		}
		if countLimit != nil && sub.ResourceCountUsed >= *countLimit {
			d.Allowed, d.Reason = false, ReasonResourceLimit
		}
	default:
		if costLimit != nil && sub.ResourceCostUsed.GreaterThanOrEqual(*costLimit) {
			d.Allowed, d.Reason = false, ReasonUsageLimit
		}
	}
	return d
}

func intersects(selected, scopes []string) bool {
	for _, s := range scopes {
		for _, sel := range selected {
			if s == sel {
				return true
			}
		}
	}
	return false
}
