// Package subscriptions holds the subscription record and the pure transition
// rules that move it through its lifecycle.
//
// # Overview
//
// An account holds at most one current subscription (status active or
// suspended). Payments, user requests and the periodic rollover jobs change
// it; cancelled and expired rows stay behind as history and a fresh row takes
// over.
//
// Every rule in this package is a pure function of the current row, the
// tier definitions and the time passed in. Rules return a modified copy and
// never touch their input, so a rule that fails validation leaves nothing to
// undo. Persistence and locking live in the storage and billing packages.
//
// # Lifecycle
//
//	active ──cancel──▶ active+cancel_at_period_end ──expiry──▶ cancelled
//	   │                        │
//	   │◀──────reactivate───────┘
//	   ├──payment failed──▶ suspended ──payment──▶ active
//	   └──term ended──────────────────────────────▶ expired
//
// Expiry always inserts a new default-tier row in the same transaction as
// the status flip.
//
// # Yearly Terms
//
// Yearly subscriptions are prepaid. They reset usage monthly until
// subscription_end, keep is_recurring set after a cancellation, and expire
// on subscription_end rather than period_end.
//
// # Errors
//
// ValidationError, ConflictError, NotFoundError, ConfigurationError and
// QuotaExceededError are matched with errors.As or the Is* helpers.
package subscriptions
