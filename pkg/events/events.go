package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// TypeSubscriptionTransitioned is the outbox type of SubscriptionTransitioned
const TypeSubscriptionTransitioned = "subscription.transitioned"

// SubscriptionTransitioned is emitted whenever an account's tier or
// subscription status changes
type SubscriptionTransitioned struct {
	EventID        string                         `json:"event_id"`
	AccountID      string                         `json:"account_id"`
	SubscriptionID string                         `json:"subscription_id"`
	OldTier        string                         `json:"old_tier,omitempty"`
	NewTier        string                         `json:"new_tier"`
	OldStatus      subscriptions.Status           `json:"old_status,omitempty"`
	NewStatus      subscriptions.Status           `json:"new_status"`
	Reason         subscriptions.TransitionReason `json:"reason"`
	OccurredAt     time.Time                      `json:"occurred_at"`
}

// Transition builds the event for a row moving from old to next. old is nil
// when the account had no current row.
func Transition(old, next *subscriptions.Subscription, reason subscriptions.TransitionReason, at time.Time) *SubscriptionTransitioned {
	ev := &SubscriptionTransitioned{
		EventID:        uuid.NewString(),
		AccountID:      next.AccountID,
		SubscriptionID: next.ID,
		NewTier:        next.TierID,
		NewStatus:      next.Status,
		Reason:         reason,
		OccurredAt:     at,
	}
	if old != nil {
		ev.OldTier = old.TierID
		ev.OldStatus = old.Status
	}
	return ev
}

// NewTransitionMessage wraps ev for the outbox
func NewTransitionMessage(ev *SubscriptionTransitioned) (*storage.OutboxMessage, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transition event: %w", err)
	}
	return &storage.OutboxMessage{
		ID:            ev.EventID,
		Type:          TypeSubscriptionTransitioned,
		AccountID:     ev.AccountID,
		Payload:       payload,
		CreatedAt:     ev.OccurredAt,
		NextAttemptAt: ev.OccurredAt,
	}, nil
}

// DecodeTransition parses an outbox message produced by NewTransitionMessage
func DecodeTransition(msg *storage.OutboxMessage) (*SubscriptionTransitioned, error) {
	if msg.Type != TypeSubscriptionTransitioned {
		return nil, fmt.Errorf("unexpected outbox message type %q", msg.Type)
	}
	var ev SubscriptionTransitioned
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode transition event %s: %w", msg.ID, err)
	}
	return &ev, nil
}

// Append queues the transition from old to next on tx's outbox, so the event
// commits or rolls back together with the change that produced it
func Append(ctx context.Context, tx storage.Tx, old, next *subscriptions.Subscription, reason subscriptions.TransitionReason, at time.Time) (*SubscriptionTransitioned, error) {
	ev := Transition(old, next, reason, at)
	msg, err := NewTransitionMessage(ev)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendOutbox(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append transition event: %w", err)
	}
	return ev, nil
}
