package rollover

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tiers"
)

// ApplyRollover refreshes sub's period in place and writes it through tx
func ApplyRollover(ctx context.Context, tx storage.Tx, sub *subscriptions.Subscription, now time.Time) (*subscriptions.Subscription, error) {
	next := subscriptions.Rollover(sub, now)
	if err := tx.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to roll over subscription %s: %w", sub.ID, err)
	}
	return next, nil
}

// ApplyExpiry closes sub, inserts the default-tier row replacing it and
// queues the transition event. It returns the new current row.
func ApplyExpiry(ctx context.Context, tx storage.Tx, sub *subscriptions.Subscription, defaultTier *tiers.Tier, now time.Time) (*subscriptions.Subscription, error) {
	closed, fresh, err := subscriptions.Expire(sub, defaultTier, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Update(ctx, closed); err != nil {
		return nil, fmt.Errorf("failed to close subscription %s: %w", sub.ID, err)
	}
	if err := tx.Insert(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to insert default subscription for %s: %w", sub.AccountID, err)
	}
	if _, err := events.Append(ctx, tx, sub, fresh, subscriptions.ReasonExpired, now); err != nil {
		return nil, err
	}
	return fresh, nil
}
