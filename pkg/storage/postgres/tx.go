package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/shopspring/decimal"
)

// pgTx is the storage.Tx of one locked account
type pgTx struct {
	tx        *sql.Tx
	accountID string
}

func (t *pgTx) checkAccount(accountID string) error {
	if accountID != t.accountID {
		return fmt.Errorf("row of account %s written in transaction of account %s", accountID, t.accountID)
	}
	return nil
}

func (t *pgTx) Current(ctx context.Context) (*subscriptions.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1 AND status IN ('active', 'suspended')
		FOR UPDATE`
	sub, err := scanSubscription(t.tx.QueryRowContext(ctx, query, t.accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current subscription: %w", err)
	}
	return sub, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func subscriptionArgs(sub *subscriptions.Subscription) []interface{} {
	return []interface{}{
		sub.ID, sub.AccountID, sub.TierID, string(sub.Status), string(sub.BillingCycle), string(sub.PaymentMethodClass),
		sub.IsRecurring, sub.CancelAtPeriodEnd, sub.CancellationReason, sub.SuspensionReason,
		sub.PeriodStart, sub.PeriodEnd, sub.SubscriptionEnd,
		sub.ResourceCostUsed, sub.ResourceCountUsed, pq.Array(nonNil(sub.AccessedResourceIDs)),
		nullDecimal(sub.ResourceLimitOverride), pq.Array(sub.SelectedScopeIDs), sub.LastPaymentAt,
		sub.CreatedAt, sub.UpdatedAt,
	}
}

func (t *pgTx) Insert(ctx context.Context, sub *subscriptions.Subscription) error {
	if err := t.checkAccount(sub.AccountID); err != nil {
		return err
	}
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	if _, err := t.tx.ExecContext(ctx, query, subscriptionArgs(sub)...); err != nil {
		return fmt.Errorf("failed to insert subscription: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, sub *subscriptions.Subscription) error {
	if err := t.checkAccount(sub.AccountID); err != nil {
		return err
	}
	query := `
		UPDATE subscriptions
		SET tier_id = $3, status = $4, billing_cycle = $5, payment_method_class = $6,
		    is_recurring = $7, cancel_at_period_end = $8, cancellation_reason = $9, suspension_reason = $10,
		    period_start = $11, period_end = $12, subscription_end = $13,
		    resource_cost_used_current_period = $14, resource_count_used_current_period = $15,
		    accessed_resource_ids = $16, resource_limit_override = $17, selected_scope_ids = $18,
		    last_payment_at = $19, created_at = $20, updated_at = $21
		WHERE id = $1 AND account_id = $2
	`
	args := subscriptionArgs(sub)
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", mapError(err))
	}
	return expectOne(res)
}

func (t *pgTx) RecordPaymentEvent(ctx context.Context, ev storage.PaymentEvent) (bool, error) {
	query := `
		INSERT INTO processed_payment_events (provider, external_event_id, account_id, kind, applied_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, external_event_id) DO NOTHING
	`
	res, err := t.tx.ExecContext(ctx, query, ev.Provider, ev.ExternalID, ev.AccountID, ev.Kind, ev.AppliedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record payment event: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) GetUsageEvent(ctx context.Context, requestID string) (*metering.UsageEvent, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_events WHERE request_id = $1`
	ev, err := scanUsageEvent(t.tx.QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage event: %w", err)
	}
	return ev, nil
}

func (t *pgTx) InsertUsageEvent(ctx context.Context, ev *metering.UsageEvent) error {
	if err := t.checkAccount(ev.AccountID); err != nil {
		return err
	}
	query := `INSERT INTO usage_events (` + usageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := t.tx.ExecContext(ctx, query,
		ev.ID, ev.AccountID, ev.SubscriptionID, ev.RequestID, ev.Provider, ev.Model,
		ev.InputUnits, ev.OutputUnits, ev.InputUnitPrice, ev.OutputUnitPrice, ev.Cost,
		string(ev.Category), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, msg *storage.OutboxMessage) error {
	query := `
		INSERT INTO outbox (id, type, account_id, payload, created_at, attempts, last_error, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6)
	`
	_, err := t.tx.ExecContext(ctx, query, msg.ID, msg.Type, msg.AccountID, string(msg.Payload), msg.CreatedAt, msg.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to append outbox message: %w", mapError(err))
	}
	return nil
}
