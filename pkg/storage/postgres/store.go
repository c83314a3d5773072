package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/tally/pkg/storage/postgres")

const subscriptionColumns = `id, account_id, tier_id, status, billing_cycle, payment_method_class,
	is_recurring, cancel_at_period_end, cancellation_reason, suspension_reason,
	period_start, period_end, subscription_end,
	resource_cost_used_current_period, resource_count_used_current_period, accessed_resource_ids,
	resource_limit_override, selected_scope_ids, last_payment_at, created_at, updated_at`

const usageColumns = `id, account_id, subscription_id, request_id, provider, model,
	input_units, output_units, input_unit_price, output_unit_price, cost, category, created_at`

// Store implements storage.Store on PostgreSQL. Account transactions hold a
// transaction-scoped advisory lock on the account plus a row lock on its
// current subscription.
type Store struct {
	db    *sql.DB
	reads func() *sql.DB
	log   logrus.FieldLogger
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a Store on an open database handle
func NewStore(db *sql.DB, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{db: db, log: log.WithField("component", "postgres-store")}
	s.reads = s.DB
	return s
}

// WithReplicas sends history and usage listings to pick, typically
// ConnectionManager.Replica. Anything that feeds a decision stays on the
// primary.
func (s *Store) WithReplicas(pick func() *sql.DB) *Store {
	if pick != nil {
		s.reads = pick
	}
	return s
}

// DB returns the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// mapError turns retryable Postgres failures into storage.ErrConflict
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"23505": // unique_violation
			return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Message)
		}
	}
	return err
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(sqlTx); err != nil {
		return mapError(err)
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// WithAccount runs fn in a transaction holding the account's advisory lock
func (s *Store) WithAccount(ctx context.Context, accountID string, fn func(tx storage.Tx) error) error {
	ctx, span := tracer.Start(ctx, "Store.WithAccount",
		trace.WithAttributes(attribute.String("account.id", accountID)),
	)
	defer span.End()

	err := inTx(ctx, s.db, func(sqlTx *sql.Tx) error {
		if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
			return fmt.Errorf("failed to lock account %s: %w", accountID, err)
		}
		return fn(&pgTx{tx: sqlTx, accountID: accountID})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account transaction failed")
	}
	return err
}

const rolloverPredicate = `status = 'active' AND period_end <= $1 AND (
		tier_id = $2
		OR billing_cycle = 'lifetime'
		OR (billing_cycle = 'yearly' AND (subscription_end IS NULL OR subscription_end > $1))
		OR (billing_cycle IN ('daily', 'monthly') AND is_recurring AND NOT cancel_at_period_end)
	)`

const expiryPredicate = `tier_id <> $2 AND (
		(status = 'suspended' AND period_end <= $1)
		OR (status = 'active' AND billing_cycle = 'yearly' AND subscription_end IS NOT NULL AND subscription_end <= $1)
		OR (status = 'active' AND billing_cycle IN ('daily', 'monthly') AND period_end <= $1
			AND (cancel_at_period_end OR NOT is_recurring))
	)`

func claimQuery(kind storage.ClaimKind) (string, error) {
	var predicate string
	switch kind {
	case storage.ClaimRollover:
		predicate = rolloverPredicate
	case storage.ClaimExpiry:
		predicate = expiryPredicate
	default:
		return "", fmt.Errorf("unknown claim kind %q", kind)
	}
	return `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE ` + predicate + `
		  AND NOT (account_id = ANY($3))
		ORDER BY period_end, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, nil
}

// ClaimNext locks the next due row. Rows locked by other workers are
// skipped; so are accounts whose advisory lock is held by an account
// transaction, which would otherwise wait on this row. The returned bool
// reports whether fn ran.
func (s *Store) ClaimNext(ctx context.Context, claim storage.Claim, fn func(tx storage.Tx, sub *subscriptions.Subscription) error) (bool, error) {
	query, err := claimQuery(claim.Kind)
	if err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "Store.ClaimNext",
		trace.WithAttributes(attribute.String("claim.kind", string(claim.Kind))),
	)
	defer span.End()

	skip := append([]string{}, claim.Exclude...)
	for {
		var claimed, busy bool
		err := inTx(ctx, s.db, func(sqlTx *sql.Tx) error {
			sub, err := scanSubscription(sqlTx.QueryRowContext(ctx, query, claim.Now, claim.DefaultTierID, pq.Array(skip)))
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to claim subscription: %w", err)
			}

			var locked bool
			if err := sqlTx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, sub.AccountID).Scan(&locked); err != nil {
				return fmt.Errorf("failed to lock account %s: %w", sub.AccountID, err)
			}
			if !locked {
				busy = true
				skip = append(skip, sub.AccountID)
				return nil
			}

			claimed = true
			span.SetAttributes(attribute.String("account.id", sub.AccountID))
			return fn(&pgTx{tx: sqlTx, accountID: sub.AccountID}, sub)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
			return claimed, err
		}
		if busy {
			s.log.WithField("account_id", skip[len(skip)-1]).Debug("account busy, skipping")
			continue
		}
		return claimed, nil
	}
}

// GetCurrent reads the account's current row without locking it
func (s *Store) GetCurrent(ctx context.Context, accountID string) (*subscriptions.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1 AND status IN ('active', 'suspended')`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// History returns every row of the account, newest first
func (s *Store) History(ctx context.Context, accountID string) ([]*subscriptions.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1
		ORDER BY created_at DESC, id`
	rows, err := s.reads().QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscriptions.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ListUsageEvents returns events matching q ordered by creation time
func (s *Store) ListUsageEvents(ctx context.Context, q storage.UsageQuery) ([]*metering.UsageEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.AccountID != "" {
		add("account_id = $%d", q.AccountID)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at < $%d", q.To)
	}

	query := `SELECT ` + usageColumns + ` FROM usage_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.reads().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	var out []*metering.UsageEvent
	for rows.Next() {
		ev, err := scanUsageEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PendingOutbox returns undelivered messages due at now
func (s *Store) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*storage.OutboxMessage, error) {
	query := `
		SELECT id, type, account_id, payload, created_at, attempts, last_error, next_attempt_at, delivered_at
		FROM outbox
		WHERE delivered_at IS NULL AND next_attempt_at <= $1
		ORDER BY created_at, id
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []*storage.OutboxMessage
	for rows.Next() {
		m := &storage.OutboxMessage{}
		var delivered sql.NullTime
		if err := rows.Scan(&m.ID, &m.Type, &m.AccountID, &m.Payload, &m.CreatedAt,
			&m.Attempts, &m.LastError, &m.NextAttemptAt, &delivered); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if delivered.Valid {
			m.DeliveredAt = &delivered.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkOutboxDelivered records a successful delivery
func (s *Store) MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET delivered_at = $2, attempts = attempts + 1, last_error = '' WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message delivered: %w", err)
	}
	return expectOne(res)
}

// MarkOutboxFailed records a failed delivery attempt
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3 WHERE id = $1`,
		id, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	return expectOne(res)
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scanner) (*subscriptions.Subscription, error) {
	var (
		sub                   subscriptions.Subscription
		status, cycle, method string
		subEnd, lastPayment   sql.NullTime
		override              decimal.NullDecimal
		accessed, scope       pq.StringArray
	)
	err := row.Scan(
		&sub.ID, &sub.AccountID, &sub.TierID, &status, &cycle, &method,
		&sub.IsRecurring, &sub.CancelAtPeriodEnd, &sub.CancellationReason, &sub.SuspensionReason,
		&sub.PeriodStart, &sub.PeriodEnd, &subEnd,
		&sub.ResourceCostUsed, &sub.ResourceCountUsed, &accessed,
		&override, &scope, &lastPayment, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = subscriptions.Status(status)
	sub.BillingCycle = subscriptions.BillingCycle(cycle)
	sub.PaymentMethodClass = subscriptions.PaymentMethodClass(method)
	if subEnd.Valid {
		sub.SubscriptionEnd = &subEnd.Time
	}
	if lastPayment.Valid {
		sub.LastPaymentAt = &lastPayment.Time
	}
	if override.Valid {
		d := override.Decimal
		sub.ResourceLimitOverride = &d
	}
	if len(accessed) > 0 {
		sub.AccessedResourceIDs = []string(accessed)
	}
	if scope != nil {
		sub.SelectedScopeIDs = []string(scope)
	}
	return &sub, nil
}

func scanUsageEvent(row scanner) (*metering.UsageEvent, error) {
	ev := &metering.UsageEvent{}
	var category string
	err := row.Scan(
		&ev.ID, &ev.AccountID, &ev.SubscriptionID, &ev.RequestID, &ev.Provider, &ev.Model,
		&ev.InputUnits, &ev.OutputUnits, &ev.InputUnitPrice, &ev.OutputUnitPrice, &ev.Cost,
		&category, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Category = metering.Category(category)
	return ev, nil
}
