package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tally/pkg/access"
	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/rollover"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tiers"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 10 * time.Millisecond

	defaultUsageLimit = 100
	maxUsageLimit     = 1000

	defaultSuspensionReason = "payment_failed"
)

// Engine applies payments, usage and account requests to subscriptions.
// Every write runs inside a store account transaction so concurrent calls
// for one account serialize.
type Engine struct {
	store     storage.Store
	catalog   tiers.Catalog
	prices    *metering.PriceBook
	converter *metering.Converter
	metrics   *observability.Metrics
	log       logrus.FieldLogger
	now       func() time.Time

	maxRetries int
	retryDelay time.Duration
}

var _ Service = (*Engine)(nil)

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics records business metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPriceBook sets the prices used when a usage report carries none
func WithPriceBook(b *metering.PriceBook) Option {
	return func(e *Engine) { e.prices = b }
}

// WithConverter sets the display unit conversion
func WithConverter(c *metering.Converter) Option {
	return func(e *Engine) { e.converter = c }
}

// WithRetry sets how often a conflicting account transaction is retried
// and the initial backoff between attempts
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.retryDelay = delay
	}
}

// NewEngine creates a billing engine
func NewEngine(store storage.Store, catalog tiers.Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		catalog:    catalog,
		converter:  metering.DefaultConverter(),
		log:        logrus.StandardLogger(),
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func (e *Engine) logger(ctx context.Context) logrus.FieldLogger {
	return observability.FromContext(ctx, e.log)
}

func (e *Engine) startSpan(ctx context.Context, op, accountID string) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "billing."+op,
		trace.WithAttributes(attribute.String("tally.account_id", accountID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// txn is one attempt of an account transaction. Transitions are collected
// so metrics are only recorded for the attempt that committed.
type txn struct {
	storage.Tx
	reasons []subscriptions.TransitionReason
}

func (t *txn) transition(ctx context.Context, old, next *subscriptions.Subscription, reason subscriptions.TransitionReason, now time.Time) error {
	if _, err := events.Append(ctx, t.Tx, old, next, reason, now); err != nil {
		return err
	}
	t.reasons = append(t.reasons, reason)
	return nil
}

// inAccount runs fn in an account transaction, retrying storage conflicts
// with exponential backoff
func (e *Engine) inAccount(ctx context.Context, accountID string, fn func(t *txn) error) error {
	var last *txn
	delay := e.retryDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = e.store.WithAccount(ctx, accountID, func(tx storage.Tx) error {
			last = &txn{Tx: tx}
			return fn(last)
		})
		if err == nil {
			if last != nil {
				for _, reason := range last.reasons {
					e.metrics.ObserveTransition(string(reason))
				}
			}
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= e.maxRetries {
			break
		}
		e.logger(ctx).WithFields(logrus.Fields{
			"account_id": accountID,
			"attempt":    attempt + 1,
		}).WithError(err).Debug("Account transaction conflicted, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if errors.Is(err, storage.ErrConflict) {
		return &subscriptions.ConflictError{AccountID: accountID, Reason: subscriptions.ConflictConcurrentUpdate, Err: err}
	}
	return err
}

func (e *Engine) configError(ctx context.Context, msg string, err error) error {
	e.logger(ctx).WithError(err).Error(msg)
	return &subscriptions.ConfigurationError{Message: msg, Err: err}
}

// requestedTier resolves a tier named by a caller
func (e *Engine) requestedTier(ctx context.Context, id string) (*tiers.Tier, error) {
	tier, err := e.catalog.GetTier(ctx, id)
	if errors.Is(err, tiers.ErrTierNotFound) {
		return nil, &subscriptions.ValidationError{Field: "tier_id", Message: fmt.Sprintf("unknown tier %q", id), Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tier %s: %w", id, err)
	}
	return tier, nil
}

// tierOf resolves the tier a stored row points at
func (e *Engine) tierOf(ctx context.Context, sub *subscriptions.Subscription) (*tiers.Tier, error) {
	tier, err := e.catalog.GetTier(ctx, sub.TierID)
	if errors.Is(err, tiers.ErrTierNotFound) {
		return nil, e.configError(ctx, fmt.Sprintf("subscription %s references unknown tier %s", sub.ID, sub.TierID), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tier %s: %w", sub.TierID, err)
	}
	return tier, nil
}

func (e *Engine) defaultTier(ctx context.Context) (*tiers.Tier, error) {
	tier, err := e.catalog.DefaultTier(ctx)
	if errors.Is(err, tiers.ErrNoDefaultTier) {
		return nil, e.configError(ctx, "no default tier configured", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default tier: %w", err)
	}
	return tier, nil
}

// current loads the account's row inside the transaction and settles a due
// rollover or expiry first. With create set an account without a row is
// given the default tier; otherwise it is NotFound.
func (e *Engine) current(ctx context.Context, t *txn, accountID string, now time.Time, create bool) (*subscriptions.Subscription, *tiers.Tier, error) {
	sub, err := t.Current(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		if !create {
			return nil, nil, &subscriptions.NotFoundError{What: "subscription", ID: accountID}
		}
		return e.assignDefault(ctx, t, accountID, now)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return e.settle(ctx, t, sub, now)
}

// settle applies a rollover or expiry that is due at now, so a write
// always works on the period now falls in
func (e *Engine) settle(ctx context.Context, t *txn, sub *subscriptions.Subscription, now time.Time) (*subscriptions.Subscription, *tiers.Tier, error) {
	tier, err := e.tierOf(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case subscriptions.NeedsRollover(sub, tier.IsDefault, now):
		next, err := rollover.ApplyRollover(ctx, t, sub, now)
		return next, tier, err
	case subscriptions.NeedsExpiry(sub, tier.IsDefault, now):
		def, err := e.defaultTier(ctx)
		if err != nil {
			return nil, nil, err
		}
		fresh, err := rollover.ApplyExpiry(ctx, t, sub, def, now)
		if err != nil {
			return nil, nil, err
		}
		t.reasons = append(t.reasons, subscriptions.ReasonExpired)
		return fresh, def, nil
	}
	return sub, tier, nil
}

func (e *Engine) assignDefault(ctx context.Context, t *txn, accountID string, now time.Time) (*subscriptions.Subscription, *tiers.Tier, error) {
	def, err := e.defaultTier(ctx)
	if err != nil {
		return nil, nil, err
	}
	sub, err := subscriptions.NewSubscription(accountID, def, subscriptions.DefaultCycle(def), subscriptions.MethodNone, now)
	if err != nil {
		return nil, nil, err
	}
	if err := t.Insert(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to create default subscription: %w", err)
	}
	if err := t.transition(ctx, nil, sub, subscriptions.ReasonDefaultAssigned, now); err != nil {
		return nil, nil, err
	}
	return sub, def, nil
}

// project returns what the row will look like once a due boundary is
// settled, without writing anything
func (e *Engine) project(ctx context.Context, sub *subscriptions.Subscription, tier *tiers.Tier, now time.Time) (*subscriptions.Subscription, *tiers.Tier, error) {
	switch {
	case subscriptions.NeedsRollover(sub, tier.IsDefault, now):
		return subscriptions.Rollover(sub, now), tier, nil
	case subscriptions.NeedsExpiry(sub, tier.IsDefault, now):
		def, err := e.defaultTier(ctx)
		if err != nil {
			return nil, nil, err
		}
		_, fresh, err := subscriptions.Expire(sub, def, now)
		if err != nil {
			return nil, nil, err
		}
		return fresh, def, nil
	}
	return sub, tier, nil
}

func (e *Engine) view(sub *subscriptions.Subscription, tier *tiers.Tier) *SubscriptionView {
	v := &SubscriptionView{
		Subscription:     sub,
		Tier:             tier,
		State:            sub.State(),
		DisplayUnitsUsed: e.converter.DollarsToTokens(sub.ResourceCostUsed),
	}
	if limit := subscriptions.EffectiveCostLimit(sub, tier); limit != nil {
		l := *limit
		remaining := decimal.Max(l.Sub(sub.ResourceCostUsed), decimal.Zero)
		units := e.converter.DollarsToTokens(remaining)
		v.EffectiveCostLimit = &l
		v.RemainingCost = &remaining
		v.DisplayUnitsRemaining = &units
	}
	return v
}

// HandlePaymentCompleted creates, renews or changes the tier of the
// account's subscription. A provider event seen before is acknowledged
// without changes.
func (e *Engine) HandlePaymentCompleted(ctx context.Context, ev PaymentCompleted) (res *PaymentResult, err error) {
	ctx, span := e.startSpan(ctx, "HandlePaymentCompleted", ev.AccountID)
	defer func() { endSpan(span, err) }()

	if err := validateStruct(ev); err != nil {
		return nil, err
	}
	tier, err := e.requestedTier(ctx, ev.TierID)
	if err != nil {
		return nil, err
	}
	now := e.clock()

	err = e.inAccount(ctx, ev.AccountID, func(t *txn) error {
		res = &PaymentResult{}
		first, err := t.RecordPaymentEvent(ctx, storage.PaymentEvent{
			Provider:   ev.Provider,
			ExternalID: ev.ExternalTxnID,
			AccountID:  ev.AccountID,
			Kind:       PaymentEventCompleted,
			AppliedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to record payment event: %w", err)
		}

		cur, err := t.Current(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load subscription: %w", err)
		}
		if !first {
			res.Duplicate = true
			res.Subscription = cur
			return nil
		}

		var curTier *tiers.Tier
		if cur != nil {
			if cur, curTier, err = e.settle(ctx, t, cur, now); err != nil {
				return err
			}
		}
		next, kind, err := subscriptions.ApplyPayment(cur, curTier, subscriptions.Payment{
			AccountID: ev.AccountID,
			Tier:      tier,
			Cycle:     ev.BillingCycle,
			Method:    ev.PaymentMethodClass,
			At:        now,
		})
		if err != nil {
			return err
		}
		if kind == subscriptions.PaymentCreate {
			err = t.Insert(ctx, next)
		} else {
			err = t.Update(ctx, next)
		}
		if err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		if err := t.transition(ctx, cur, next, kind.Reason(), now); err != nil {
			return err
		}
		res.Subscription = next
		res.Kind = kind
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := e.logger(ctx).WithFields(logrus.Fields{
		"account_id": ev.AccountID,
		"tier":       ev.TierID,
		"provider":   ev.Provider,
		"txn":        ev.ExternalTxnID,
	})
	if res.Duplicate {
		log.Info("Duplicate payment event ignored")
		return res, nil
	}
	e.metrics.ObservePayment(string(res.Kind))
	log.WithField("kind", res.Kind).Info("Payment applied")
	return res, nil
}

// HandlePaymentFailed suspends the account's subscription. The default
// tier is never suspended and an account without a subscription is left
// alone; the event is still recorded in the ledger.
func (e *Engine) HandlePaymentFailed(ctx context.Context, ev PaymentFailed) (res *PaymentResult, err error) {
	ctx, span := e.startSpan(ctx, "HandlePaymentFailed", ev.AccountID)
	defer func() { endSpan(span, err) }()

	if err := validateStruct(ev); err != nil {
		return nil, err
	}
	reason := ev.Reason
	if reason == "" {
		reason = defaultSuspensionReason
	}
	now := e.clock()

	err = e.inAccount(ctx, ev.AccountID, func(t *txn) error {
		res = &PaymentResult{}
		first, err := t.RecordPaymentEvent(ctx, storage.PaymentEvent{
			Provider:   ev.Provider,
			ExternalID: ev.ExternalTxnID,
			AccountID:  ev.AccountID,
			Kind:       PaymentEventFailed,
			AppliedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to record payment event: %w", err)
		}

		cur, err := t.Current(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			res.Duplicate = !first
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}
		res.Subscription = cur
		if !first {
			res.Duplicate = true
			return nil
		}

		cur, tier, err := e.settle(ctx, t, cur, now)
		if err != nil {
			return err
		}
		res.Subscription = cur
		next, changed, err := subscriptions.Suspend(cur, tier, reason, now)
		if err != nil || !changed {
			return err
		}
		if err := t.Update(ctx, next); err != nil {
			return fmt.Errorf("failed to suspend subscription: %w", err)
		}
		if err := t.transition(ctx, cur, next, subscriptions.ReasonSuspended, now); err != nil {
			return err
		}
		res.Subscription = next
		res.Suspended = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Duplicate {
		e.metrics.ObservePayment(PaymentEventFailed)
	}
	e.logger(ctx).WithFields(logrus.Fields{
		"account_id": ev.AccountID,
		"provider":   ev.Provider,
		"txn":        ev.ExternalTxnID,
		"suspended":  res.Suspended,
		"duplicate":  res.Duplicate,
	}).Warn("Payment failed")
	return res, nil
}

// pricing returns the unit prices of a usage report. Prices travel
// together; without them the price book must know the model.
func (e *Engine) pricing(req RecordUsageRequest) (metering.Pricing, error) {
	switch {
	case req.InputUnitPrice != nil && req.OutputUnitPrice != nil:
		return metering.Pricing{InputUnitPrice: *req.InputUnitPrice, OutputUnitPrice: *req.OutputUnitPrice}, nil
	case req.InputUnitPrice != nil || req.OutputUnitPrice != nil:
		return metering.Pricing{}, &subscriptions.ValidationError{
			Field:   "input_unit_price",
			Message: "input and output unit prices must be given together",
		}
	}
	if e.prices != nil {
		if p, ok := e.prices.Lookup(req.Provider, req.Model); ok {
			return p, nil
		}
	}
	return metering.Pricing{}, &subscriptions.ValidationError{
		Field:   "model",
		Message: fmt.Sprintf("no price known for %s/%s", req.Provider, req.Model),
	}
}

// RecordUsage prices a provider request and adds its cost to the period
// total. Usage is recorded even past the limit; gating happens in
// CanAccess. A repeated request id returns the original event.
func (e *Engine) RecordUsage(ctx context.Context, req RecordUsageRequest) (res *UsageResult, err error) {
	ctx, span := e.startSpan(ctx, "RecordUsage", req.AccountID)
	defer func() { endSpan(span, err) }()

	if err := validateStruct(req); err != nil {
		return nil, err
	}
	pricing, err := e.pricing(req)
	if err != nil {
		return nil, err
	}
	usage := metering.Usage{InputUnits: req.InputUnits, OutputUnits: req.OutputUnits}
	if err := metering.Validate(usage, pricing); err != nil {
		return nil, &subscriptions.ValidationError{Field: "usage", Message: err.Error(), Err: err}
	}
	category := req.Category
	if category == "" {
		category = metering.CategoryChat
	}
	cost := metering.Cost(usage, pricing)
	now := e.clock()

	err = e.inAccount(ctx, req.AccountID, func(t *txn) error {
		res = &UsageResult{}
		prev, err := t.GetUsageEvent(ctx, req.RequestID)
		switch {
		case err == nil:
			if prev.AccountID != req.AccountID {
				return &subscriptions.ValidationError{Field: "request_id", Message: "already used by another account"}
			}
			res.Event, res.Cost, res.Duplicate = prev, prev.Cost, true
			cur, err := t.Current(ctx)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load subscription: %w", err)
			}
			tier, err := e.tierOf(ctx, cur)
			if err != nil {
				return err
			}
			fillUsage(res, cur, tier)
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("failed to look up usage event: %w", err)
		}

		sub, tier, err := e.current(ctx, t, req.AccountID, now, true)
		if err != nil {
			return err
		}
		ev := &metering.UsageEvent{
			ID:              uuid.NewString(),
			AccountID:       req.AccountID,
			SubscriptionID:  sub.ID,
			RequestID:       req.RequestID,
			Provider:        req.Provider,
			Model:           req.Model,
			InputUnits:      req.InputUnits,
			OutputUnits:     req.OutputUnits,
			InputUnitPrice:  pricing.InputUnitPrice,
			OutputUnitPrice: pricing.OutputUnitPrice,
			Cost:            cost,
			Category:        category,
			CreatedAt:       now,
		}
		if err := t.InsertUsageEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to insert usage event: %w", err)
		}
		next := sub.Clone()
		next.ResourceCostUsed = next.ResourceCostUsed.Add(cost)
		next.UpdatedAt = now
		if err := t.Update(ctx, next); err != nil {
			return fmt.Errorf("failed to update usage total: %w", err)
		}
		res.Event, res.Cost = ev, cost
		fillUsage(res, next, tier)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.DisplayUnits = e.converter.DollarsToTokens(res.Cost)

	if !res.Duplicate {
		e.metrics.ObserveUsage(string(category), cost)
	}
	e.logger(ctx).WithFields(logrus.Fields{
		"account_id": req.AccountID,
		"request_id": req.RequestID,
		"model":      req.Model,
		"cost":       res.Cost.String(),
		"duplicate":  res.Duplicate,
	}).Debug("Usage recorded")
	return res, nil
}

func fillUsage(res *UsageResult, sub *subscriptions.Subscription, tier *tiers.Tier) {
	res.CostUsed = sub.ResourceCostUsed
	if limit := subscriptions.EffectiveCostLimit(sub, tier); limit != nil {
		l := *limit
		remaining := decimal.Max(l.Sub(sub.ResourceCostUsed), decimal.Zero)
		res.Limit = &l
		res.Remaining = &remaining
	}
}

// RecordResourceAccess counts a distinct resource against the period's
// count limit. Re-opening a resource already counted is free.
func (e *Engine) RecordResourceAccess(ctx context.Context, accountID, resourceID string) (res *AccessResult, err error) {
	ctx, span := e.startSpan(ctx, "RecordResourceAccess", accountID)
	defer func() { endSpan(span, err) }()

	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	if err := requireID("resource_id", resourceID); err != nil {
		return nil, err
	}
	now := e.clock()

	err = e.inAccount(ctx, accountID, func(t *txn) error {
		sub, tier, err := e.current(ctx, t, accountID, now, true)
		if err != nil {
			return err
		}
		res = &AccessResult{
			ResourceID: resourceID,
			CountUsed:  sub.ResourceCountUsed,
			CountLimit: tier.ResourceCountLimitPerPeriod,
		}
		if sub.HasAccessed(resourceID) {
			res.AlreadyAccessed = true
			return nil
		}
		if limit := tier.ResourceCountLimitPerPeriod; limit != nil && sub.ResourceCountUsed >= *limit {
			return &subscriptions.QuotaExceededError{
				Resource: "resources",
				Current:  decimal.NewFromInt(sub.ResourceCountUsed),
				Limit:    decimal.NewFromInt(*limit),
			}
		}
		next := sub.Clone()
		next.AccessedResourceIDs = append(next.AccessedResourceIDs, resourceID)
		next.ResourceCountUsed = int64(len(next.AccessedResourceIDs))
		next.UpdatedAt = now
		if err := t.Update(ctx, next); err != nil {
			return fmt.Errorf("failed to record resource access: %w", err)
		}
		res.CountUsed = next.ResourceCountUsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CanAccess decides whether the account may perform action on the
// resource. It never writes: a row past its boundary is evaluated as it
// will be once the boundary is settled.
func (e *Engine) CanAccess(ctx context.Context, accountID string, res access.Resource, action access.Action) (d access.Decision, err error) {
	ctx, span := e.startSpan(ctx, "CanAccess", accountID)
	defer func() { endSpan(span, err) }()

	if err := requireID("account_id", accountID); err != nil {
		return d, err
	}
	if !action.Valid() {
		return d, &subscriptions.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}
	now := e.clock()

	sub, err := e.store.GetCurrent(ctx, accountID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d = access.Evaluate(nil, nil, res, action, now)
	case err != nil:
		return d, fmt.Errorf("failed to load subscription: %w", err)
	default:
		tier, err := e.tierOf(ctx, sub)
		if err != nil {
			return d, err
		}
		sub, tier, err = e.project(ctx, sub, tier, now)
		if err != nil {
			return d, err
		}
		d = access.Evaluate(sub, tier, res, action, now)
	}

	e.metrics.ObserveAccessDecision(d.Allowed, d.Reason)
	span.SetAttributes(
		attribute.Bool("tally.allowed", d.Allowed),
		attribute.String("tally.reason", d.Reason),
	)
	return d, nil
}

// EnsureSubscription returns the account's subscription, assigning the
// default tier when it has none
func (e *Engine) EnsureSubscription(ctx context.Context, accountID string) (v *SubscriptionView, err error) {
	ctx, span := e.startSpan(ctx, "EnsureSubscription", accountID)
	defer func() { endSpan(span, err) }()

	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	now := e.clock()

	err = e.inAccount(ctx, accountID, func(t *txn) error {
		sub, tier, err := e.current(ctx, t, accountID, now, true)
		if err != nil {
			return err
		}
		v = e.view(sub, tier)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetSubscription returns the account's subscription without writing
func (e *Engine) GetSubscription(ctx context.Context, accountID string) (v *SubscriptionView, err error) {
	ctx, span := e.startSpan(ctx, "GetSubscription", accountID)
	defer func() { endSpan(span, err) }()

	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	sub, err := e.store.GetCurrent(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &subscriptions.NotFoundError{What: "subscription", ID: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	tier, err := e.tierOf(ctx, sub)
	if err != nil {
		return nil, err
	}
	sub, tier, err = e.project(ctx, sub, tier, e.clock())
	if err != nil {
		return nil, err
	}
	return e.view(sub, tier), nil
}

// RequestCancellation stops the subscription at the end of its period
// (or term, for yearly cycles)
func (e *Engine) RequestCancellation(ctx context.Context, accountID, reason string) (v *SubscriptionView, err error) {
	ctx, span := e.startSpan(ctx, "RequestCancellation", accountID)
	defer func() { endSpan(span, err) }()

	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	now := e.clock()

	err = e.inAccount(ctx, accountID, func(t *txn) error {
		sub, tier, err := e.current(ctx, t, accountID, now, false)
		if err != nil {
			return err
		}
		next, changed, err := subscriptions.Cancel(sub, tier, reason, now)
		if err != nil {
			return err
		}
		if changed {
			if err := t.Update(ctx, next); err != nil {
				return fmt.Errorf("failed to cancel subscription: %w", err)
			}
			if err := t.transition(ctx, sub, next, subscriptions.ReasonCancellationRequested, now); err != nil {
				return err
			}
		}
		v = e.view(next, tier)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger(ctx).WithFields(logrus.Fields{
		"account_id": accountID,
		"reason":     reason,
		"recurring":  v.Subscription.IsRecurring,
	}).Info("Cancellation requested")
	return v, nil
}

// Reactivate withdraws a pending cancellation
func (e *Engine) Reactivate(ctx context.Context, accountID string) (v *SubscriptionView, err error) {
	ctx, span := e.startSpan(ctx, "Reactivate", accountID)
	defer func() { endSpan(span, err) }()

	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	now := e.clock()

	err = e.inAccount(ctx, accountID, func(t *txn) error {
		sub, tier, err := e.current(ctx, t, accountID, now, false)
		if err != nil {
			return err
		}
		next, changed, err := subscriptions.Reactivate(sub, tier, now)
		if err != nil {
			return err
		}
		if changed {
			if err := t.Update(ctx, next); err != nil {
				return fmt.Errorf("failed to reactivate subscription: %w", err)
			}
			if err := t.transition(ctx, sub, next, subscriptions.ReasonReactivated, now); err != nil {
				return err
			}
		}
		v = e.view(next, tier)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// SelectScope makes the one-time scope selection of the current period
func (e *Engine) SelectScope(ctx context.Context, accountID string, scopeIDs []string) (v *SubscriptionView, err error) {
	ctx, span := e.startSpan(ctx, "SelectScope", accountID)
	defer func() { endSpan(span, err) }()

	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	now := e.clock()

	err = e.inAccount(ctx, accountID, func(t *txn) error {
		sub, tier, err := e.current(ctx, t, accountID, now, false)
		if err != nil {
			return err
		}
		next, err := subscriptions.SelectScope(sub, tier, scopeIDs, now)
		if err != nil {
			return err
		}
		if err := t.Update(ctx, next); err != nil {
			return fmt.Errorf("failed to save scope selection: %w", err)
		}
		v = e.view(next, tier)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger(ctx).WithFields(logrus.Fields{
		"account_id": accountID,
		"scopes":     len(scopeIDs),
	}).Info("Scope selected")
	return v, nil
}

// History returns every subscription row of the account, newest first
func (e *Engine) History(ctx context.Context, accountID string) ([]*subscriptions.Subscription, error) {
	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	rows, err := e.store.History(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription history: %w", err)
	}
	if rows == nil {
		rows = []*subscriptions.Subscription{}
	}
	return rows, nil
}

// ListUsage returns the account's usage events in [From, To) with their total
func (e *Engine) ListUsage(ctx context.Context, q UsageQuery) (*UsageSummary, error) {
	if err := requireID("account_id", q.AccountID); err != nil {
		return nil, err
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		return nil, &subscriptions.ValidationError{Field: "to", Message: "must be after from"}
	}
	switch {
	case q.Limit < 0:
		return nil, &subscriptions.ValidationError{Field: "limit", Message: "must not be negative"}
	case q.Limit == 0:
		q.Limit = defaultUsageLimit
	case q.Limit > maxUsageLimit:
		q.Limit = maxUsageLimit
	}

	evs, err := e.store.ListUsageEvents(ctx, storage.UsageQuery{
		AccountID: q.AccountID,
		From:      q.From,
		To:        q.To,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}

	summary := &UsageSummary{AccountID: q.AccountID, Events: evs, TotalCost: decimal.Zero}
	if summary.Events == nil {
		summary.Events = []*metering.UsageEvent{}
	}
	for _, ev := range evs {
		summary.TotalCost = summary.TotalCost.Add(ev.Cost)
	}
	summary.DisplayUnits = e.converter.DollarsToTokens(summary.TotalCost)
	return summary, nil
}

// ListTiers returns the catalog in display order
func (e *Engine) ListTiers(ctx context.Context) ([]*tiers.Tier, error) {
	list, err := e.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	return list, nil
}
