package rollover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/storage/memory"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	freeTier = &tiers.Tier{ID: "free", IsDefault: true, ResourceCostLimitPerPeriod: tiers.CostLimit(1), DefaultBillingCycle: "monthly"}
	paidTier = &tiers.Tier{ID: "standard", ResourceCostLimitPerPeriod: tiers.CostLimit(10)}
	start    = time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)
)

func newCatalog(t *testing.T) tiers.Catalog {
	t.Helper()
	c, err := tiers.NewStaticCatalog([]*tiers.Tier{freeTier, paidTier})
	require.NoError(t, err)
	return c
}

func seed(t *testing.T, s storage.Store, account string, tier *tiers.Tier, cycle subscriptions.BillingCycle, method subscriptions.PaymentMethodClass, mutate func(*subscriptions.Subscription)) {
	t.Helper()
	sub, err := subscriptions.NewSubscription(account, tier, cycle, method, start)
	require.NoError(t, err)
	sub.ResourceCostUsed = decimal.RequireFromString("0.5")
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, s.WithAccount(context.Background(), account, func(tx storage.Tx) error {
		return tx.Insert(context.Background(), sub)
	}))
}

func TestRunner_RolloverIsIdempotent(t *testing.T) {
	store := memory.New()
	for _, acct := range []string{"a", "b", "c"} {
		seed(t, store, acct, freeTier, subscriptions.CycleMonthly, subscriptions.MethodNone, nil)
	}
	// a renewing paid row, also due
	seed(t, store, "d", paidTier, subscriptions.CycleMonthly, subscriptions.MethodCard, nil)

	r := NewRunner(store, newCatalog(t), WithWorkers(3))
	now := start.AddDate(0, 2, 1)

	report, err := r.RunRollover(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Processed)
	assert.Zero(t, report.Failed)

	for _, acct := range []string{"a", "b", "c", "d"} {
		cur, err := store.GetCurrent(context.Background(), acct)
		require.NoError(t, err)
		assert.True(t, cur.ResourceCostUsed.IsZero(), acct)
		assert.True(t, cur.PeriodEnd.After(now), acct)
		assert.False(t, cur.PeriodStart.After(now), acct)
	}

	report, err = r.RunRollover(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)

	// rollover never writes transition events
	assert.Empty(t, store.Outbox())
}

func TestRunner_ExpiryDowngradesToDefault(t *testing.T) {
	store := memory.New()
	seed(t, store, "cancelling", paidTier, subscriptions.CycleMonthly, subscriptions.MethodCard, func(s *subscriptions.Subscription) {
		s.CancelAtPeriodEnd = true
		s.IsRecurring = false
	})
	seed(t, store, "manual", paidTier, subscriptions.CycleMonthly, subscriptions.MethodManual, nil)
	seed(t, store, "renewing", paidTier, subscriptions.CycleMonthly, subscriptions.MethodCard, nil)

	r := NewRunner(store, newCatalog(t))
	now := start.AddDate(0, 1, 1)

	report, err := r.RunExpiry(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)

	history, err := store.History(context.Background(), "cancelling")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "free", history[0].TierID)
	assert.Equal(t, subscriptions.StatusActive, history[0].Status)
	assert.Equal(t, subscriptions.StatusCancelled, history[1].Status)

	history, err = store.History(context.Background(), "manual")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, subscriptions.StatusExpired, history[1].Status)

	cur, err := store.GetCurrent(context.Background(), "renewing")
	require.NoError(t, err)
	assert.Equal(t, "standard", cur.TierID)
	assert.Equal(t, 1, store.CurrentRowCount("renewing"))

	outbox := store.Outbox()
	require.Len(t, outbox, 2)
	ev, err := events.DecodeTransition(outbox[0])
	require.NoError(t, err)
	assert.Equal(t, subscriptions.ReasonExpired, ev.Reason)
	assert.Equal(t, "standard", ev.OldTier)
	assert.Equal(t, "free", ev.NewTier)

	// expiry and rollover commute: the fresh free rows are not due yet
	report, err = r.RunRollover(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed, "only the renewing paid row rolls over")
}

// failingStore fails the transition of one account
type failingStore struct {
	storage.Store
	fail string
}

func (f *failingStore) ClaimNext(ctx context.Context, claim storage.Claim, fn func(tx storage.Tx, sub *subscriptions.Subscription) error) (bool, error) {
	return f.Store.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error {
		if sub.AccountID == f.fail {
			return errors.New("disk on fire")
		}
		return fn(tx, sub)
	})
}

func TestRunner_FailedAccountIsSkipped(t *testing.T) {
	store := memory.New()
	for _, acct := range []string{"a", "b", "c"} {
		seed(t, store, acct, freeTier, subscriptions.CycleMonthly, subscriptions.MethodNone, nil)
	}

	r := NewRunner(&failingStore{Store: store, fail: "b"}, newCatalog(t), WithWorkers(2))
	report, err := r.RunRollover(context.Background(), start.AddDate(0, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)

	cur, err := store.GetCurrent(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "0.5", cur.ResourceCostUsed.String(), "failed account is left untouched")
}

func TestRunner_MissingDefaultTier(t *testing.T) {
	catalog, err := tiers.NewStaticCatalog([]*tiers.Tier{freeTier})
	require.NoError(t, err)

	r := NewRunner(memory.New(), &noDefault{catalog})
	_, err = r.RunExpiry(context.Background(), start)
	assert.True(t, subscriptions.IsConfiguration(err))
}

type noDefault struct{ tiers.Catalog }

func (noDefault) DefaultTier(context.Context) (*tiers.Tier, error) {
	return nil, tiers.ErrNoDefaultTier
}
