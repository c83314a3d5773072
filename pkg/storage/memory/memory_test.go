package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	freeTier = &tiers.Tier{ID: "free", IsDefault: true}
	paidTier = &tiers.Tier{ID: "standard", ResourceCostLimitPerPeriod: tiers.CostLimit(10)}
)

func newSub(t *testing.T, account string, tier *tiers.Tier, method subscriptions.PaymentMethodClass) *subscriptions.Subscription {
	t.Helper()
	sub, err := subscriptions.NewSubscription(account, tier, subscriptions.CycleMonthly, method, t0)
	require.NoError(t, err)
	return sub
}

func insert(t *testing.T, s *Store, sub *subscriptions.Subscription) {
	t.Helper()
	require.NoError(t, s.WithAccount(context.Background(), sub.AccountID, func(tx storage.Tx) error {
		return tx.Insert(context.Background(), sub)
	}))
}

func TestStore_OneCurrentRowPerAccount(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, newSub(t, "a", freeTier, subscriptions.MethodNone))

	err := s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		return tx.Insert(ctx, newSub(t, "a", paidTier, subscriptions.MethodCard))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, 1, s.CurrentRowCount("a"))

	// expire then insert in one transaction keeps exactly one current row
	err = s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		cur, err := tx.Current(ctx)
		if err != nil {
			return err
		}
		closed, fresh, err := subscriptions.Expire(cur, freeTier, t0.Add(time.Hour))
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, closed); err != nil {
			return err
		}
		return tx.Insert(ctx, fresh)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentRowCount("a"))

	history, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, subscriptions.StatusActive, history[0].Status)
	assert.Equal(t, subscriptions.StatusExpired, history[1].Status)
}

func TestStore_ConcurrentCreateKeepsInvariant(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithAccount(ctx, "a", func(tx storage.Tx) error {
				if _, err := tx.Current(ctx); err == nil {
					return nil
				}
				sub, err := subscriptions.NewSubscription("a", freeTier, subscriptions.CycleMonthly, subscriptions.MethodNone, t0)
				if err != nil {
					return err
				}
				return tx.Insert(ctx, sub)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.CurrentRowCount("a"))
}

func TestStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := newSub(t, "a", paidTier, subscriptions.MethodCard)
	insert(t, s, sub)

	boom := errors.New("boom")
	err := s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		cur, _ := tx.Current(ctx)
		cur.ResourceCostUsed = decimal.NewFromInt(99)
		require.NoError(t, tx.Update(ctx, cur))
		require.NoError(t, tx.AppendOutbox(ctx, &storage.OutboxMessage{ID: "m1"}))
		_, err := tx.RecordPaymentEvent(ctx, storage.PaymentEvent{Provider: "p", ExternalID: "x"})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	cur, err := s.GetCurrent(ctx, "a")
	require.NoError(t, err)
	assert.True(t, cur.ResourceCostUsed.IsZero())
	assert.Empty(t, s.Outbox())

	// the payment was not recorded either
	err = s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		first, err := tx.RecordPaymentEvent(ctx, storage.PaymentEvent{Provider: "p", ExternalID: "x"})
		assert.True(t, first)
		return err
	})
	require.NoError(t, err)
}

func TestStore_PaymentDedup(t *testing.T) {
	ctx := context.Background()
	s := New()
	record := func() bool {
		var first bool
		require.NoError(t, s.WithAccount(ctx, "a", func(tx storage.Tx) error {
			var err error
			first, err = tx.RecordPaymentEvent(ctx, storage.PaymentEvent{Provider: "stripe", ExternalID: "evt_1", AccountID: "a"})
			return err
		}))
		return first
	}
	assert.True(t, record())
	assert.False(t, record())
}

func TestStore_UsageEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := newSub(t, "a", paidTier, subscriptions.MethodCard)
	insert(t, s, sub)

	for i, req := range []string{"r1", "r2", "r3"} {
		ev := &metering.UsageEvent{
			ID:        req,
			AccountID: "a",
			RequestID: req,
			Cost:      decimal.NewFromInt(int64(i + 1)),
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.WithAccount(ctx, "a", func(tx storage.Tx) error {
			return tx.InsertUsageEvent(ctx, ev)
		}))
	}

	err := s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		return tx.InsertUsageEvent(ctx, &metering.UsageEvent{AccountID: "a", RequestID: "r1"})
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		ev, err := tx.GetUsageEvent(ctx, "r2")
		require.NoError(t, err)
		assert.True(t, ev.Cost.Equal(decimal.NewFromInt(2)))
		_, err = tx.GetUsageEvent(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	events, err := s.ListUsageEvents(ctx, storage.UsageQuery{AccountID: "a", From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "r2", events[0].RequestID)

	events, err = s.ListUsageEvents(ctx, storage.UsageQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStore_ClaimNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, newSub(t, "a", paidTier, subscriptions.MethodCard))
	insert(t, s, newSub(t, "b", paidTier, subscriptions.MethodCard))
	insert(t, s, newSub(t, "c", freeTier, subscriptions.MethodNone))
	manual := newSub(t, "d", paidTier, subscriptions.MethodManual)
	insert(t, s, manual)

	claim := storage.Claim{Kind: storage.ClaimRollover, Now: t0.AddDate(0, 1, 1), DefaultTierID: "free"}

	var seen []string
	for {
		ok, err := s.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error {
			seen = append(seen, sub.AccountID)
			return tx.Update(ctx, subscriptions.Rollover(sub, claim.Now))
		})
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen, "manual monthly is due for expiry, not rollover")

	ok, err := s.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error {
		t.Fatalf("nothing should be due, got %s", sub.AccountID)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)

	expiry := claim
	expiry.Kind = storage.ClaimExpiry
	ok, err = s.ClaimNext(ctx, expiry, func(tx storage.Tx, sub *subscriptions.Subscription) error {
		assert.Equal(t, "d", sub.AccountID)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ClaimNextSkipsLockedAndExcluded(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, newSub(t, "a", paidTier, subscriptions.MethodCard))
	insert(t, s, newSub(t, "b", paidTier, subscriptions.MethodCard))
	claim := storage.Claim{Kind: storage.ClaimRollover, Now: t0.AddDate(0, 2, 0), DefaultTierID: "free", Exclude: []string{"b"}}

	l := s.lockFor("a")
	l.Lock()
	ok, err := s.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error { return nil })
	l.Unlock()
	require.NoError(t, err)
	assert.False(t, ok)

	boom := errors.New("boom")
	ok, err = s.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error { return boom })
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestStore_Outbox(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		require.NoError(t, tx.AppendOutbox(ctx, &storage.OutboxMessage{ID: "m1", AccountID: "a", NextAttemptAt: t0}))
		return tx.AppendOutbox(ctx, &storage.OutboxMessage{ID: "m2", AccountID: "a", NextAttemptAt: t0})
	}))

	pending, err := s.PendingOutbox(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkOutboxDelivered(ctx, "m1", t0))
	require.NoError(t, s.MarkOutboxFailed(ctx, "m2", "503", t0.Add(time.Minute)))

	pending, err = s.PendingOutbox(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.PendingOutbox(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "503", pending[0].LastError)

	assert.ErrorIs(t, s.MarkOutboxDelivered(ctx, "nope", t0), storage.ErrNotFound)
}

func TestStore_CrossAccountWriteRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.WithAccount(ctx, "a", func(tx storage.Tx) error {
		return tx.Insert(ctx, newSub(t, "b", freeTier, subscriptions.MethodNone))
	})
	assert.Error(t, err)
	_, err = s.GetCurrent(ctx, "b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
