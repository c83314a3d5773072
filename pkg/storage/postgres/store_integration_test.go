//go:build integration

package postgres

import (
	"context"
	"database/sql"
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
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and applies the migrations
func setupPostgres(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tally_test"),
		tcpostgres.WithUsername("tally"),
		tcpostgres.WithPassword("tally_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, Migrate(db), "Failed to run migrations")

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close database: %v", err)
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}
	return db, cleanup
}

var (
	itFree = &tiers.Tier{ID: "free", IsDefault: true, ResourceCostLimitPerPeriod: tiers.CostLimit(1)}
	itPaid = &tiers.Tier{ID: "standard", ResourceCostLimitPerPeriod: tiers.CostLimit(10)}
)

func TestIntegration_OneCurrentRowPerAccount(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	s := NewStore(db, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.WithAccount(ctx, "acct", func(tx storage.Tx) error {
				if _, err := tx.Current(ctx); err == nil {
					return nil
				}
				sub, err := subscriptions.NewSubscription("acct", itFree, subscriptions.CycleMonthly, subscriptions.MethodNone, now)
				if err != nil {
					return err
				}
				return tx.Insert(ctx, sub)
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	history, err := s.History(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// a second current row is rejected by the partial unique index
	err = s.WithAccount(ctx, "acct", func(tx storage.Tx) error {
		sub, err := subscriptions.NewSubscription("acct", itPaid, subscriptions.CycleMonthly, subscriptions.MethodCard, now)
		if err != nil {
			return err
		}
		return tx.Insert(ctx, sub)
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestIntegration_UsageAndPayments(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	s := NewStore(db, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sub, err := subscriptions.NewSubscription("acct", itPaid, subscriptions.CycleMonthly, subscriptions.MethodCard, now)
	require.NoError(t, err)

	err = s.WithAccount(ctx, "acct", func(tx storage.Tx) error {
		if err := tx.Insert(ctx, sub); err != nil {
			return err
		}
		first, err := tx.RecordPaymentEvent(ctx, storage.PaymentEvent{
			Provider: "stripe", ExternalID: "txn_1", AccountID: "acct", Kind: "create", AppliedAt: now,
		})
		if err != nil {
			return err
		}
		assert.True(t, first)

		ev := &metering.UsageEvent{
			ID: "u1", AccountID: "acct", SubscriptionID: sub.ID, RequestID: "req-1",
			Provider: "openai", Model: "gpt-4o", InputUnits: 1000, OutputUnits: 500,
			InputUnitPrice:  decimal.RequireFromString("0.0000025"),
			OutputUnitPrice: decimal.RequireFromString("0.00001"),
			Cost:            decimal.RequireFromString("0.0075"),
			Category:        metering.CategoryChat,
			CreatedAt:       now,
		}
		if err := tx.InsertUsageEvent(ctx, ev); err != nil {
			return err
		}
		cur, err := tx.Current(ctx)
		if err != nil {
			return err
		}
		cur.ResourceCostUsed = cur.ResourceCostUsed.Add(ev.Cost)
		cur.AccessedResourceIDs = []string{"doc-1"}
		cur.ResourceCountUsed = 1
		return tx.Update(ctx, cur)
	})
	require.NoError(t, err)

	cur, err := s.GetCurrent(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "0.0075", cur.ResourceCostUsed.String())
	assert.Equal(t, []string{"doc-1"}, cur.AccessedResourceIDs)

	err = s.WithAccount(ctx, "acct", func(tx storage.Tx) error {
		again, err := tx.RecordPaymentEvent(ctx, storage.PaymentEvent{
			Provider: "stripe", ExternalID: "txn_1", AccountID: "acct", Kind: "create", AppliedAt: now,
		})
		assert.False(t, again)
		if err != nil {
			return err
		}
		got, err := tx.GetUsageEvent(ctx, "req-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "u1", got.ID)
		return nil
	})
	require.NoError(t, err)

	evs, err := s.ListUsageEvents(ctx, storage.UsageQuery{AccountID: "acct"})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestIntegration_ClaimNext(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()
	s := NewStore(db, nil)
	ctx := context.Background()
	start := time.Now().UTC().Add(-45 * 24 * time.Hour).Truncate(time.Microsecond)
	now := time.Now().UTC()

	for _, acct := range []string{"a", "b"} {
		sub, err := subscriptions.NewSubscription(acct, itFree, subscriptions.CycleMonthly, subscriptions.MethodNone, start)
		require.NoError(t, err)
		require.NoError(t, s.WithAccount(ctx, acct, func(tx storage.Tx) error { return tx.Insert(ctx, sub) }))
	}

	claim := storage.Claim{Kind: storage.ClaimRollover, Now: now, DefaultTierID: "free"}
	processed := 0
	for {
		claimed, err := s.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error {
			return tx.Update(ctx, subscriptions.Rollover(sub, now))
		})
		require.NoError(t, err)
		if !claimed {
			break
		}
		processed++
	}
	assert.Equal(t, 2, processed)

	// idempotent
	claimed, err := s.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error { return nil })
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = s.ClaimNext(ctx, storage.Claim{Kind: storage.ClaimExpiry, Now: now, DefaultTierID: "free"},
		func(tx storage.Tx, sub *subscriptions.Subscription) error { return nil })
	require.NoError(t, err)
	assert.False(t, claimed)
}
