// Package billing is the subscription engine: it turns payment provider
// events, usage reports and account requests into subscription changes.
//
// # Transactions
//
// Every write runs inside storage.Store.WithAccount, which serializes all
// work on one account. Storage conflicts (serialization failures, lock
// timeouts, a racing insert) are retried with backoff; when retries run out
// the caller gets a ConflictError with reason "concurrent_update".
//
// Rows past their period boundary are settled lazily by the first write
// that touches them, using the same rollover and expiry steps as the
// scheduled jobs. Reads such as CanAccess and GetSubscription never write;
// they evaluate the row as it will look once settled.
//
// # Payments
//
//	res, err := engine.HandlePaymentCompleted(ctx, billing.PaymentCompleted{
//		AccountID:          "acct-1",
//		TierID:             "pro",
//		BillingCycle:       subscriptions.CycleMonthly,
//		PaymentMethodClass: subscriptions.MethodCard,
//		ExternalTxnID:      "ch_123",
//		Provider:           "stripe",
//	})
//
// A payment creates, renews or changes the tier of the current row. Tier
// changes carry the unused allowance of the old tier over. Payment events
// are deduplicated by (provider, external_txn_id).
//
// # Usage
//
// RecordUsage prices a request from the report or the price book and adds
// the cost to the period total. It is idempotent on request_id and always
// records; gating happens in CanAccess.
//
// Every change of tier or status queues a SubscriptionTransitioned event in
// the outbox in the same transaction.
package billing
