// Package storage defines the persistence contract of the billing engine.
//
// # Backends
//
//   - memory: in-process maps guarded by per-account locks, used by tests
//     and single-node development
//   - postgres: the production backend; see storage/postgres
//
// # Account transactions
//
// All writes for one account run inside Store.WithAccount. The callback
// receives a Tx scoped to that account; its writes commit together when the
// callback returns nil and are discarded otherwise. Outbox messages appended
// through the Tx commit with the change that produced them.
//
//	err := store.WithAccount(ctx, "acct-1", func(tx storage.Tx) error {
//		sub, err := tx.Current(ctx)
//		if err != nil {
//			return err
//		}
//		sub.ResourceCostUsed = sub.ResourceCostUsed.Add(cost)
//		return tx.Update(ctx, sub)
//	})
//
// A transaction that lost a race returns an error wrapping ErrConflict and
// may be retried as a whole.
//
// # Background claims
//
// ClaimNext hands one due row at a time to the rollover and expiry jobs.
// Rows locked by another worker are skipped, so any number of workers and
// instances can drain the same queue.
package storage
