// Package tiers provides the plan catalog: limits, prices and capability flags
// for every tier an account can hold.
//
// # Overview
//
// A Tier carries two allowances per period, a decimal cost limit and a count
// limit of distinct resources. Either may be nil, which means unlimited.
// Exactly one tier is flagged IsDefault; accounts without a paid plan hold it.
//
// Catalogs are read-mostly and injected into the billing engine. Edits only
// affect subscriptions from the next decision onward: subscription rows store
// the tier id, never a copy of its limits.
//
// # Sources
//
//   - FileSource: a YAML document with a top-level "tiers" list
//   - PostgresSource: the tiers table
//   - StaticCatalog: an in-memory set, handy in tests
//
// # Caching and Reload
//
// CachedCatalog wraps a Source with an expirable LRU. Reload swaps the snapshot
// atomically and keeps the previous one if the source fails. Watcher calls
// Reload when the YAML file changes and Broadcaster fans the reload out to
// other instances over Redis pub/sub.
//
// # Usage Example
//
//	source := tiers.NewFileSource("/etc/tally/tiers.yaml")
//	catalog, err := tiers.NewCachedCatalog(ctx, source, tiers.DefaultCacheConfig(), log)
//	if err != nil {
//		return err
//	}
//	free, err := catalog.DefaultTier(ctx)
//
// # Related Packages
//
//   - pkg/subscriptions: transition rules parameterized by tier attributes
//   - pkg/access: access decisions reading tier limits
package tiers
