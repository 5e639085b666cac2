// Package cache provides Cache, a keyed read-through cache that collapses
// concurrent loads of the same key into a single upstream call.
//
// A Get for a key with a live entry returns it. Otherwise the caller joins the
// load already running for that key, or starts one. Successful results are kept
// for TTL; failures are handed to every waiting caller and are not cached, so the
// next Get tries again.
//
// Memory is bounded by MaxEntries: once exceeded, the oldest stored entries are
// dropped first. Expired entries are removed when they are next read, or in bulk
// by CleanupExpired.
//
//	customers := cache.New(cache.Config{Name: "customers", TTL: 5 * time.Second},
//		func(ctx context.Context, subject string) (*paywall.Customer, error) {
//			return client.EnsureCustomer(ctx, subject)
//		})
//
//	customer, err := customers.Get(ctx, subject)
package cache
