// Package paywall talks to the upstream billing API that owns customers and
// subscriptions, and fronts it with deduplicating caches.
//
// HTTPClient is the raw API client. Service wraps any Client with two
// cache.Cache instances keyed by subject, so a burst of requests from one agent
// turns into a single "ensure customer" and a single "fetch subscription" call.
// Mutations go straight upstream and then invalidate the cached entries.
package paywall
