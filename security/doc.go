// Package security holds the protective plumbing around the auth bridge
// endpoints: per-identifier rate limiting, audit logging with hashed subjects,
// response security headers, client IP extraction, request IDs, and
// derivation of independent signing keys from the process secret.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually a client IP)
// and bounds memory with LRU eviction plus a periodic idle sweep.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429
//	}
//
// # Key Derivation
//
// The bridge is configured with a single secret. DeriveKey expands it with
// HKDF-SHA256 into one key per purpose, so the authorization-request cookie
// and the code/access-token signer never share key material.
package security
