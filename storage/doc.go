// Package storage defines persistence for refresh tokens and the authorization-code ledger.
//
// The bridge keeps no server-side state for authorization codes or access tokens;
// those are self-contained signed tokens. What is stored:
//   - RefreshTokenStore: opaque refresh tokens with their subject, client and expiry
//   - CodeLedger: the ids of authorization codes already exchanged, so a replayed
//     code is refused until it would have expired anyway
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development, tests and single-instance deployments
//   - storage/sqlstore: SQLite or PostgreSQL through database/sql with goose migrations
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/mock: function-field mock for unit tests
//
// A record is valid iff now < ExpiresAt. Expired records are deleted lazily on
// read; backends implementing ExpirySweeper can also be swept periodically.
package storage
