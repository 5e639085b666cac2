// Package memory provides an in-memory implementation of the storage interfaces.
//
// Refresh tokens live in a map guarded by a sync.RWMutex, with a per-subject index
// so sign-out does not scan every record. Used authorization codes are kept until
// their own expiry. A background loop drops expired entries every cleanup interval.
//
// It is suitable for development, testing, and single-instance deployments.
// Use storage/sqlstore or storage/valkey when refresh tokens must survive a
// restart or be shared between replicas.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(provider, store, config, logger)
package memory
