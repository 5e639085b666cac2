// Package sqlstore persists refresh tokens and the used-code ledger in SQL.
//
// Two dialects are supported through database/sql: SQLite (modernc.org/sqlite,
// no cgo) and PostgreSQL (pgx stdlib driver). The schema is embedded and applied
// with goose:
//
//	store, err := sqlstore.Open(ctx, sqlstore.Config{
//		Dialect: sqlstore.DialectPostgres,
//		DSN:     "postgres://authbridge@db/authbridge",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	if err := store.Migrate(ctx); err != nil {
//		return err
//	}
//
// Timestamps are stored as Unix nanoseconds and scopes as one space-separated
// string. Every operation is a single statement, so atomicity comes from the
// database: Take is a DELETE ... RETURNING and MarkCodeUsed an upsert whose
// affected-row count tells a first use from a replay.
package sqlstore
