package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/giantswarm/mcp-authbridge/instrumentation"
	"github.com/giantswarm/mcp-authbridge/internal/util"
	"github.com/giantswarm/mcp-authbridge/storage"
)

// Dialect selects the SQL database flavour
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"

	tokenLogLength = 8
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) gooseDialect() database.Dialect {
	if d == DialectPostgres {
		return database.DialectPostgres
	}
	return database.DialectSQLite3
}

// ParseDialect maps a configuration string to a Dialect
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s)
	}
}

// Config holds configuration for Open
type Config struct {
	Dialect Dialect

	// DSN is the driver data source name. For SQLite this is a file path
	// (or "file::memory:?cache=shared").
	DSN string

	// MaxOpenConns caps open connections (default 10; SQLite is forced to 1)
	MaxOpenConns int

	Logger *slog.Logger
	Clock  func() time.Time
}

// Store is a SQL-backed RefreshTokenStore, CodeLedger and ExpirySweeper.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	logger    *slog.Logger
	now       func() time.Time
	telemetry *storage.Telemetry
}

var (
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.CodeLedger        = (*Store)(nil)
	_ storage.ExpirySweeper     = (*Store)(nil)
)

// Open connects to the database described by cfg and pings it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql dsn is required")
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	if _, err := ParseDialect(string(cfg.Dialect)); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Dialect.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect, err)
	}

	switch {
	case cfg.Dialect == DialectSQLite:
		// One writer avoids SQLITE_BUSY under concurrent deletes.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(10)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Dialect, err)
	}

	s := New(db, cfg.Dialect, cfg.Logger)
	if cfg.Clock != nil {
		s.now = cfg.Clock
	}
	return s, nil
}

// New wraps an already opened database
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     time.Now,
	}
}

// Migrate applies pending schema migrations and returns how many ran
func (s *Store) Migrate(ctx context.Context) (int, error) {
	results, err := runMigrations(ctx, s.db, s.dialect)
	if err != nil {
		return 0, err
	}
	for _, r := range results {
		s.logger.Info("Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return len(results), nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SetInstrumentation enables spans, operation metrics and the row-count gauge
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.telemetry = storage.NewTelemetry(string(s.dialect), inst)
	err := s.telemetry.RegisterSize(func() int64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refresh_tokens`).Scan(&n); err != nil {
			return 0
		}
		return n
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callback", "error", err)
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put inserts record, replacing an existing row with the same token
func (s *Store) Put(ctx context.Context, record *storage.Record) (err error) {
	ctx, span := s.telemetry.Start(ctx, "put")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "put", err, start) }(time.Now())

	if record == nil || record.Token == "" || record.Subject == "" {
		return fmt.Errorf("refresh token record must have a token and a subject")
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO refresh_tokens (token, subject, client_id, scope, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			subject = excluded.subject,
			client_id = excluded.client_id,
			scope = excluded.scope,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at`),
		record.Token,
		record.Subject,
		record.ClientID,
		util.JoinScopes(record.Scopes),
		record.IssuedAt.UnixNano(),
		record.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return storage.NewStorageError("put", err)
	}

	s.logger.Debug("Stored refresh token",
		"token_prefix", util.SafeTruncate(record.Token, tokenLogLength),
		"client_id", record.ClientID)
	return nil
}

const recordColumns = `token, subject, client_id, scope, issued_at, expires_at`

func scanRecord(row interface{ Scan(...any) error }) (*storage.Record, error) {
	var (
		rec                 storage.Record
		scope               string
		issuedAt, expiresAt int64
	)
	if err := row.Scan(&rec.Token, &rec.Subject, &rec.ClientID, &scope, &issuedAt, &expiresAt); err != nil {
		return nil, err
	}
	rec.Scopes = util.SplitScopes(scope)
	rec.IssuedAt = time.Unix(0, issuedAt).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &rec, nil
}

// Get returns the record for token; an expired row is deleted and reported as not found
func (s *Store) Get(ctx context.Context, token string) (rec *storage.Record, err error) {
	ctx, span := s.telemetry.Start(ctx, "get")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "get", err, start) }(time.Now())

	rec, err = scanRecord(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+recordColumns+` FROM refresh_tokens WHERE token = ?`), token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewStorageError("get", err)
	}

	if !rec.Valid(s.now()) {
		// Only delete the row we saw, in case it was replaced meanwhile.
		_, delErr := s.db.ExecContext(ctx,
			s.rebind(`DELETE FROM refresh_tokens WHERE token = ? AND expires_at = ?`),
			token, rec.ExpiresAt.UnixNano())
		if delErr != nil {
			s.logger.Warn("Failed to delete expired refresh token", "error", delErr)
		}
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

// Delete removes token; unknown tokens are ignored
func (s *Store) Delete(ctx context.Context, token string) (err error) {
	ctx, span := s.telemetry.Start(ctx, "delete")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "delete", err, start) }(time.Now())

	if _, err = s.db.ExecContext(ctx, s.rebind(`DELETE FROM refresh_tokens WHERE token = ?`), token); err != nil {
		return storage.NewStorageError("delete", err)
	}
	return nil
}

// DeleteAllForSubject removes every row owned by subject
func (s *Store) DeleteAllForSubject(ctx context.Context, subject string) (n int, err error) {
	ctx, span := s.telemetry.Start(ctx, "delete_all_for_subject")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "delete_all_for_subject", err, start) }(time.Now())

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM refresh_tokens WHERE subject = ?`), subject)
	if err != nil {
		return 0, storage.NewStorageError("delete_all_for_subject", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.NewStorageError("delete_all_for_subject", err)
	}
	return int(affected), nil
}

// Take deletes the row for token and returns it, in one statement
func (s *Store) Take(ctx context.Context, token string) (rec *storage.Record, err error) {
	ctx, span := s.telemetry.Start(ctx, "take")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "take", err, start) }(time.Now())

	rec, err = scanRecord(s.db.QueryRowContext(ctx,
		s.rebind(`DELETE FROM refresh_tokens WHERE token = ? RETURNING `+recordColumns), token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewStorageError("take", err)
	}
	if !rec.Valid(s.now()) {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

// MarkCodeUsed inserts codeID into the ledger. An existing unexpired row means replay;
// an expired one is overwritten.
func (s *Store) MarkCodeUsed(ctx context.Context, codeID string, expiresAt time.Time) (fresh bool, err error) {
	ctx, span := s.telemetry.Start(ctx, "mark_code_used")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "mark_code_used", err, start) }(time.Now())

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO used_authorization_codes (code_id, expires_at) VALUES (?, ?)
		ON CONFLICT (code_id) DO UPDATE SET expires_at = excluded.expires_at
		WHERE used_authorization_codes.expires_at <= ?`),
		codeID, expiresAt.UnixNano(), s.now().UnixNano())
	if err != nil {
		return false, storage.NewStorageError("mark_code_used", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storage.NewStorageError("mark_code_used", err)
	}
	return affected == 1, nil
}

// DeleteExpired removes expired refresh tokens and ledger rows
func (s *Store) DeleteExpired(ctx context.Context) (n int, err error) {
	ctx, span := s.telemetry.Start(ctx, "delete_expired")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "delete_expired", err, start) }(time.Now())

	now := s.now().UnixNano()
	for _, table := range []string{"refresh_tokens", "used_authorization_codes"} {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE expires_at <= ?`), now)
		if err != nil {
			return n, storage.NewStorageError("delete_expired", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, storage.NewStorageError("delete_expired", err)
		}
		n += int(affected)
	}
	return n, nil
}
