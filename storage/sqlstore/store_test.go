package sqlstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authbridge/internal/testutil"
	"github.com/giantswarm/mcp-authbridge/storage"
	"github.com/giantswarm/mcp-authbridge/storage/storagetest"
)

func newSQLiteStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, Config{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "authbridge.db"),
		Logger:  testutil.DiscardLogger(),
		Clock:   clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	return s
}

// newPostgresStore uses AUTHBRIDGE_TEST_POSTGRES_DSN and skips when it is unset.
// Every test gets a fresh schema.
func newPostgresStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()

	dsn := os.Getenv("AUTHBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping test: AUTHBRIDGE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, Config{Dialect: DialectPostgres, DSN: dsn, Logger: testutil.DiscardLogger(), Clock: clock})
	if err != nil {
		t.Skipf("Skipping test: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS refresh_tokens`,
		`DROP TABLE IF EXISTS used_authorization_codes`,
		`DROP TABLE IF EXISTS goose_db_version`,
	} {
		_, err := s.db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	return s
}

func TestSQLite_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock func() time.Time) storagetest.Backend {
		return newSQLiteStore(t, clock)
	})
}

func TestPostgres_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock func() time.Time) storagetest.Backend {
		return newPostgresStore(t, clock)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newSQLiteStore(t, time.Now)

	n, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "second run must not apply anything")
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectSQLite, "a = ? AND b = ?", "a = ? AND b = ?"},
		{DialectPostgres, "a = ? AND b = ?", "a = $1 AND b = $2"},
		{DialectPostgres, "no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.dialect, tt.in), func(t *testing.T) {
			s := &Store{dialect: tt.dialect}
			assert.Equal(t, tt.want, s.rebind(tt.in))
		})
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"sqlite":     DialectSQLite,
		"SQLite3":    DialectSQLite,
		"postgres":   DialectPostgres,
		"postgresql": DialectPostgres,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("mysql")
	assert.Error(t, err)
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Dialect: DialectSQLite})
	assert.Error(t, err)
}

func TestSQLite_ScopesRoundTrip(t *testing.T) {
	s := newSQLiteStore(t, time.Now)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &storage.Record{
		Token:     "t1",
		Subject:   "u1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got.Scopes)
}
