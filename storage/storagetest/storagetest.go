// Package storagetest holds the behaviour every storage backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authbridge/internal/testutil"
	"github.com/giantswarm/mcp-authbridge/storage"
)

// Backend is what a store under test must provide
type Backend interface {
	storage.RefreshTokenStore
	storage.CodeLedger
}

// Factory builds a fresh, empty backend reading time from clock
type Factory func(t *testing.T, clock func() time.Time) Backend

// Run executes the shared conformance tests against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s Backend, clock *testutil.MockTime)
	}{
		{"PutGet", testPutGet},
		{"GetMissing", testGetMissing},
		{"GetExpiredIsDeleted", testGetExpiredIsDeleted},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"DeleteAllForSubject", testDeleteAllForSubject},
		{"Take", testTake},
		{"TakeExpired", testTakeExpired},
		{"TakeConcurrent", testTakeConcurrent},
		{"MarkCodeUsed", testMarkCodeUsed},
		{"DeleteExpired", testDeleteExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testutil.NewMockTime(testutil.Epoch)
			tt.fn(t, newBackend(t, clock.Now), clock)
		})
	}
}

func newRecord(token, subject string, ttl time.Duration) *storage.Record {
	return &storage.Record{
		Token:     token,
		Subject:   subject,
		ClientID:  "c1",
		Scopes:    []string{"openid", "profile"},
		IssuedAt:  testutil.Epoch,
		ExpiresAt: testutil.Epoch.Add(ttl),
	}
}

func assertSameRecord(t *testing.T, want, got *storage.Record) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Token, got.Token)
	assert.Equal(t, want.Subject, got.Subject)
	assert.Equal(t, want.ClientID, got.ClientID)
	assert.Equal(t, want.Scopes, got.Scopes)
	assert.True(t, want.IssuedAt.Equal(got.IssuedAt), "IssuedAt = %v, want %v", got.IssuedAt, want.IssuedAt)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
}

func testPutGet(t *testing.T, s Backend, _ *testutil.MockTime) {
	ctx := context.Background()
	rec := newRecord("rt-1", "u1", time.Hour)

	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "rt-1")
	require.NoError(t, err)
	assertSameRecord(t, rec, got)
}

func testGetMissing(t *testing.T, s Backend, _ *testutil.MockTime) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testGetExpiredIsDeleted(t *testing.T, s Backend, clock *testutil.MockTime) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, newRecord("rt-exp", "u1", time.Minute)))

	clock.Advance(time.Minute)
	_, err := s.Get(ctx, "rt-exp")
	require.ErrorIs(t, err, storage.ErrNotFound, "record must be invalid at now == expiresAt")

	// Winding the clock back must not bring the record back.
	clock.Set(testutil.Epoch)
	_, err = s.Get(ctx, "rt-exp")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteIdempotent(t *testing.T, s Backend, _ *testutil.MockTime) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, newRecord("rt-del", "u1", time.Hour)))

	require.NoError(t, s.Delete(ctx, "rt-del"))
	require.NoError(t, s.Delete(ctx, "rt-del"))
	require.NoError(t, s.Delete(ctx, "never-existed"))

	_, err := s.Get(ctx, "rt-del")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteAllForSubject(t *testing.T, s Backend, _ *testutil.MockTime) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, newRecord(fmt.Sprintf("u1-%d", i), "u1", time.Hour)))
	}
	require.NoError(t, s.Put(ctx, newRecord("u2-0", "u2", time.Hour)))

	n, err := s.DeleteAllForSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, fmt.Sprintf("u1-%d", i))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	_, err = s.Get(ctx, "u2-0")
	assert.NoError(t, err, "other subjects must be untouched")

	n, err = s.DeleteAllForSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testTake(t *testing.T, s Backend, _ *testutil.MockTime) {
	ctx := context.Background()
	rec := newRecord("rt-take", "u1", time.Hour)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Take(ctx, "rt-take")
	require.NoError(t, err)
	assertSameRecord(t, rec, got)

	_, err = s.Take(ctx, "rt-take")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, "rt-take")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The subject index must not revoke a token that was already taken.
	n, err := s.DeleteAllForSubject(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testTakeExpired(t *testing.T, s Backend, clock *testutil.MockTime) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, newRecord("rt-take-exp", "u1", time.Minute)))

	clock.Advance(2 * time.Minute)
	_, err := s.Take(ctx, "rt-take-exp")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTakeConcurrent(t *testing.T, s Backend, _ *testutil.MockTime) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, newRecord("rt-race", "u1", time.Hour)))

	const workers = 20
	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		failures atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Take(ctx, "rt-race")
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, storage.ErrNotFound):
			default:
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one Take must win")
	assert.Zero(t, failures.Load())
}

func testMarkCodeUsed(t *testing.T, s Backend, _ *testutil.MockTime) {
	ctx := context.Background()
	exp := testutil.Epoch.Add(10 * time.Minute)

	first, err := s.MarkCodeUsed(ctx, "code-1", exp)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkCodeUsed(ctx, "code-1", exp)
	require.NoError(t, err)
	assert.False(t, again, "replay must be detected")

	other, err := s.MarkCodeUsed(ctx, "code-2", exp)
	require.NoError(t, err)
	assert.True(t, other)
}

func testDeleteExpired(t *testing.T, s Backend, clock *testutil.MockTime) {
	sweeper, ok := s.(storage.ExpirySweeper)
	if !ok {
		t.Skip("backend expires entries on its own")
	}
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newRecord("short", "u1", time.Minute)))
	require.NoError(t, s.Put(ctx, newRecord("long", "u1", time.Hour)))
	_, err := s.MarkCodeUsed(ctx, "code-short", testutil.Epoch.Add(time.Minute))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	n, err := sweeper.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, "long")
	assert.NoError(t, err)

	// An expired ledger entry no longer blocks its id.
	fresh, err := s.MarkCodeUsed(ctx, "code-short", testutil.Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh)
}
