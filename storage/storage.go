package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a refresh token is missing, expired, or already consumed.
var ErrNotFound = errors.New("refresh token not found")

// StorageError wraps a failure of the backing store. Callers surface it as a 5xx.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err for op. It returns nil for a nil err.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Record is a persisted refresh token
type Record struct {
	Token     string
	Subject   string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the record may still be used at now
func (r *Record) Valid(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// RefreshTokenStore persists refresh tokens.
// Implementations must be safe for concurrent use and rely on single-row atomicity only.
type RefreshTokenStore interface {
	// Put inserts a new record
	Put(ctx context.Context, record *Record) error

	// Get returns the record for token. Missing and expired records both yield ErrNotFound;
	// an expired record is deleted as a side effect.
	Get(ctx context.Context, token string) (*Record, error)

	// Delete removes token. Deleting an unknown token is not an error.
	Delete(ctx context.Context, token string) error

	// DeleteAllForSubject removes every refresh token of subject and returns how many were removed.
	DeleteAllForSubject(ctx context.Context, subject string) (int, error)

	// Take atomically reads and deletes token. Of several concurrent callers at most one
	// receives the record. Expired records yield ErrNotFound.
	Take(ctx context.Context, token string) (*Record, error)
}

// CodeLedger remembers exchanged authorization codes
type CodeLedger interface {
	// MarkCodeUsed records codeID as consumed until expiresAt. It returns true when the
	// code had not been used before and false when this is a replay.
	MarkCodeUsed(ctx context.Context, codeID string, expiresAt time.Time) (bool, error)
}

// ExpirySweeper is implemented by stores that can drop expired state in bulk.
type ExpirySweeper interface {
	// DeleteExpired removes expired refresh tokens and ledger entries and returns the number removed
	DeleteExpired(ctx context.Context) (int, error)
}
