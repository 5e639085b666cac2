// Package mock provides a mock implementation of the storage interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-authbridge/storage"
)

// Store is a mock RefreshTokenStore and CodeLedger. Each method delegates to the
// matching Func field; the defaults keep state in maps and ignore expiry.
type Store struct {
	mu        sync.Mutex
	records   map[string]*storage.Record
	usedCodes map[string]time.Time

	PutFunc                 func(ctx context.Context, record *storage.Record) error
	GetFunc                 func(ctx context.Context, token string) (*storage.Record, error)
	DeleteFunc              func(ctx context.Context, token string) error
	DeleteAllForSubjectFunc func(ctx context.Context, subject string) (int, error)
	TakeFunc                func(ctx context.Context, token string) (*storage.Record, error)
	MarkCodeUsedFunc        func(ctx context.Context, codeID string, expiresAt time.Time) (bool, error)

	CallCounts map[string]int
}

var (
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.CodeLedger        = (*Store)(nil)
)

// New creates a mock store with working default implementations
func New() *Store {
	m := &Store{
		records:    make(map[string]*storage.Record),
		usedCodes:  make(map[string]time.Time),
		CallCounts: make(map[string]int),
	}

	m.PutFunc = func(_ context.Context, record *storage.Record) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *record
		m.records[record.Token] = &cp
		return nil
	}

	m.GetFunc = func(_ context.Context, token string) (*storage.Record, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		rec, ok := m.records[token]
		if !ok {
			return nil, storage.ErrNotFound
		}
		cp := *rec
		return &cp, nil
	}

	m.DeleteFunc = func(_ context.Context, token string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.records, token)
		return nil
	}

	m.DeleteAllForSubjectFunc = func(_ context.Context, subject string) (int, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		n := 0
		for token, rec := range m.records {
			if rec.Subject == subject {
				delete(m.records, token)
				n++
			}
		}
		return n, nil
	}

	m.TakeFunc = func(_ context.Context, token string) (*storage.Record, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		rec, ok := m.records[token]
		if !ok {
			return nil, storage.ErrNotFound
		}
		delete(m.records, token)
		return rec, nil
	}

	m.MarkCodeUsedFunc = func(_ context.Context, codeID string, expiresAt time.Time) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, used := m.usedCodes[codeID]; used {
			return false, nil
		}
		m.usedCodes[codeID] = expiresAt
		return true, nil
	}

	return m
}

func (m *Store) count(name string) {
	m.mu.Lock()
	m.CallCounts[name]++
	m.mu.Unlock()
}

// Put records the call and delegates to PutFunc
func (m *Store) Put(ctx context.Context, record *storage.Record) error {
	m.count("Put")
	return m.PutFunc(ctx, record)
}

// Get records the call and delegates to GetFunc
func (m *Store) Get(ctx context.Context, token string) (*storage.Record, error) {
	m.count("Get")
	return m.GetFunc(ctx, token)
}

// Delete records the call and delegates to DeleteFunc
func (m *Store) Delete(ctx context.Context, token string) error {
	m.count("Delete")
	return m.DeleteFunc(ctx, token)
}

// DeleteAllForSubject records the call and delegates to DeleteAllForSubjectFunc
func (m *Store) DeleteAllForSubject(ctx context.Context, subject string) (int, error) {
	m.count("DeleteAllForSubject")
	return m.DeleteAllForSubjectFunc(ctx, subject)
}

// Take records the call and delegates to TakeFunc
func (m *Store) Take(ctx context.Context, token string) (*storage.Record, error) {
	m.count("Take")
	return m.TakeFunc(ctx, token)
}

// MarkCodeUsed records the call and delegates to MarkCodeUsedFunc
func (m *Store) MarkCodeUsed(ctx context.Context, codeID string, expiresAt time.Time) (bool, error) {
	m.count("MarkCodeUsed")
	return m.MarkCodeUsedFunc(ctx, codeID, expiresAt)
}

// Calls returns how many times method was called
func (m *Store) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// ResetCallCounts clears all call counters
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}
