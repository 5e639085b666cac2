package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
	"github.com/giantswarm/mcp-authbridge/internal/util"
	"github.com/giantswarm/mcp-authbridge/storage"
)

const (
	backendName = "memory"

	// tokenLogLength is how much of a refresh token may appear in debug logs
	tokenLogLength = 8
)

// Store is an in-memory RefreshTokenStore, CodeLedger and ExpirySweeper.
type Store struct {
	mu sync.RWMutex

	records   map[string]*storage.Record
	bySubject map[string]map[string]struct{}
	usedCodes map[string]time.Time // code id -> expiry

	recordCount atomic.Int64

	now       func() time.Time
	logger    *slog.Logger
	telemetry *storage.Telemetry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var (
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.CodeLedger        = (*Store)(nil)
	_ storage.ExpirySweeper     = (*Store)(nil)
)

// New creates a store with a one minute cleanup interval
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval.
// A zero or negative interval uses the one minute default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		records:         make(map[string]*storage.Record),
		bySubject:       make(map[string]map[string]struct{}),
		usedCodes:       make(map[string]time.Time),
		now:             time.Now,
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides time.Now
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables spans, operation metrics and the record-count gauge
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.mu.Lock()
	s.telemetry = storage.NewTelemetry(backendName, inst)
	s.mu.Unlock()

	if err := s.telemetry.RegisterSize(s.recordCount.Load); err != nil {
		s.logger.Warn("Failed to register storage size callback", "error", err)
	}
}

// Stop ends the background cleanup. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Put inserts record, replacing any record with the same token
func (s *Store) Put(ctx context.Context, record *storage.Record) error {
	ctx, span := s.startStorageSpan(ctx, "put")
	defer span.End()
	start := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "put", err, start) }()

	if record == nil || record.Token == "" {
		err = fmt.Errorf("refresh token record must have a token")
		return err
	}
	if record.Subject == "" {
		err = fmt.Errorf("refresh token record must have a subject")
		return err
	}

	cp := *record
	cp.Scopes = append([]string(nil), record.Scopes...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[cp.Token]; ok {
		s.unindexLocked(old)
	} else {
		s.recordCount.Add(1)
	}
	s.records[cp.Token] = &cp
	if s.bySubject[cp.Subject] == nil {
		s.bySubject[cp.Subject] = make(map[string]struct{})
	}
	s.bySubject[cp.Subject][cp.Token] = struct{}{}

	s.logger.Debug("Stored refresh token",
		"token_prefix", util.SafeTruncate(cp.Token, tokenLogLength),
		"client_id", cp.ClientID,
		"expires_at", cp.ExpiresAt)
	return nil
}

// Get returns the record for token; expired records are deleted and reported as not found
func (s *Store) Get(ctx context.Context, token string) (*storage.Record, error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	rec, ok := s.records[token]
	if ok && !rec.Valid(s.now()) {
		s.deleteLocked(rec)
		ok = false
	}
	var out *storage.Record
	if ok {
		cp := *rec
		cp.Scopes = append([]string(nil), rec.Scopes...)
		out = &cp
	}
	s.mu.Unlock()

	if out == nil {
		s.recordStorageOperation(ctx, span, "get", storage.ErrNotFound, start)
		return nil, storage.ErrNotFound
	}
	s.recordStorageOperation(ctx, span, "get", nil, start)
	return out, nil
}

// Delete removes token if present
func (s *Store) Delete(ctx context.Context, token string) error {
	ctx, span := s.startStorageSpan(ctx, "delete")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	if rec, ok := s.records[token]; ok {
		s.deleteLocked(rec)
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "delete", nil, start)
	return nil
}

// DeleteAllForSubject removes every refresh token owned by subject
func (s *Store) DeleteAllForSubject(ctx context.Context, subject string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_all_for_subject")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	tokens := s.bySubject[subject]
	n := len(tokens)
	for token := range tokens {
		delete(s.records, token)
	}
	delete(s.bySubject, subject)
	s.recordCount.Add(-int64(n))
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "delete_all_for_subject", nil, start)
	return n, nil
}

// Take removes and returns the record for token in one step
func (s *Store) Take(ctx context.Context, token string) (*storage.Record, error) {
	ctx, span := s.startStorageSpan(ctx, "take")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	rec, ok := s.records[token]
	if ok {
		s.deleteLocked(rec)
		ok = rec.Valid(s.now())
	}
	s.mu.Unlock()

	if !ok {
		s.recordStorageOperation(ctx, span, "take", storage.ErrNotFound, start)
		return nil, storage.ErrNotFound
	}
	s.recordStorageOperation(ctx, span, "take", nil, start)
	return rec, nil
}

// MarkCodeUsed records codeID; it returns false if the id is already recorded and unexpired
func (s *Store) MarkCodeUsed(ctx context.Context, codeID string, expiresAt time.Time) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "mark_code_used")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	prev, seen := s.usedCodes[codeID]
	fresh := !seen || !s.now().Before(prev)
	if fresh {
		s.usedCodes[codeID] = expiresAt
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "mark_code_used", nil, start)
	return fresh, nil
}

// DeleteExpired removes expired refresh tokens and ledger entries
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	now := s.now()
	removed := 0
	for _, rec := range s.records {
		if !rec.Valid(now) {
			s.deleteLocked(rec)
			removed++
		}
	}
	for id, exp := range s.usedCodes {
		if !now.Before(exp) {
			delete(s.usedCodes, id)
			removed++
		}
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "delete_expired", nil, start)
	return removed, nil
}

// Len returns the number of stored refresh tokens, expired ones included
func (s *Store) Len() int {
	return int(s.recordCount.Load())
}

// deleteLocked must be called with mu held.
func (s *Store) deleteLocked(rec *storage.Record) {
	delete(s.records, rec.Token)
	s.unindexLocked(rec)
	s.recordCount.Add(-1)
}

func (s *Store) unindexLocked(rec *storage.Record) {
	tokens := s.bySubject[rec.Subject]
	delete(tokens, rec.Token)
	if len(tokens) == 0 {
		delete(s.bySubject, rec.Subject)
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n, _ := s.DeleteExpired(context.Background()); n > 0 {
				s.logger.Debug("Cleaned up expired entries", "count", n)
			}
		}
	}
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.telemetry.Start(ctx, operation)
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	s.telemetry.Finish(ctx, span, operation, err, start)
}
