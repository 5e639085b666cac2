package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authbridge/internal/util"
	"github.com/giantswarm/mcp-authbridge/storage"
)

// recordJSON is the stored form of a refresh token record.
// The Lua scripts read the subject field.
type recordJSON struct {
	Token     string   `json:"token"`
	Subject   string   `json:"subject"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes,omitempty"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt int64    `json:"expires_at"`
}

func toJSON(r *storage.Record) ([]byte, error) {
	return json.Marshal(recordJSON{
		Token:     r.Token,
		Subject:   r.Subject,
		ClientID:  r.ClientID,
		Scopes:    r.Scopes,
		IssuedAt:  r.IssuedAt.UnixNano(),
		ExpiresAt: r.ExpiresAt.UnixNano(),
	})
}

func fromJSON(data string) (*storage.Record, error) {
	var j recordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token record: %w", err)
	}
	return &storage.Record{
		Token:     j.Token,
		Subject:   j.Subject,
		ClientID:  j.ClientID,
		Scopes:    j.Scopes,
		IssuedAt:  time.Unix(0, j.IssuedAt).UTC(),
		ExpiresAt: time.Unix(0, j.ExpiresAt).UTC(),
	}, nil
}

// Put stores record with a PX matching its remaining lifetime
func (s *Store) Put(ctx context.Context, record *storage.Record) (err error) {
	ctx, span := s.telemetry.Start(ctx, "put")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "put", err, start) }(time.Now())

	if record == nil || record.Token == "" || record.Subject == "" {
		return fmt.Errorf("refresh token record must have a token and a subject")
	}
	if len(record.Token) > MaxTokenLength {
		return fmt.Errorf("refresh token exceeds %d bytes", MaxTokenLength)
	}

	data, err := toJSON(record)
	if err != nil {
		return fmt.Errorf("failed to encode refresh token record: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaPutRefreshToken).
			Numkeys(2).
			Key(s.refreshKey(record.Token), s.subjectKey(record.Subject)).
			Arg(string(data), strconv.FormatInt(s.ttlMillis(record.ExpiresAt), 10), record.Token).
			Build(),
	).Error()
	if err != nil {
		return storage.NewStorageError("put", err)
	}

	s.logger.Debug("Stored refresh token",
		"token_prefix", util.SafeTruncate(record.Token, tokenLogLength),
		"client_id", record.ClientID)
	return nil
}

// Get returns the record for token. An expired record is removed and reported as not found.
func (s *Store) Get(ctx context.Context, token string) (rec *storage.Record, err error) {
	ctx, span := s.telemetry.Start(ctx, "get")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "get", err, start) }(time.Now())

	if token == "" || len(token) > MaxTokenLength {
		return nil, storage.ErrNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(token)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewStorageError("get", err)
	}

	rec, err = fromJSON(data)
	if err != nil {
		return nil, storage.NewStorageError("get", err)
	}
	if !rec.Valid(s.now()) {
		if _, err := s.take(ctx, token); err != nil && err != storage.ErrNotFound {
			s.logger.Warn("Failed to delete expired refresh token", "error", err)
		}
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

// Delete removes token and its index entry
func (s *Store) Delete(ctx context.Context, token string) (err error) {
	ctx, span := s.telemetry.Start(ctx, "delete")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "delete", err, start) }(time.Now())

	if token == "" || len(token) > MaxTokenLength {
		return nil
	}
	if _, err = s.take(ctx, token); err == storage.ErrNotFound {
		err = nil
	}
	return err
}

// DeleteAllForSubject removes every refresh token of subject
func (s *Store) DeleteAllForSubject(ctx context.Context, subject string) (n int, err error) {
	ctx, span := s.telemetry.Start(ctx, "delete_all_for_subject")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "delete_all_for_subject", err, start) }(time.Now())

	removed, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeleteAllForSubject).
			Numkeys(1).
			Key(s.subjectKey(subject)).
			Arg(s.prefix+"refresh:").
			Build(),
	).AsInt64()
	if err != nil {
		return 0, storage.NewStorageError("delete_all_for_subject", err)
	}
	return int(removed), nil
}

// Take atomically removes and returns the record for token
func (s *Store) Take(ctx context.Context, token string) (rec *storage.Record, err error) {
	ctx, span := s.telemetry.Start(ctx, "take")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "take", err, start) }(time.Now())

	if token == "" || len(token) > MaxTokenLength {
		return nil, storage.ErrNotFound
	}

	rec, err = s.take(ctx, token)
	if err != nil {
		return nil, err
	}
	if !rec.Valid(s.now()) {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) take(ctx context.Context, token string) (*storage.Record, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTakeRefreshToken).
			Numkeys(1).
			Key(s.refreshKey(token)).
			Arg(s.prefix+"subject:", token).
			Build(),
	).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewStorageError("take", err)
	}
	rec, err := fromJSON(data)
	if err != nil {
		return nil, storage.NewStorageError("take", err)
	}
	return rec, nil
}
