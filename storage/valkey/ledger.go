package valkey

import (
	"context"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authbridge/storage"
)

// MarkCodeUsed sets the ledger key with NX; an existing key means the code was already exchanged.
func (s *Store) MarkCodeUsed(ctx context.Context, codeID string, expiresAt time.Time) (fresh bool, err error) {
	ctx, span := s.telemetry.Start(ctx, "mark_code_used")
	defer span.End()
	defer func(start time.Time) { s.telemetry.Finish(ctx, span, "mark_code_used", err, start) }(time.Now())

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(codeID)).Value("1").Nx().
			PxMilliseconds(s.ttlMillis(expiresAt)).
			Build(),
	).Error()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return false, nil
		}
		return false, storage.NewStorageError("mark_code_used", err)
	}
	return true, nil
}
