package services

import (
	"context"

	"edgesession/server/modules/session/domain/entities"
)

// ChunkRange is one ordered slot in a range() response; Bytes is nil for a
// seq that was never written (a reported gap, not an error — spec 4.1).
type ChunkRange struct {
	Seq   int
	Bytes []byte
}

// ChunkStore is the append-only per-(session,stream) ordered blob store
// (spec section 4.1). It owns raw audio bytes; the Session State Store owns
// everything else.
type ChunkStore interface {
	// Put is idempotent on (session,role,seq). Writing the same key twice
	// with identical bytes is a no-op; writing it with different bytes
	// returns ErrConflictingContent (P1, L1).
	Put(ctx context.Context, sessionID string, role entities.StreamRole, seq int, bytes []byte) error

	// Range returns chunks ordered by seq across [from,to]; an entry whose
	// Bytes is nil denotes a seq never observed.
	Range(ctx context.Context, sessionID string, role entities.StreamRole, from, to int) ([]ChunkRange, error)

	// AssembleWav concatenates every chunk in order, filling gaps with
	// silence of the gap's nominal 1s-per-seq duration, and returns a
	// complete 16kHz/mono/PCM16 WAV file whose duration equals lastSeq
	// seconds.
	AssembleWav(ctx context.Context, sessionID string, role entities.StreamRole, lastSeq int) ([]byte, error)

	// PutResult persists the finalizer's durable result.json at
	// sessions/{id}/result.json.
	PutResult(ctx context.Context, sessionID string, result []byte) error

	// GetResult returns a previously persisted result.json, if any.
	GetResult(ctx context.Context, sessionID string) ([]byte, bool, error)
}
