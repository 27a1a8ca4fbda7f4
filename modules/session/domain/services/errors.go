package services

import "errors"

// Error taxonomy (spec section 7). Components return these sentinel-wrapped
// errors so callers at the HTTP/WebSocket boundary can map them to the
// correct client-visible behavior without inspecting component internals.
var (
	// ErrConflictingContent: Chunk Store put() saw the same (session,role,seq)
	// key written before with different bytes.
	ErrConflictingContent = errors.New("chunk store: conflicting content for existing sequence")

	// ErrStoreUnavailable: transient Session State Store backend failure.
	ErrStoreUnavailable = errors.New("session state store: unavailable")

	// ErrSessionCorrupt: the stored session document failed to migrate or
	// decode and has been quarantined.
	ErrSessionCorrupt = errors.New("session state store: session corrupt")

	// ErrUpstreamUnavailable: Inference Client exhausted primary and
	// secondary (or the circuit is open with no secondary configured).
	ErrUpstreamUnavailable = errors.New("inference client: upstream unavailable")

	// ErrUnknownCluster: cluster_map referenced a cluster id absent from
	// session.Clusters (P6 guard).
	ErrUnknownCluster = errors.New("speaker resolver: unknown cluster")

	// ErrSessionFinalized: ingest or mutation attempted after stage 9 closed
	// the session.
	ErrSessionFinalized = errors.New("session: already finalized")

	// ErrInvalidChunk: a chunk frame's decoded payload size did not match
	// sample_rate*channels*2.
	ErrInvalidChunk = errors.New("ingest gateway: invalid chunk payload size")

	// ErrUnauthorized: api_key / bearer credential failed the constant-time
	// comparison.
	ErrUnauthorized = errors.New("auth: invalid credential")
)
