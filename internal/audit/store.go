package audit

import "context"

// Store persists the hash chain. Append finalizes the chain link under the
// store's own synchronization: it reads the current tail as previousHash,
// computes the entry hash, and commits atomically, so concurrent appends
// always produce a linear chain. Cancelled contexts are no-ops.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	LastHash(ctx context.Context) (string, error)
	Get(ctx context.Context, requestID string) (*Entry, error)
	Verify(ctx context.Context) (bool, error)
}
