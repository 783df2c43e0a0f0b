package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the chain as an ordered slice plus a request-id index.
// The reference implementation for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	secret  string
	entries []*Entry
	byReqID map[string]*Entry
}

// NewMemoryStore creates an empty in-memory chain. The secret selects
// HMAC-SHA-256 hashing when non-empty.
func NewMemoryStore(secret string) *MemoryStore {
	return &MemoryStore{
		secret:  secret,
		byReqID: make(map[string]*Entry),
	}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := Genesis
	if n := len(s.entries); n > 0 {
		prev = s.entries[n-1].Hash
	}
	cp := *e
	cp.PreviousHash = prev
	h, err := ComputeHash(&cp, prev, s.secret)
	if err != nil {
		return err
	}
	cp.Hash = h
	s.entries = append(s.entries, &cp)
	s.byReqID[cp.RequestID] = &cp

	e.PreviousHash = cp.PreviousHash
	e.Hash = cp.Hash
	return nil
}

func (s *MemoryStore) LastHash(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 {
		return s.entries[n-1].Hash, nil
	}
	return Genesis, nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byReqID[requestID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Verify(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	entries := make([]*Entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()
	return VerifyChain(entries, s.secret), nil
}

// Entries returns a snapshot of the chain in append order.
func (s *MemoryStore) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}
