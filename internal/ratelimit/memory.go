package ratelimit

import (
	"context"
	"sync"
	"time"
)

// reapThreshold is the table size past which a write also drops every expired
// bucket. Cleanup is purely access-driven, so an idle process runs nothing.
const reapThreshold = 1024

// MemoryStore is the in-process reference Store. Expired buckets are reaped
// lazily: reads skip them, and writes sweep the table once it grows past
// reapThreshold. No background timers.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*Bucket)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok || b.ResetAt <= time.Now().UnixMilli() {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, b *Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *b
	s.mu.Lock()
	s.reapLocked(time.Now().UnixMilli())
	s.buckets[key] = &cp
	s.mu.Unlock()
	return nil
}

// Increment bumps the live window for key, opening a fresh window of
// windowMs when none exists or the old one expired.
func (s *MemoryStore) Increment(ctx context.Context, key string, windowMs int64) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(now)
	b, ok := s.buckets[key]
	if !ok || b.ResetAt <= now {
		b = &Bucket{Count: 1, ResetAt: now + windowMs}
		s.buckets[key] = b
	} else {
		b.Count++
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// reapLocked drops expired buckets when the table has outgrown the threshold.
// Caller holds s.mu.
func (s *MemoryStore) reapLocked(now int64) {
	if len(s.buckets) < reapThreshold {
		return
	}
	for k, b := range s.buckets {
		if b.ResetAt <= now {
			delete(s.buckets, k)
		}
	}
}
