package audit

import (
	"sync"
	"time"
)

// PendingTable holds entries between the request and response audit stages,
// keyed by request id. Internally synchronized; entries abandoned by crashed
// requests are reaped by Expire.
type PendingTable struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	entry   *Entry
	started time.Time
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{pending: make(map[string]*pendingEntry)}
}

// Put stores a pending entry and its start time.
func (t *PendingTable) Put(requestID string, e *Entry, started time.Time) {
	t.mu.Lock()
	t.pending[requestID] = &pendingEntry{entry: e, started: started}
	t.mu.Unlock()
}

// Take removes and returns the pending entry plus its start time.
func (t *PendingTable) Take(requestID string) (*Entry, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[requestID]
	if !ok {
		return nil, time.Time{}, false
	}
	delete(t.pending, requestID)
	return p.entry, p.started, true
}

// Len reports how many entries are awaiting finalization.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Expire removes entries older than maxAge and returns them so callers can
// finalize them with status error.
func (t *PendingTable) Expire(maxAge time.Duration) []*Entry {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Entry
	for id, p := range t.pending {
		if p.started.Before(cutoff) {
			out = append(out, p.entry)
			delete(t.pending, id)
		}
	}
	return out
}
