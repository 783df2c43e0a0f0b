// Package adapter defines the capability set every protocol surface
// implements and the registry the gateway indexes them by.
package adapter

import (
	"net/http"
	"sort"
	"sync"
)

// Adapter is one protocol surface. Handle runs the full pipeline for its
// wire format; Describe returns a surface-specific spec document when the
// surface has one (OpenAPI document, GraphQL schema).
type Adapter interface {
	Name() string
	Mount() string
	Handle(w http.ResponseWriter, r *http.Request)
	Ready() bool
	Describe() (interface{}, bool)
}

// Registry indexes adapters by protocol name. Built once at boot, read-only
// afterwards; the lock only guards construction-time registration.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its protocol name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a protocol name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// All returns every registered adapter sorted by name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
