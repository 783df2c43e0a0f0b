// Package ratelimit implements fixed-window rate limiting over a pluggable
// bucket store. Buckets are keyed per tenant and limit kind; the in-memory
// store serves single-process deployments and the Redis store shares windows
// across replicas.
package ratelimit

import (
	"context"
	"strings"
)

// Bucket is one fixed window: how many requests it has seen and when it ends.
type Bucket struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"` // unix milliseconds
}

// Store is the pluggable bucket backend. Implementations must serialize
// Increment so concurrent callers never lose counts. Cancelled contexts are
// no-ops that leave stored state intact.
type Store interface {
	Get(ctx context.Context, key string) (*Bucket, error)
	Set(ctx context.Context, key string, b *Bucket) error
	Increment(ctx context.Context, key string, windowMs int64) (*Bucket, error)
	Delete(ctx context.Context, key string) error
}

// Key builds the canonical bucket key rl:<tenant>:<kind>. Tenants normalize
// to trimmed lowercase; a missing tenant collapses to "anonymous".
func Key(tenant, kind string) string {
	return "rl:" + NormalizeTenant(tenant) + ":" + kind
}

// NormalizeTenant trims and lowercases a tenant id, mapping empty to the
// anonymous sentinel.
func NormalizeTenant(tenant string) string {
	t := strings.ToLower(strings.TrimSpace(tenant))
	if t == "" {
		return "anonymous"
	}
	return t
}
