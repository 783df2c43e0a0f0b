package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/logging"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
)

// Result is the outcome of one limit check, ready to render as headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    int64 // unix milliseconds
	RetryAfter int   // seconds, populated when denied
}

// Limiter evaluates manifest rate-limit rules against a Store.
type Limiter struct {
	store Store
}

// NewLimiter wraps a store. The manifest rule is passed per call so limiter
// instances survive manifest reloads.
func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes one slot from the tenant's window for the given kind. A rule
// with Max <= 0 disables the limit. Store failures fail open: an unreachable
// backend must not take the gateway down with it.
func (l *Limiter) Allow(ctx context.Context, tenant, kind string, rule manifest.RateLimitRule) (*Result, error) {
	if rule.Max <= 0 {
		return &Result{Allowed: true, Limit: rule.Max, Remaining: rule.Max}, nil
	}
	key := Key(tenant, kind)
	b, err := l.store.Increment(ctx, key, rule.WindowMs)
	if err != nil {
		logging.Warn("rate limit store unavailable, failing open",
			zap.String("key", key), zap.Error(err))
		return &Result{Allowed: true, Limit: rule.Max, Remaining: rule.Max}, nil
	}

	res := &Result{Limit: rule.Max, ResetAt: b.ResetAt}
	if b.Count <= rule.Max {
		res.Allowed = true
		res.Remaining = rule.Max - b.Count
		return res, nil
	}

	// Retry-After is ceil(ms-until-reset / 1000), never below one second.
	ms := b.ResetAt - time.Now().UnixMilli()
	retry := int((ms + 999) / 1000)
	if retry < 1 {
		retry = 1
	}
	res.RetryAfter = retry
	return res, nil
}

// SetHeaders writes the standard X-RateLimit-* trio, plus Retry-After when
// the request was denied.
func (r *Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt/1000, 10))
	if !r.Allowed && r.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(r.RetryAfter))
	}
}
