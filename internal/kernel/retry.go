package kernel

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/logging"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
)

// Retry wraps an Executor with exponential backoff on transient failures.
// Only SERVICE_UNAVAILABLE is retried; every other code is terminal for the
// request that produced it.
type Retry struct {
	next Executor
	cfg  manifest.RetryConfig
}

// NewRetry builds the retrying executor from the manifest retry policy.
func NewRetry(next Executor, cfg manifest.RetryConfig) *Retry {
	return &Retry{next: next, cfg: cfg}
}

func (r *Retry) Run(ctx context.Context, inv Invocation) (interface{}, error) {
	attempts := r.cfg.MaxAttempts
	if attempts <= 1 {
		return r.next.Run(ctx, inv)
	}

	bo := backoff.NewExponentialBackOff()
	if r.cfg.InitialIntervalMs > 0 {
		bo.InitialInterval = time.Duration(r.cfg.InitialIntervalMs) * time.Millisecond
	}
	if r.cfg.MaxIntervalMs > 0 {
		bo.MaxInterval = time.Duration(r.cfg.MaxIntervalMs) * time.Millisecond
	}
	if r.cfg.Multiplier > 0 {
		bo.Multiplier = r.cfg.Multiplier
	}

	var result interface{}
	attempt := 0
	op := func() error {
		attempt++
		out, err := r.next.Run(ctx, inv)
		if err != nil {
			ge := errors.AsGatewayError(err)
			if ge.Code == errors.CodeServiceUnavailable && attempt < attempts {
				logging.Warn("kernel call failed, retrying",
					zap.String("code", inv.Code),
					zap.Int("attempt", attempt),
					zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		result = out
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}
