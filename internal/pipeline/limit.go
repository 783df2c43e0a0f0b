package pipeline

import (
	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/ratelimit"
)

// burstLimit is the short-window limit (stage 4). Runs before auth, so the
// tenant comes from the header and normalizes to "anonymous" when absent.
func (p *Pipeline) burstLimit(c *Context) *errors.GatewayError {
	if !p.Manifest.Enforcement.RateLimitRequired {
		return nil
	}
	return p.consume(c, "burst", p.Manifest.RateLimits.Burst)
}

// windowLimit is the sustained-window limit (stage 5).
func (p *Pipeline) windowLimit(c *Context) *errors.GatewayError {
	if !p.Manifest.Enforcement.RateLimitRequired {
		return nil
	}
	return p.consume(c, "requests", p.Manifest.RateLimits.Requests)
}

func (p *Pipeline) consume(c *Context, kind string, rule manifest.RateLimitRule) *errors.GatewayError {
	tenant := ratelimit.NormalizeTenant(c.Request.Header.Get("X-Tenant-ID"))
	res, err := p.Limiter.Allow(c.Request.Context(), tenant, kind, rule)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "rate limit check failed")
	}
	c.RateRemaining = res.Remaining
	c.RateReset = res.ResetAt
	if !res.Allowed {
		return errors.Newf(errors.CodeRateLimited, "rate limit exceeded for %s window", kind).
			WithRetryAfter(res.RetryAfter)
	}
	return nil
}
