package pipeline

import (
	"net/http"
	"strconv"
	"time"
)

// AttachHeaders assembles the response header set (stage 13): correlation
// echoes, rate-limit state, security hardening, and response time. Must run
// before the status line is written.
func (p *Pipeline) AttachHeaders(c *Context, h http.Header) {
	if c.Auth != nil {
		setIf(h, "X-Request-ID", c.Auth.RequestID)
		setIf(h, "X-API-Version", c.Auth.APIVersion)
		setIf(h, "X-Tenant-ID", c.Auth.TenantID)
		setIf(h, "X-User-ID", c.Auth.UserID)
	} else {
		setIf(h, "X-Request-ID", c.Request.Header.Get("X-Request-ID"))
	}
	h.Set("X-Protocol", c.Protocol)
	setIf(h, "X-Trace-ID", c.TraceID)
	setIf(h, "X-Span-ID", c.SpanID)

	if c.RateReset > 0 {
		h.Set("X-RateLimit-Remaining", strconv.Itoa(c.RateRemaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(c.RateReset/1000, 10))
	}

	if p.Manifest.Hardening.SecurityHeadersEnabled {
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if p.Manifest.Hardening.StrictTransport {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
	}

	p.attachCORS(c, h)
	h.Set("X-Response-Time", strconv.FormatInt(time.Since(c.Start).Milliseconds(), 10)+"ms")
}

func setIf(h http.Header, name, value string) {
	if value != "" {
		h.Set(name, value)
	}
}
