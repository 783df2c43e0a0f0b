package pipeline

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/pohlai88/aibos-gateway/internal/errors"
)

// forwardedHeaders are stripped when the manifest hardening flag is set so
// upstream trust decisions never read client-controlled proxy headers.
var forwardedHeaders = []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto", "X-Real-IP"}

// validateHeaders normalizes and vets the inbound header set: request id
// generation, required headers, immutable header rejection, forwarded-header
// stripping, and Host whitelisting.
func (p *Pipeline) validateHeaders(c *Context) *errors.GatewayError {
	r := c.Request

	if r.Header.Get("X-Request-ID") == "" {
		r.Header.Set("X-Request-ID", uuid.New().String())
	}

	for _, name := range p.Manifest.Security.ImmutableHeaders {
		if r.Header.Get(name) != "" {
			return errors.New(errors.CodeValidation,
				fmt.Sprintf("header %s must not be set by clients", name))
		}
	}

	for _, name := range p.Manifest.RequiredHeaders.All {
		if r.Header.Get(name) == "" {
			return errors.New(errors.CodeValidation,
				fmt.Sprintf("missing required header %s", name))
		}
	}

	if p.Manifest.Hardening.StripForwardedHeaders {
		for _, name := range forwardedHeaders {
			r.Header.Del(name)
		}
	}

	if allowed := p.Manifest.Hardening.AllowedHosts; len(allowed) > 0 {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		ok := false
		for _, a := range allowed {
			if strings.EqualFold(a, host) {
				ok = true
				break
			}
		}
		if !ok {
			return errors.New(errors.CodeForbidden,
				fmt.Sprintf("host %q not allowed", host))
		}
	}
	return nil
}
