package pipeline

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/audit"
	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/logging"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/ratelimit"
)

// Pipeline runs the fixed-order middleware chain. One instance serves all
// adapters; per-request state lives in Context.
type Pipeline struct {
	Manifest  *manifest.Manifest
	Limiter   *ratelimit.Limiter
	Audit     audit.Store
	Pending   *audit.PendingTable
	Validator TokenValidator
}

// New wires a pipeline over its collaborators.
func New(m *manifest.Manifest, limiter *ratelimit.Limiter, store audit.Store, validator TokenValidator) *Pipeline {
	return &Pipeline{
		Manifest:  m,
		Limiter:   limiter,
		Audit:     store,
		Pending:   audit.NewPendingTable(),
		Validator: validator,
	}
}

type stage func(c *Context) *errors.GatewayError

// Pre runs the pre-handler phase. handled=true means the stage already wrote
// the response (CORS preflight). A non-nil error is terminal: the caller
// emits its surface's error envelope and finalizes the audit.
func (p *Pipeline) Pre(w http.ResponseWriter, r *http.Request, protocol string) (*Context, *errors.GatewayError, bool) {
	c := newContext(r, protocol)

	if p.corsPreflight(c, w) {
		return c, nil, true
	}

	stages := []stage{
		p.validateHeaders,
		p.extractBody,
		p.burstLimit,
		p.windowLimit,
		p.authenticate,
		p.zoneGuard,
		p.firewallPre,
		p.sanitizeInput,
		p.auditRequest,
	}
	for _, s := range stages {
		if ge := s(c); ge != nil {
			return c, ge, false
		}
	}
	return c, nil, false
}

// PostCheck runs output validation and the firewall post-check over the
// kernel result before the adapter serializes it.
func (p *Pipeline) PostCheck(c *Context, result interface{}) *errors.GatewayError {
	if ge := p.validateOutput(c, result); ge != nil {
		return ge
	}
	return p.firewallPost(c, result)
}

// Meta builds the envelope metadata for the request.
func (p *Pipeline) Meta(c *Context) errors.Meta {
	requestID, tenantID := "", ""
	if c.Auth != nil {
		requestID = c.Auth.RequestID
		tenantID = c.Auth.TenantID
	}
	if requestID == "" {
		requestID = c.Request.Header.Get("X-Request-ID")
	}
	m := errors.NewMeta(requestID, tenantID, c.Path, c.Request.Method, c.Protocol)
	m.TraceID = c.TraceID
	m.SpanID = c.SpanID
	m.Duration = time.Since(c.Start).Milliseconds()
	return m
}

// WriteError emits the standard error envelope with assembled headers and
// finalizes the pending audit entry. Adapters with their own error surface
// call AttachHeaders and FinalizeAudit directly instead.
func (p *Pipeline) WriteError(w http.ResponseWriter, c *Context, ge *errors.GatewayError) {
	status := p.Manifest.ErrorStatus(string(ge.Code), ge.HTTPStatus())
	p.AttachHeaders(c, w.Header())
	env := errors.StandardError(ge, p.Meta(c), p.Manifest.Masking())
	env.WriteJSON(w, status)
	p.FinalizeAudit(c, status, string(ge.Code))

	logging.Debug("request failed",
		zap.String("path", c.Path),
		zap.String("code", string(ge.Code)),
		zap.Int("status", status))
}
