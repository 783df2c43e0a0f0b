package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pohlai88/aibos-gateway/internal/audit"
	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/logging"
)

// auditRequest classifies the request and parks a pending entry (stage 10).
func (p *Pipeline) auditRequest(c *Context) *errors.GatewayError {
	sec := p.Manifest.Security
	if !sec.AuditTrailRequired {
		return nil
	}

	category, risk := audit.Classify(c.Request.Method, c.Path, c.Auth.IsSystem())
	if category == audit.CategoryRead && !sec.AuditReads {
		return nil
	}
	if category != audit.CategoryRead && !sec.AuditMutations &&
		category != audit.CategoryAdmin && category != audit.CategorySystem {
		return nil
	}

	entry := &audit.Entry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  c.Auth.RequestID,
		Method:     c.Request.Method,
		Path:       c.Path,
		Protocol:   c.Protocol,
		TenantID:   c.Auth.TenantID,
		UserID:     c.Auth.UserID,
		Roles:      c.Auth.Roles,
		APIVersion: c.Auth.APIVersion,
		ClientType: c.Auth.ClientType,
		TraceID:    c.TraceID,
		SpanID:     c.SpanID,
		Category:   category,
		RiskLevel:  risk,
		Status:     audit.StatusPending,
	}
	c.auditEntry = entry
	p.Pending.Put(entry.RequestID, entry, c.Start)
	return nil
}

// FinalizeAudit closes the pending entry for this request (stage 14). Status
// derives from the HTTP status code, except that deadline expiry always
// closes as error; the store links and appends the entry atomically. Called
// exactly once per audited request, on success and error paths alike.
func (p *Pipeline) FinalizeAudit(c *Context, statusCode int, errorCode string) {
	if c.auditEntry == nil {
		return
	}
	entry, started, ok := p.Pending.Take(c.auditEntry.RequestID)
	if !ok {
		return
	}
	c.auditEntry = nil

	switch {
	case statusCode == 0:
		entry.Status = audit.StatusError
	case errorCode == string(errors.CodeGatewayTimeout):
		entry.Status = audit.StatusError
	case statusCode >= 400:
		entry.Status = audit.StatusFailure
	default:
		entry.Status = audit.StatusSuccess
	}
	entry.StatusCode = statusCode
	entry.ErrorCode = errorCode
	entry.DurationMs = time.Since(started).Milliseconds()

	// The request context may already be cancelled; the append still has to
	// land, so it gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Audit.Append(ctx, entry); err != nil {
		logging.Error("audit append failed",
			zap.String("requestId", entry.RequestID),
			zap.Error(err))
	}
}

// ExpirePending finalizes entries abandoned past maxAge with status error.
// Run periodically by the gateway.
func (p *Pipeline) ExpirePending(maxAge time.Duration) {
	for _, entry := range p.Pending.Expire(maxAge) {
		entry.Status = audit.StatusError
		entry.ErrorCode = string(errors.CodeGatewayTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Audit.Append(ctx, entry); err != nil {
			logging.Error("expired audit append failed",
				zap.String("requestId", entry.RequestID),
				zap.Error(err))
		}
		cancel()
	}
}
