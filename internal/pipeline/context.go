// Package pipeline implements the ordered pre/post middleware chain every
// adapter runs requests through. Stage order is a security contract: it is
// fixed in code, not configurable.
package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"regexp"
	"time"

	"github.com/pohlai88/aibos-gateway/internal/audit"
)

// Anonymous is the sentinel identity for unauthenticated requests.
const Anonymous = "anonymous"

// AuthContext is the identity the auth stage resolves for a request.
type AuthContext struct {
	TenantID      string
	UserID        string
	Roles         []string
	Permissions   []string
	Token         string
	APIVersion    string
	RequestID     string
	ClientType    string
	ClientVersion string
}

// AnonymousAuth builds the sentinel context for unauthenticated requests.
func AnonymousAuth(requestID string) *AuthContext {
	return &AuthContext{
		TenantID:  Anonymous,
		UserID:    Anonymous,
		Roles:     []string{Anonymous},
		RequestID: requestID,
	}
}

// IsSystem reports whether this is a privileged system context. Both the
// user id and the role must say so; a spoofed header alone is not enough.
func (a *AuthContext) IsSystem() bool {
	return a.UserID == "system" && a.HasRole("system")
}

// IsAnonymous reports whether the request never authenticated.
func (a *AuthContext) IsAnonymous() bool {
	return a.UserID == Anonymous
}

// HasRole reports whether the context carries the named role.
func (a *AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the context carries the named scope.
func (a *AuthContext) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// ZoneResult records what the zone guard decided.
type ZoneResult struct {
	Allowed      bool
	Shared       bool
	SystemBypass bool
	TargetTenant string
}

// Context is the per-request state accumulated across stages. It is owned by
// the goroutine handling the request and dies with it.
type Context struct {
	Request  *http.Request
	Path     string // resolved path, query stripped
	Protocol string

	Body      interface{}
	RawBody   []byte
	Sanitized interface{}
	Flags     []string // sanitizer findings

	Auth *AuthContext
	Zone *ZoneResult

	RateRemaining int
	RateReset     int64 // unix ms

	TraceID string
	SpanID  string
	Start   time.Time

	auditEntry *audit.Entry
}

var (
	traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// newContext seeds a Context from the inbound request. Trace and span ids
// come from the W3C-shaped headers when present and well-formed, otherwise
// they are generated.
func newContext(r *http.Request, protocol string) *Context {
	c := &Context{
		Request:  r,
		Path:     r.URL.Path,
		Protocol: protocol,
		Start:    time.Now(),
	}
	c.TraceID = r.Header.Get("X-Trace-ID")
	if !traceIDPattern.MatchString(c.TraceID) {
		c.TraceID = randomHex(16)
	}
	c.SpanID = r.Header.Get("X-Span-ID")
	if !spanIDPattern.MatchString(c.SpanID) {
		c.SpanID = randomHex(8)
	}
	return c
}

// Input returns the payload that reaches the kernel: sanitized when the
// sanitizer ran, the parsed body otherwise.
func (c *Context) Input() interface{} {
	if c.Sanitized != nil {
		return c.Sanitized
	}
	return c.Body
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process is in serious trouble;
		// a zero id is still structurally valid for correlation.
		return hex.EncodeToString(make([]byte, n))
	}
	return hex.EncodeToString(b)
}
