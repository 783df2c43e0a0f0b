package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pohlai88/aibos-gateway/internal/manifest"
)

// ValidationResult is what a TokenValidator reports back.
type ValidationResult struct {
	Valid       bool
	UserID      string
	Roles       []string
	Permissions []string
	TenantID    string
	Error       string
}

// TokenValidator verifies an Authorization credential against the manifest's
// policy. Injected so deployments can plug their own identity provider.
type TokenValidator interface {
	Validate(token string, m *manifest.Manifest) *ValidationResult
}

// APIKeyIdentity is one provisioned opaque key.
type APIKeyIdentity struct {
	UserID      string
	TenantID    string
	Roles       []string
	Permissions []string
}

// DefaultValidator recognises "Bearer <jwt>" (HMAC-signed) and opaque
// "<prefix>_<key>" credentials from a provisioned key table.
type DefaultValidator struct {
	secret    []byte
	keyPrefix string

	mu   sync.RWMutex
	keys map[string]APIKeyIdentity
}

// NewDefaultValidator creates the built-in validator. keyPrefix names the
// opaque scheme, e.g. "ak" accepts "ak_<key>" credentials.
func NewDefaultValidator(jwtSecret, keyPrefix string) *DefaultValidator {
	return &DefaultValidator{
		secret:    []byte(jwtSecret),
		keyPrefix: keyPrefix,
		keys:      make(map[string]APIKeyIdentity),
	}
}

// AddKey provisions an opaque API key.
func (v *DefaultValidator) AddKey(key string, id APIKeyIdentity) {
	v.mu.Lock()
	v.keys[key] = id
	v.mu.Unlock()
}

func (v *DefaultValidator) Validate(token string, m *manifest.Manifest) *ValidationResult {
	switch {
	case strings.HasPrefix(token, "Bearer "):
		return v.validateJWT(strings.TrimPrefix(token, "Bearer "), m)
	case v.keyPrefix != "" && strings.HasPrefix(token, v.keyPrefix+"_"):
		return v.validateKey(token)
	default:
		return &ValidationResult{Error: "unsupported credential form"}
	}
}

func (v *DefaultValidator) validateJWT(raw string, m *manifest.Manifest) *ValidationResult {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return &ValidationResult{Error: fmt.Sprintf("invalid token: %v", err)}
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return &ValidationResult{Error: "invalid token claims"}
	}

	res := &ValidationResult{Valid: true}
	if sub, _ := claims.GetSubject(); sub != "" {
		res.UserID = sub
	}
	if tid, ok := claims["tenantId"].(string); ok {
		res.TenantID = tid
	}
	res.Roles = stringClaim(claims, "roles")
	res.Permissions = stringClaim(claims, "permissions")

	if res.UserID == "" {
		return &ValidationResult{Error: "token missing subject"}
	}
	if m.Security.RequireTenantID && res.TenantID == "" {
		return &ValidationResult{Error: "token missing tenant claim"}
	}
	return res
}

func (v *DefaultValidator) validateKey(token string) *ValidationResult {
	v.mu.RLock()
	id, ok := v.keys[token]
	v.mu.RUnlock()
	if !ok {
		return &ValidationResult{Error: "unknown api key"}
	}
	return &ValidationResult{
		Valid:       true,
		UserID:      id.UserID,
		TenantID:    id.TenantID,
		Roles:       id.Roles,
		Permissions: id.Permissions,
	}
}

func stringClaim(claims jwt.MapClaims, name string) []string {
	raw, ok := claims[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
