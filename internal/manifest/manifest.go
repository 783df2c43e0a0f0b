// Package manifest defines the single signed configuration object that
// governs every downstream gateway policy, plus the drift guard that
// detects unauthorized changes to it at runtime.
//
// A process holds one Manifest at boot. Manifests are immutable after
// construction: Override and the loader always produce a new value.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Environment names recognized by CORS matrices, masking, and whitelists.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Protocol names recognized in the protocols map.
const (
	ProtocolOpenAPI   = "openapi"
	ProtocolTRPC      = "trpc"
	ProtocolGraphQL   = "graphql"
	ProtocolWebSocket = "websocket"
	ProtocolGRPC      = "grpc"
)

// ProtocolConfig describes one protocol surface.
type ProtocolConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`

	// GraphQL-specific.
	MaxDepth      int `json:"maxDepth,omitempty"`
	MaxComplexity int `json:"maxComplexity,omitempty"`

	// WebSocket-specific.
	MaxConnections      int   `json:"maxConnections,omitempty"` // per tenant
	MessagesPerSecond   int   `json:"messagesPerSecond,omitempty"`
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs,omitempty"`
	MaxPayloadBytes     int   `json:"maxPayloadBytes,omitempty"`
	MaxNestingDepth     int   `json:"maxNestingDepth,omitempty"`
}

// VersioningConfig controls API version negotiation.
type VersioningConfig struct {
	Strategy         string   `json:"strategy"` // header | path | query
	Default          string   `json:"default"`
	Latest           string   `json:"latest"`
	Supported        []string `json:"supported"`
	AllowLatestAlias bool     `json:"allowLatestAlias"`
}

// RateLimitRule is one fixed-window limit.
type RateLimitRule struct {
	Max      int   `json:"max"`
	WindowMs int64 `json:"windowMs"`
}

// RateLimitsConfig holds the per-kind limits.
type RateLimitsConfig struct {
	Requests  RateLimitRule `json:"requests"`
	Burst     RateLimitRule `json:"burst"`
	WebSocket RateLimitRule `json:"websocket"`
	GraphQL   RateLimitRule `json:"graphql"`
}

// PayloadLimitsConfig holds structural ceilings applied to bodies.
type PayloadLimitsConfig struct {
	MaxRequestBytes  int64 `json:"maxRequestBytes"`
	MaxResponseBytes int64 `json:"maxResponseBytes"`
	MaxArrayLength   int   `json:"maxArrayLength"`
	MaxStringLength  int   `json:"maxStringLength"`
	MaxDepth         int   `json:"maxDepth"`
}

// RequiredHeadersConfig groups headers by when they are demanded.
type RequiredHeadersConfig struct {
	All           []string `json:"all"`
	Authenticated []string `json:"authenticated"`
	Optional      []string `json:"optional"`
}

// CORSPolicy is the CORS matrix for one environment.
type CORSPolicy struct {
	Origins        []string `json:"origins"`
	Methods        []string `json:"methods"`
	Headers        []string `json:"headers"`
	ExposedHeaders []string `json:"exposedHeaders"`
	MaxAgeSeconds  int      `json:"maxAgeSeconds"`
	Credentials    bool     `json:"credentials"`
}

// SecurityConfig carries authentication and audit policy flags.
type SecurityConfig struct {
	RequireTenantID         bool     `json:"requireTenantId"`
	RequireAuth             bool     `json:"requireAuth"`
	TenantIsolationRequired bool     `json:"tenantIsolationRequired"`
	AnonymousPaths          []string `json:"anonymousPaths"`
	AuditTrailRequired      bool     `json:"auditTrailRequired"`
	AuditMutations          bool     `json:"auditMutations"`
	AuditReads              bool     `json:"auditReads"`
	ImmutableHeaders        []string `json:"immutableHeaders"`
}

// ZoneConfig carries tenant-boundary rules for the zone guard.
type ZoneConfig struct {
	SharedResources       []string `json:"sharedResources"`
	IsolatedResources     []string `json:"isolatedResources"`
	SystemBypassEnabled   bool     `json:"systemBypassEnabled"`
	CrossTenantEnabled    bool     `json:"crossTenantEnabled"`
	CrossTenantPermission string   `json:"crossTenantPermission"`
}

// AIFirewallConfig tunes the request/response firewall.
type AIFirewallConfig struct {
	BypassPaths        []string `json:"bypassPaths"`
	AIPaths            []string `json:"aiPaths"`
	SafeModePatterns   []string `json:"safeModePatterns"` // overrides the built-in set when non-empty
	RiskThreshold      float64  `json:"riskThreshold"`
	CriticalMultiplier float64  `json:"criticalMultiplier"`
}

// EnforcementConfig carries the hard gates the pipeline must honor.
type EnforcementConfig struct {
	DriftShieldRequired bool             `json:"driftShieldRequired"`
	RateLimitRequired   bool             `json:"rateLimitRequired"`
	AIFirewallRequired  bool             `json:"aiFirewallRequired"`
	SanitizeInputs      bool             `json:"sanitizeInputs"`
	StripHTML           bool             `json:"stripHtml"`
	ErrorMaskingEnabled bool             `json:"errorMaskingEnabled"`
	Zone                ZoneConfig       `json:"zone"`
	AIFirewall          AIFirewallConfig `json:"aiFirewall"`
}

// ErrorCodePolicy overrides status/recoverability for one error code.
type ErrorCodePolicy struct {
	Status      int  `json:"status"`
	Recoverable bool `json:"recoverable"`
}

// TimeoutsConfig buckets request deadlines in milliseconds.
type TimeoutsConfig struct {
	DefaultMs     int64 `json:"defaultMs"`
	LongRunningMs int64 `json:"longRunningMs"`
	WebSocketMs   int64 `json:"websocketMs"`
	HealthCheckMs int64 `json:"healthCheckMs"`
}

// RetryConfig shapes the backoff applied to retryable kernel calls.
type RetryConfig struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialIntervalMs int64   `json:"initialIntervalMs"`
	MaxIntervalMs     int64   `json:"maxIntervalMs"`
	Multiplier        float64 `json:"multiplier"`
}

// HardeningConfig carries transport-level hardening flags.
type HardeningConfig struct {
	AllowedHosts           []string `json:"allowedHosts"`
	StripForwardedHeaders  bool     `json:"stripForwardedHeaders"`
	StrictTransport        bool     `json:"strictTransport"`
	SecurityHeadersEnabled bool     `json:"securityHeadersEnabled"`
}

// Manifest is the immutable governance document. Every policy knob lives
// here; nothing outside this package mutates it after construction.
type Manifest struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Env     string `json:"env"`

	Protocols       map[string]ProtocolConfig  `json:"protocols"`
	Versioning      VersioningConfig           `json:"versioning"`
	RateLimits      RateLimitsConfig           `json:"rateLimits"`
	PayloadLimits   PayloadLimitsConfig        `json:"payloadLimits"`
	RequiredHeaders RequiredHeadersConfig      `json:"requiredHeaders"`
	CORS            map[string]CORSPolicy      `json:"cors"`
	Security        SecurityConfig             `json:"security"`
	Enforcement     EnforcementConfig          `json:"enforcement"`
	ErrorCodes      map[string]ErrorCodePolicy `json:"errorCodes"`
	Timeouts        TimeoutsConfig             `json:"timeouts"`
	Retry           RetryConfig                `json:"retry"`
	Hardening       HardeningConfig            `json:"hardening"`

	// Signature is "sha256-<hex>" over the deterministic serialization of
	// every other field. See signature.go.
	Signature string `json:"signature"`
}

// Default returns the built-in manifest. Callers never mutate the result;
// Override merges a patch onto a fresh copy.
func Default() *Manifest {
	return &Manifest{
		Kind:    "GatewayManifest",
		Name:    "aibos-gateway",
		Version: "1.0.0",
		Env:     EnvDevelopment,
		Protocols: map[string]ProtocolConfig{
			ProtocolOpenAPI: {Enabled: true, Path: "/api/v1"},
			ProtocolTRPC:    {Enabled: true, Path: "/trpc"},
			ProtocolGraphQL: {Enabled: true, Path: "/graphql", MaxDepth: 10, MaxComplexity: 1000},
			ProtocolWebSocket: {
				Enabled: true, Path: "/ws",
				MaxConnections:      100,
				MessagesPerSecond:   20,
				HeartbeatIntervalMs: 30_000,
				MaxPayloadBytes:     100 * 1024,
				MaxNestingDepth:     10,
			},
			ProtocolGRPC: {Enabled: false, Path: "/grpc"},
		},
		Versioning: VersioningConfig{
			Strategy:         "header",
			Default:          "v1",
			Latest:           "v1",
			Supported:        []string{"v1"},
			AllowLatestAlias: true,
		},
		RateLimits: RateLimitsConfig{
			Requests:  RateLimitRule{Max: 1000, WindowMs: 60_000},
			Burst:     RateLimitRule{Max: 100, WindowMs: 1_000},
			WebSocket: RateLimitRule{Max: 20, WindowMs: 1_000},
			GraphQL:   RateLimitRule{Max: 200, WindowMs: 60_000},
		},
		PayloadLimits: PayloadLimitsConfig{
			MaxRequestBytes:  1 << 20,  // 1 MiB
			MaxResponseBytes: 10 << 20, // 10 MiB
			MaxArrayLength:   1000,
			MaxStringLength:  100_000,
			MaxDepth:         10,
		},
		RequiredHeaders: RequiredHeadersConfig{
			All:           []string{"X-Request-ID"},
			Authenticated: []string{"Authorization"},
			Optional:      []string{"X-API-Version", "X-Client-Type", "X-Client-Version", "X-Trace-ID", "X-Span-ID"},
		},
		CORS: map[string]CORSPolicy{
			EnvDevelopment: {
				Origins:        []string{"*"},
				Methods:        []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				Headers:        []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-API-Version"},
				ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
				MaxAgeSeconds:  600,
			},
			EnvStaging: {
				Origins:        []string{"https://staging.aibos.dev"},
				Methods:        []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				Headers:        []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-API-Version"},
				ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
				MaxAgeSeconds:  600,
				Credentials:    true,
			},
			EnvProduction: {
				Origins:        []string{"https://app.aibos.dev"},
				Methods:        []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				Headers:        []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-API-Version"},
				ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
				MaxAgeSeconds:  3600,
				Credentials:    true,
			},
		},
		Security: SecurityConfig{
			RequireTenantID:         true,
			RequireAuth:             true,
			TenantIsolationRequired: true,
			AnonymousPaths:          []string{"/api/v1/health", "/healthz"},
			AuditTrailRequired:      true,
			AuditMutations:          true,
			AuditReads:              false,
			ImmutableHeaders:        []string{"X-Kernel-Signature", "X-Internal-Trace"},
		},
		Enforcement: EnforcementConfig{
			DriftShieldRequired: true,
			RateLimitRequired:   true,
			AIFirewallRequired:  true,
			SanitizeInputs:      true,
			StripHTML:           true,
			ErrorMaskingEnabled: false,
			Zone: ZoneConfig{
				SharedResources:       []string{"/api/v1/health", "/api/v1/engines", "/api/v1/actions"},
				IsolatedResources:     []string{"/tenants/"},
				SystemBypassEnabled:   true,
				CrossTenantEnabled:    false,
				CrossTenantPermission: "tenants:cross",
			},
			AIFirewall: AIFirewallConfig{
				BypassPaths:        []string{"/api/v1/health"},
				AIPaths:            []string{"/api/v1/execute", "/graphql"},
				RiskThreshold:      0.7,
				CriticalMultiplier: 2.0,
			},
		},
		ErrorCodes: map[string]ErrorCodePolicy{},
		Timeouts: TimeoutsConfig{
			DefaultMs:     30_000,
			LongRunningMs: 300_000,
			WebSocketMs:   0, // no deadline on the connection itself
			HealthCheckMs: 5_000,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialIntervalMs: 100,
			MaxIntervalMs:     2_000,
			Multiplier:        2.0,
		},
		Hardening: HardeningConfig{
			StripForwardedHeaders:  true,
			StrictTransport:        false,
			SecurityHeadersEnabled: true,
		},
	}
}

// New validates overlay-free construction: it signs and returns the default.
func New(secret string) (*Manifest, error) {
	return Override(nil, secret)
}

// Override deep-merges a partial patch (JSON object shape) onto the default
// manifest, validates invariants and the schema, computes the signature, and
// returns a new immutable value. Inputs are never mutated.
func Override(patch map[string]interface{}, secret string) (*Manifest, error) {
	base, err := toObject(Default())
	if err != nil {
		return nil, err
	}
	merged := base
	if len(patch) > 0 {
		merged = deepMerge(base, patch)
	}
	delete(merged, "signature")

	if err := validateSchema(merged); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	m, err := fromObject(merged)
	if err != nil {
		return nil, err
	}
	if err := m.validateInvariants(); err != nil {
		return nil, err
	}

	sig, err := ComputeSignature(m, secret)
	if err != nil {
		return nil, err
	}
	m.Signature = sig
	return m, nil
}

// validateInvariants enforces the construction-time invariants. Violation is
// fatal: the gateway refuses to boot on an inconsistent manifest.
func (m *Manifest) validateInvariants() error {
	if m.Security.RequireTenantID && !m.Security.TenantIsolationRequired {
		return fmt.Errorf("manifest invariant: requireTenantId requires tenantIsolationRequired")
	}
	if m.Security.AuditMutations && !m.Security.AuditTrailRequired {
		return fmt.Errorf("manifest invariant: auditMutations requires auditTrailRequired")
	}
	if m.Enforcement.AIFirewallRequired && !m.Enforcement.SanitizeInputs {
		return fmt.Errorf("manifest invariant: aiFirewallRequired requires sanitizeInputs")
	}
	for name, p := range m.Protocols {
		if p.Enabled && (p.Path == "" || !strings.HasPrefix(p.Path, "/")) {
			return fmt.Errorf("manifest invariant: protocol %q enabled with invalid path %q", name, p.Path)
		}
	}
	switch m.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("manifest invariant: unknown env %q", m.Env)
	}
	// driftShieldRequired ⇒ signature present is guaranteed by construction:
	// Override always signs. Verified here for manifests decoded from disk.
	return nil
}

// Verify checks that the stored signature matches the recomputed one.
func (m *Manifest) Verify(secret string) error {
	if m.Enforcement.DriftShieldRequired && m.Signature == "" {
		return fmt.Errorf("manifest invariant: driftShieldRequired but signature missing")
	}
	sig, err := ComputeSignature(m, secret)
	if err != nil {
		return err
	}
	if m.Signature != sig {
		return fmt.Errorf("manifest signature mismatch")
	}
	return nil
}

// Production reports whether masking/whitelist logic should treat the
// environment as production.
func (m *Manifest) Production() bool {
	return m.Env == EnvProduction
}

// Masking reports whether error masking applies: always in production, or
// when the manifest flag is set.
func (m *Manifest) Masking() bool {
	return m.Production() || m.Enforcement.ErrorMaskingEnabled
}

// ErrorStatus resolves the HTTP status for an error code, preferring the
// manifest table over the taxonomy default.
func (m *Manifest) ErrorStatus(code string, fallback int) int {
	if p, ok := m.ErrorCodes[code]; ok && p.Status != 0 {
		return p.Status
	}
	return fallback
}

// Clone returns a deep copy. Used by the drift guard to own its baseline.
func (m *Manifest) Clone() (*Manifest, error) {
	obj, err := toObject(m)
	if err != nil {
		return nil, err
	}
	return fromObject(obj)
}

// toObject round-trips a manifest into its JSON object form.
func toObject(m *Manifest) (map[string]interface{}, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest encode: %w", err)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("manifest decode: %w", err)
	}
	return obj, nil
}

func fromObject(obj map[string]interface{}) (*Manifest, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("manifest encode: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest decode: %w", err)
	}
	return &m, nil
}
