package manifest

import (
	"strings"
	"testing"
)

func TestNewSignsDefault(t *testing.T) {
	m, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(m.Signature, "sha256-") {
		t.Fatalf("signature format: %q", m.Signature)
	}
	if err := m.Verify(""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSignatureDeterministic(t *testing.T) {
	a, err := New("secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Signature != b.Signature {
		t.Fatalf("signatures differ: %s vs %s", a.Signature, b.Signature)
	}
}

func TestSignatureSecretChangesDigest(t *testing.T) {
	plain, _ := New("")
	keyed, _ := New("secret")
	if plain.Signature == keyed.Signature {
		t.Fatal("HMAC signature should differ from plain SHA-256")
	}
}

func TestSignatureExcludesItself(t *testing.T) {
	m, _ := New("")
	recomputed, err := ComputeSignature(m, "")
	if err != nil {
		t.Fatalf("ComputeSignature: %v", err)
	}
	if recomputed != m.Signature {
		t.Fatalf("recomputed %s != stored %s", recomputed, m.Signature)
	}
}

func TestOverrideAppliesPatch(t *testing.T) {
	m, err := Override(map[string]interface{}{
		"env": "production",
		"rateLimits": map[string]interface{}{
			"burst": map[string]interface{}{"max": float64(50)},
		},
	}, "")
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if m.Env != EnvProduction {
		t.Fatalf("env = %q", m.Env)
	}
	if m.RateLimits.Burst.Max != 50 {
		t.Fatalf("burst max = %d", m.RateLimits.Burst.Max)
	}
	// Siblings of the patched leaf survive the merge.
	if m.RateLimits.Burst.WindowMs != 1000 {
		t.Fatalf("burst window = %d", m.RateLimits.Burst.WindowMs)
	}
	if m.RateLimits.Requests.Max != 1000 {
		t.Fatalf("requests max = %d", m.RateLimits.Requests.Max)
	}
}

func TestOverrideFalseWins(t *testing.T) {
	// Explicit false must override a default true, unlike zero-value merges.
	m, err := Override(map[string]interface{}{
		"security": map[string]interface{}{"requireAuth": false},
	}, "")
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if m.Security.RequireAuth {
		t.Fatal("requireAuth should be false after explicit override")
	}
	if !m.Security.RequireTenantID {
		t.Fatal("sibling requireTenantId should keep its default")
	}
}

func TestOverrideDoesNotMutateInputs(t *testing.T) {
	patch := map[string]interface{}{
		"security": map[string]interface{}{"auditReads": true},
	}
	if _, err := Override(patch, ""); err != nil {
		t.Fatalf("Override: %v", err)
	}
	inner := patch["security"].(map[string]interface{})
	if len(inner) != 1 {
		t.Fatalf("patch mutated: %v", patch)
	}
}

func TestInvariantTenantIsolation(t *testing.T) {
	_, err := Override(map[string]interface{}{
		"security": map[string]interface{}{
			"requireTenantId":         true,
			"tenantIsolationRequired": false,
		},
	}, "")
	if err == nil || !strings.Contains(err.Error(), "tenantIsolationRequired") {
		t.Fatalf("expected tenant isolation invariant error, got %v", err)
	}
}

func TestInvariantAuditTrail(t *testing.T) {
	_, err := Override(map[string]interface{}{
		"security": map[string]interface{}{
			"auditMutations":     true,
			"auditTrailRequired": false,
		},
	}, "")
	if err == nil || !strings.Contains(err.Error(), "auditTrailRequired") {
		t.Fatalf("expected audit trail invariant error, got %v", err)
	}
}

func TestInvariantFirewallSanitize(t *testing.T) {
	_, err := Override(map[string]interface{}{
		"enforcement": map[string]interface{}{
			"aiFirewallRequired": true,
			"sanitizeInputs":     false,
		},
	}, "")
	if err == nil || !strings.Contains(err.Error(), "sanitizeInputs") {
		t.Fatalf("expected firewall invariant error, got %v", err)
	}
}

func TestInvariantProtocolPath(t *testing.T) {
	_, err := Override(map[string]interface{}{
		"protocols": map[string]interface{}{
			"graphql": map[string]interface{}{"enabled": true, "path": "graphql"},
		},
	}, "")
	if err == nil || !strings.Contains(err.Error(), "invalid path") {
		t.Fatalf("expected protocol path invariant error, got %v", err)
	}
}

func TestSchemaRejectsUnknownEnv(t *testing.T) {
	_, err := Override(map[string]interface{}{"env": "qa"}, "")
	if err == nil {
		t.Fatal("expected schema rejection for env=qa")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	m, _ := New("")
	m.RateLimits.Burst.Max = 999999
	if err := m.Verify(""); err == nil {
		t.Fatal("Verify should fail after mutation")
	}
}

func TestVerifyRequiresSignature(t *testing.T) {
	m, _ := New("")
	m.Signature = ""
	err := m.Verify("")
	if err == nil || !strings.Contains(err.Error(), "signature missing") {
		t.Fatalf("expected missing signature error, got %v", err)
	}
}

func TestMaskingFollowsEnv(t *testing.T) {
	dev, _ := New("")
	if dev.Masking() {
		t.Fatal("development should not mask by default")
	}
	prod, _ := Override(map[string]interface{}{"env": "production"}, "")
	if !prod.Masking() {
		t.Fatal("production must always mask")
	}
	flagged, _ := Override(map[string]interface{}{
		"enforcement": map[string]interface{}{"errorMaskingEnabled": true},
	}, "")
	if !flagged.Masking() {
		t.Fatal("errorMaskingEnabled must force masking")
	}
}

func TestErrorStatusOverride(t *testing.T) {
	m, _ := Override(map[string]interface{}{
		"errorCodes": map[string]interface{}{
			"RATE_LIMITED": map[string]interface{}{"status": float64(503)},
		},
	}, "")
	if got := m.ErrorStatus("RATE_LIMITED", 429); got != 503 {
		t.Fatalf("ErrorStatus = %d", got)
	}
	if got := m.ErrorStatus("NOT_FOUND", 404); got != 404 {
		t.Fatalf("fallback ErrorStatus = %d", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m, _ := New("")
	c, err := m.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	c.Security.AnonymousPaths[0] = "/mutated"
	if m.Security.AnonymousPaths[0] == "/mutated" {
		t.Fatal("clone shares backing storage with original")
	}
}

func TestCanonicalEncodeSortsKeys(t *testing.T) {
	var sb strings.Builder
	err := canonicalEncode(&sb, map[string]interface{}{
		"b": float64(2),
		"a": []interface{}{"x", float64(1.5)},
	})
	if err != nil {
		t.Fatalf("canonicalEncode: %v", err)
	}
	want := `{"a":["x",1.5],"b":2}`
	if sb.String() != want {
		t.Fatalf("canonical form = %s, want %s", sb.String(), want)
	}
}

func TestParsePatchExpandsEnv(t *testing.T) {
	t.Setenv("GW_ENV", "staging")
	patch, err := ParsePatch([]byte("env: ${GW_ENV}\nrateLimits:\n  burst:\n    max: 42\n"))
	if err != nil {
		t.Fatalf("ParsePatch: %v", err)
	}
	if patch["env"] != "staging" {
		t.Fatalf("env = %v", patch["env"])
	}
	burst := patch["rateLimits"].(map[string]interface{})["burst"].(map[string]interface{})
	if burst["max"] != float64(42) {
		t.Fatalf("burst max = %v (%T)", burst["max"], burst["max"])
	}
}
