package manifest

import (
	"reflect"
	"testing"
)

func newGuard(t *testing.T) (*Guard, *Manifest) {
	t.Helper()
	base, err := New("secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g, err := NewGuard(base, "secret")
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g, base
}

func TestCheckDriftNoChange(t *testing.T) {
	g, base := newGuard(t)
	rep, err := g.CheckDrift(base)
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if rep.HasDrift || rep.Severity != SeverityNone {
		t.Fatalf("unexpected drift: %+v", rep)
	}
}

func TestCheckDriftSecurityCritical(t *testing.T) {
	g, _ := newGuard(t)
	drifted, err := Override(map[string]interface{}{
		"security": map[string]interface{}{"requireAuth": false},
	}, "secret")
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	rep, err := g.CheckDrift(drifted)
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if !rep.HasDrift {
		t.Fatal("expected drift")
	}
	if !reflect.DeepEqual(rep.ChangedFields, []string{"security"}) {
		t.Fatalf("changedFields = %v", rep.ChangedFields)
	}
	if rep.Severity != SeverityCritical {
		t.Fatalf("severity = %s", rep.Severity)
	}
	if !reflect.DeepEqual(rep.ReasonCodes, []string{"SECURITY_CHANGED"}) {
		t.Fatalf("reasonCodes = %v", rep.ReasonCodes)
	}
	if !reflect.DeepEqual(rep.Diff.Modified, []string{"security"}) {
		t.Fatalf("diff.modified = %v", rep.Diff.Modified)
	}
}

func TestCheckDriftRateLimitsHigh(t *testing.T) {
	g, _ := newGuard(t)
	drifted, _ := Override(map[string]interface{}{
		"rateLimits": map[string]interface{}{
			"burst": map[string]interface{}{"max": float64(5)},
		},
	}, "secret")
	rep, err := g.CheckDrift(drifted)
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if rep.Severity != SeverityHigh {
		t.Fatalf("severity = %s", rep.Severity)
	}
	if !reflect.DeepEqual(rep.ReasonCodes, []string{"RATE_LIMITS_CHANGED"}) {
		t.Fatalf("reasonCodes = %v", rep.ReasonCodes)
	}
}

func TestCheckDriftVersioningMedium(t *testing.T) {
	g, _ := newGuard(t)
	drifted, _ := Override(map[string]interface{}{
		"versioning": map[string]interface{}{"default": "v2", "supported": []interface{}{"v1", "v2"}},
	}, "secret")
	rep, err := g.CheckDrift(drifted)
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if rep.Severity != SeverityMedium {
		t.Fatalf("severity = %s", rep.Severity)
	}
}

func TestCheckDriftUnmonitoredLow(t *testing.T) {
	g, _ := newGuard(t)
	drifted, _ := Override(map[string]interface{}{"name": "renamed-gateway"}, "secret")
	rep, err := g.CheckDrift(drifted)
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if !rep.HasDrift {
		t.Fatal("expected drift")
	}
	if rep.Severity != SeverityLow {
		t.Fatalf("severity = %s", rep.Severity)
	}
	if len(rep.ChangedFields) != 0 {
		t.Fatalf("changedFields = %v", rep.ChangedFields)
	}
}

func TestEnforceFatalOnCritical(t *testing.T) {
	g, _ := newGuard(t)
	drifted, _ := Override(map[string]interface{}{
		"security": map[string]interface{}{"requireAuth": false},
	}, "secret")
	if err := g.Enforce(drifted); err == nil {
		t.Fatal("Enforce should fail on critical drift")
	}
}

func TestEnforcePassesOnMedium(t *testing.T) {
	g, _ := newGuard(t)
	drifted, _ := Override(map[string]interface{}{
		"cors": map[string]interface{}{
			"development": map[string]interface{}{"maxAgeSeconds": float64(120)},
		},
	}, "secret")
	if err := g.Enforce(drifted); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
}

func TestApproveReplacesBaseline(t *testing.T) {
	g, _ := newGuard(t)
	next, _ := Override(map[string]interface{}{
		"rateLimits": map[string]interface{}{
			"burst": map[string]interface{}{"max": float64(5)},
		},
	}, "secret")
	if err := g.Approve(next, "ops@aibos.dev", "load test"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	rep, err := g.CheckDrift(next)
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if rep.HasDrift {
		t.Fatal("approved manifest should be the new baseline")
	}
	hist := g.History()
	if len(hist) != 1 || hist[0].Action != "approve" || hist[0].By != "ops@aibos.dev" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestRejectKeepsBaseline(t *testing.T) {
	g, base := newGuard(t)
	drifted, _ := Override(map[string]interface{}{
		"security": map[string]interface{}{"requireAuth": false},
	}, "secret")
	if err := g.Reject(drifted, "ops@aibos.dev", "unauthorized change"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	rep, _ := g.CheckDrift(base)
	if rep.HasDrift {
		t.Fatal("baseline must survive a reject")
	}
	hist := g.History()
	if len(hist) != 1 || hist[0].Action != "reject" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestReasonCodeCamelCase(t *testing.T) {
	cases := map[string]string{
		"security":        "SECURITY_CHANGED",
		"rateLimits":      "RATE_LIMITS_CHANGED",
		"requiredHeaders": "REQUIRED_HEADERS_CHANGED",
		"version":         "VERSION_CHANGED",
	}
	for in, want := range cases {
		if got := reasonCode(in); got != want {
			t.Fatalf("reasonCode(%q) = %q, want %q", in, got, want)
		}
	}
}
