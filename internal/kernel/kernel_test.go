package kernel

import (
	"context"
	"testing"

	"github.com/pohlai88/aibos-gateway/internal/errors"
)

func TestLocalCoreRoutes(t *testing.T) {
	l := NewLocal()
	l.AddEngine(EngineInfo{Name: "ledger", Version: "2.1.0"})
	ctx := context.Background()

	out, err := l.Run(ctx, Invocation{Code: CodeSystemHealth})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if m := out.(map[string]interface{}); m["status"] != "ok" {
		t.Fatalf("health = %v", out)
	}

	out, err = l.Run(ctx, Invocation{Code: CodeListEngines})
	if err != nil {
		t.Fatalf("listEngines: %v", err)
	}
	engines := out.(map[string]interface{})["engines"].([]EngineInfo)
	if len(engines) != 1 || engines[0].Name != "ledger" {
		t.Fatalf("engines = %v", engines)
	}

	out, err = l.Run(ctx, Invocation{Code: CodeGetEngine("ledger")})
	if err != nil {
		t.Fatalf("getEngine: %v", err)
	}
	if out.(EngineInfo).Version != "2.1.0" {
		t.Fatalf("engine = %v", out)
	}

	_, err = l.Run(ctx, Invocation{Code: CodeGetEngine("missing")})
	ge := errors.AsGatewayError(err)
	if ge == nil || ge.Code != errors.CodeEngineNotFound {
		t.Fatalf("expected ENGINE_NOT_FOUND, got %v", err)
	}
}

func TestLocalDispatchesRegisteredAction(t *testing.T) {
	l := NewLocal()
	l.Register("ledger.post", func(ctx context.Context, inv Invocation) (interface{}, error) {
		if inv.TenantID != "tenant-abc" {
			t.Fatalf("tenant = %q", inv.TenantID)
		}
		return map[string]interface{}{"posted": true}, nil
	})

	out, err := l.Run(context.Background(), Invocation{
		Code: "ledger.post", TenantID: "tenant-abc", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.(map[string]interface{})["posted"] != true {
		t.Fatalf("out = %v", out)
	}

	_, err = l.Run(context.Background(), Invocation{Code: "ledger.unknown"})
	ge := errors.AsGatewayError(err)
	if ge == nil || ge.Code != errors.CodeActionNotFound {
		t.Fatalf("expected ACTION_NOT_FOUND, got %v", err)
	}
}

func TestLocalCancelledContext(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Run(ctx, Invocation{Code: CodeSystemHealth})
	ge := errors.AsGatewayError(err)
	if ge == nil || ge.Code != errors.CodeGatewayTimeout {
		t.Fatalf("expected GATEWAY_TIMEOUT, got %v", err)
	}
}

func TestValidateActionBlocklist(t *testing.T) {
	blocked := []string{
		"DROP TABLE users",
		"delete from accounts",
		"eval(payload)",
		"require('fs')",
		"process.exit()",
		"__proto__.polluted",
		"a.constructor",
		"ledger.post(); rm -rf /",
	}
	for _, action := range blocked {
		err := ValidateAction(action, false)
		ge := errors.AsGatewayError(err)
		if ge == nil || ge.Code != errors.CodeValidation {
			t.Fatalf("action %q should be blocked, got %v", action, err)
		}
	}
}

func TestValidateActionWhitelistProductionOnly(t *testing.T) {
	odd := "run stuff now"
	if err := ValidateAction(odd, false); err != nil {
		t.Fatalf("development should only apply the blocklist: %v", err)
	}
	if err := ValidateAction(odd, true); err == nil {
		t.Fatal("production should reject non-whitelisted shapes")
	}

	allowed := []string{
		"ledger.post",
		"engine.invoice.create()",
		"registry.listEngines()",
	}
	for _, action := range allowed {
		if err := ValidateAction(action, true); err != nil {
			t.Fatalf("action %q should pass in production: %v", action, err)
		}
	}
}

func TestValidateActionEmptyAndLong(t *testing.T) {
	if err := ValidateAction("", false); err == nil {
		t.Fatal("empty action must fail")
	}
	long := make([]byte, maxActionLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateAction(string(long), false); err == nil {
		t.Fatal("oversized action must fail")
	}
}
