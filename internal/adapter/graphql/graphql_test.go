package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pohlai88/aibos-gateway/internal/audit"
	"github.com/pohlai88/aibos-gateway/internal/kernel"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/pipeline"
	"github.com/pohlai88/aibos-gateway/internal/ratelimit"
)

const testSecret = "graphql-test-secret"

func testAdapter(t *testing.T, patch map[string]interface{}) *Adapter {
	t.Helper()
	m, err := manifest.Override(patch, testSecret)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	rl := ratelimit.NewMemoryStore()
	pipe := pipeline.New(m, ratelimit.NewLimiter(rl), audit.NewMemoryStore(testSecret), pipeline.NewDefaultValidator(testSecret, "ak"))

	exec := kernel.NewLocal()
	exec.AddEngine(kernel.EngineInfo{Name: "ledger", Version: "1.0.0"})
	return New(m, pipe, exec)
}

func signToken(t *testing.T, perms []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":         "user-1",
		"tenantId":    "tenant-abc",
		"roles":       []string{"member"},
		"permissions": perms,
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + raw
}

func post(t *testing.T, a *Adapter, body map[string]interface{}, perms []string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(string(raw)))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Request-ID", "req-gql")
	r.Header.Set("X-Tenant-ID", "tenant-abc")
	r.Header.Set("Authorization", signToken(t, perms))
	w := httptest.NewRecorder()
	a.Handle(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return out
}

func firstError(t *testing.T, out map[string]interface{}) (string, string) {
	t.Helper()
	errs, ok := out["errors"].([]interface{})
	if !ok || len(errs) == 0 {
		t.Fatalf("no errors array: %v", out)
	}
	e := errs[0].(map[string]interface{})
	msg, _ := e["message"].(string)
	ext, _ := e["extensions"].(map[string]interface{})
	code, _ := ext["code"].(string)
	return msg, code
}

// nestedQuery builds a query with the given field nesting depth.
func nestedQuery(depth int) string {
	var b strings.Builder
	b.WriteString("{")
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, "f%d{", i)
	}
	b.WriteString("leaf")
	for i := 0; i <= depth; i++ {
		b.WriteString("}")
	}
	return b.String()
}

func TestHealthQuery(t *testing.T) {
	a := testAdapter(t, nil)
	w := post(t, a, map[string]interface{}{"query": "{ health { status } }"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	data, ok := out["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing data: %v", out)
	}
	health, _ := data["health"].(map[string]interface{})
	if health["status"] != "ok" {
		t.Fatalf("health = %v", data["health"])
	}
}

func TestDepthViolation(t *testing.T) {
	a := testAdapter(t, nil)
	// 15 nested selection sets against the default maximum of 10.
	w := post(t, a, map[string]interface{}{"query": nestedQuery(14)}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	msg, code := firstError(t, decode(t, w))
	if msg != "Query depth 15 exceeds maximum 10" {
		t.Fatalf("message = %q", msg)
	}
	if code != "QUERY_TOO_DEEP" {
		t.Fatalf("code = %q", code)
	}
}

func TestDepthAtLimitSucceeds(t *testing.T) {
	a := testAdapter(t, nil)
	w := post(t, a, map[string]interface{}{"query": nestedQuery(9)}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestComplexityViolation(t *testing.T) {
	a := testAdapter(t, map[string]interface{}{
		"protocols": map[string]interface{}{
			"graphql": map[string]interface{}{"enabled": true, "path": "/graphql", "maxDepth": 10, "maxComplexity": 3},
		},
	})
	w := post(t, a, map[string]interface{}{"query": "{ a b c d e }"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	msg, code := firstError(t, decode(t, w))
	if msg != "Query complexity 5 exceeds maximum 3" {
		t.Fatalf("message = %q", msg)
	}
	if code != "QUERY_TOO_COMPLEX" {
		t.Fatalf("code = %q", code)
	}
}

func TestIntrospectionAllowedInDevelopment(t *testing.T) {
	a := testAdapter(t, nil)
	w := post(t, a, map[string]interface{}{"query": "{ __schema { types } }"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	data := out["data"].(map[string]interface{})
	if data["__schema"] == nil {
		t.Fatal("__schema should answer in development")
	}
}

func TestIntrospectionBlockedInProduction(t *testing.T) {
	a := testAdapter(t, map[string]interface{}{"env": "production"})
	w := post(t, a, map[string]interface{}{"query": "{ __schema { types } }"}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	_, code := firstError(t, decode(t, w))
	if code != "FORBIDDEN" {
		t.Fatalf("code = %q", code)
	}
}

func TestRecursiveFragmentRejected(t *testing.T) {
	a := testAdapter(t, nil)
	query := `
		{ health { ...loop } }
		fragment loop on Health { status ...loop }
	`
	w := post(t, a, map[string]interface{}{"query": query}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	msg, _ := firstError(t, decode(t, w))
	if !strings.Contains(msg, "recursive fragment") {
		t.Fatalf("message = %q", msg)
	}
}

func TestUnknownFieldIsPartialFailure(t *testing.T) {
	a := testAdapter(t, nil)
	w := post(t, a, map[string]interface{}{"query": "{ health { status } ghost }"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	data := out["data"].(map[string]interface{})
	if data["health"] == nil {
		t.Fatal("health should still resolve")
	}
	if v, present := data["ghost"]; !present || v != nil {
		t.Fatalf("ghost = %v present=%v", v, present)
	}
	msg, code := firstError(t, out)
	if !strings.Contains(msg, "no resolver for Query.ghost") || code != "NOT_FOUND" {
		t.Fatalf("msg=%q code=%q", msg, code)
	}
}

func TestPermissionGatedResolver(t *testing.T) {
	a := testAdapter(t, nil)
	a.Register("Query.restricted", func(ctx context.Context, req ResolveRequest) (interface{}, error) {
		return "classified", nil
	}, "reports:read")

	w := post(t, a, map[string]interface{}{"query": "{ restricted }"}, nil)
	out := decode(t, w)
	_, code := firstError(t, out)
	if code != "FORBIDDEN" {
		t.Fatalf("code = %q", code)
	}

	w = post(t, a, map[string]interface{}{"query": "{ restricted }"}, []string{"reports:read"})
	out = decode(t, w)
	data := out["data"].(map[string]interface{})
	if data["restricted"] != "classified" {
		t.Fatalf("data = %v", data)
	}
}

func TestVariablesReachResolver(t *testing.T) {
	a := testAdapter(t, nil)
	body := map[string]interface{}{
		"query":     `query($name: String) { engine(name: $name) { name } }`,
		"variables": map[string]interface{}{"name": "ledger"},
	}
	w := post(t, a, body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	data := out["data"].(map[string]interface{})
	engine, _ := data["engine"].(map[string]interface{})
	if engine["name"] != "ledger" {
		t.Fatalf("engine = %v", data["engine"])
	}
}

func TestMutationDispatch(t *testing.T) {
	a := testAdapter(t, nil)
	w := post(t, a, map[string]interface{}{
		"query": `mutation { execute(action: "ghost.run") }`,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	_, code := firstError(t, decode(t, w))
	if code != "ACTION_NOT_FOUND" {
		t.Fatalf("code = %q", code)
	}
}

func TestParseErrorRejected(t *testing.T) {
	a := testAdapter(t, nil)
	w := post(t, a, map[string]interface{}{"query": "{ health {"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	_, code := firstError(t, decode(t, w))
	if code != "VALIDATION_ERROR" {
		t.Fatalf("code = %q", code)
	}
}

func TestMissingQueryRejected(t *testing.T) {
	a := testAdapter(t, nil)
	w := post(t, a, map[string]interface{}{"operationName": "Foo"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGraphQLRateLimit(t *testing.T) {
	a := testAdapter(t, map[string]interface{}{
		"rateLimits": map[string]interface{}{
			"graphql": map[string]interface{}{"max": 2, "windowMs": 60000},
		},
	})
	for i := 0; i < 2; i++ {
		if w := post(t, a, map[string]interface{}{"query": "{ health { status } }"}, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := post(t, a, map[string]interface{}{"query": "{ health { status } }"}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	_, code := firstError(t, decode(t, w))
	if code != "RATE_LIMITED" {
		t.Fatalf("code = %q", code)
	}
}

func TestDescribeEmitsSchema(t *testing.T) {
	a := testAdapter(t, nil)
	doc, ok := a.Describe()
	if !ok {
		t.Fatal("graphql adapter should describe itself")
	}
	sdl := doc.(map[string]interface{})["sdl"].(string)
	for _, want := range []string{"type Query", "health", "type Mutation", "execute"} {
		if !strings.Contains(sdl, want) {
			t.Fatalf("sdl missing %q:\n%s", want, sdl)
		}
	}
}
