package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(body)
}

func TestRequestMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("openapi", "POST", 200, 42*time.Millisecond)
	c.RecordRequest("openapi", "POST", 200, 10*time.Millisecond)
	c.RecordRequest("graphql", "POST", 429, time.Millisecond)

	out := scrape(t, c)
	if !strings.Contains(out, `gateway_requests_total{method="POST",protocol="openapi",status="200"} 2`) {
		t.Fatalf("missing request counter:\n%s", out)
	}
	if !strings.Contains(out, `gateway_request_duration_seconds_count{protocol="openapi"} 2`) {
		t.Fatalf("missing duration histogram:\n%s", out)
	}
}

func TestRejectionAndLimitMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordRejection("openapi", "RATE_LIMITED")
	c.RecordRateLimited("burst")
	c.SetWebSocketConnections("tenant-abc", 3)
	c.RecordAuditAppend("ok")
	c.RecordDriftCheck("critical")

	out := scrape(t, c)
	for _, want := range []string{
		`gateway_pipeline_rejections_total{code="RATE_LIMITED",protocol="openapi"} 1`,
		`gateway_rate_limited_total{kind="burst"} 1`,
		`gateway_websocket_connections{tenant="tenant-abc"} 3`,
		`gateway_audit_appends_total{outcome="ok"} 1`,
		`gateway_drift_checks_total{severity="critical"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q:\n%s", want, out)
		}
	}
}

func TestCollectorsAreIsolated(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.RecordRateLimited("burst")
	if out := scrape(t, b); strings.Contains(out, `gateway_rate_limited_total{kind="burst"}`) {
		t.Fatal("collectors share a registry")
	}
}
