// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every gateway metric on its own registry so tests never
// collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rejectionsTotal  *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	wsConnections    *prometheus.GaugeVec
	auditAppends     *prometheus.CounterVec
	driftChecks      *prometheus.CounterVec
}

// NewCollector creates and registers the gateway metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completed requests by protocol, method, and status.",
		}, []string{"protocol", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency by protocol.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pipeline_rejections_total",
			Help: "Requests rejected by the pipeline, by error code.",
		}, []string{"protocol", "code"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Rate-limited requests by limit kind.",
		}, []string{"kind"}),
		wsConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_websocket_connections",
			Help: "Live WebSocket connections by tenant.",
		}, []string{"tenant"}),
		auditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_audit_appends_total",
			Help: "Audit entries appended, by outcome.",
		}, []string{"outcome"}),
		driftChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_drift_checks_total",
			Help: "Drift guard checks by severity.",
		}, []string{"severity"}),
	}
	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.rejectionsTotal,
		c.rateLimitedTotal,
		c.wsConnections,
		c.auditAppends,
		c.driftChecks,
	)
	return c
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(protocol, method string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(protocol, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// RecordRejection records a pipeline rejection.
func (c *Collector) RecordRejection(protocol, code string) {
	c.rejectionsTotal.WithLabelValues(protocol, code).Inc()
}

// RecordRateLimited records a denied limit check.
func (c *Collector) RecordRateLimited(kind string) {
	c.rateLimitedTotal.WithLabelValues(kind).Inc()
}

// SetWebSocketConnections sets the live connection gauge for a tenant.
func (c *Collector) SetWebSocketConnections(tenant string, n int) {
	c.wsConnections.WithLabelValues(tenant).Set(float64(n))
}

// RecordAuditAppend records an audit append outcome ("ok" or "error").
func (c *Collector) RecordAuditAppend(outcome string) {
	c.auditAppends.WithLabelValues(outcome).Inc()
}

// RecordDriftCheck records a drift guard check by severity.
func (c *Collector) RecordDriftCheck(severity string) {
	c.driftChecks.WithLabelValues(severity).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
