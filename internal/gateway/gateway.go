// Package gateway assembles the manifest, pipeline, stores, and protocol
// adapters into one runnable process. The gateway instance owns every shared
// table; there are no package-level singletons.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pohlai88/aibos-gateway/internal/adapter"
	"github.com/pohlai88/aibos-gateway/internal/adapter/graphql"
	"github.com/pohlai88/aibos-gateway/internal/adapter/openapi"
	"github.com/pohlai88/aibos-gateway/internal/adapter/rpc"
	ws "github.com/pohlai88/aibos-gateway/internal/adapter/websocket"
	"github.com/pohlai88/aibos-gateway/internal/audit"
	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/kernel"
	"github.com/pohlai88/aibos-gateway/internal/logging"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/metrics"
	"github.com/pohlai88/aibos-gateway/internal/pipeline"
	"github.com/pohlai88/aibos-gateway/internal/ratelimit"
	"github.com/pohlai88/aibos-gateway/internal/tracing"
)

const pendingAuditMaxAge = 5 * time.Minute

// Options carries the injectable collaborators. Zero values fall back to the
// in-memory reference stores and the default token validator.
type Options struct {
	Secret       string // signs the manifest and the audit chain
	TokenSecret  string // verifies bearer JWTs
	APIKeyPrefix string

	RateLimitStore ratelimit.Store
	AuditStore     audit.Store
	Validator      pipeline.TokenValidator

	Metrics *metrics.Collector
	Tracer  *tracing.Tracer

	Addr      string
	AdminAddr string
}

// Gateway is the assembled process.
type Gateway struct {
	manifest *manifest.Manifest
	guard    *manifest.Guard
	pipe     *pipeline.Pipeline
	registry *adapter.Registry
	ws       *ws.Adapter
	exec     kernel.Executor
	metrics  *metrics.Collector
	tracer   *tracing.Tracer

	server *http.Server
	admin  *http.Server
}

// New assembles a gateway over a verified manifest and a kernel executor.
func New(m *manifest.Manifest, exec kernel.Executor, opts Options) (*Gateway, error) {
	if err := m.Verify(opts.Secret); err != nil {
		return nil, err
	}
	guard, err := manifest.NewGuard(m, opts.Secret)
	if err != nil {
		return nil, err
	}

	rlStore := opts.RateLimitStore
	if rlStore == nil {
		rlStore = ratelimit.NewMemoryStore()
	}
	auditStore := opts.AuditStore
	if auditStore == nil {
		auditStore = audit.NewMemoryStore(opts.Secret)
	}
	validator := opts.Validator
	if validator == nil {
		validator = pipeline.NewDefaultValidator(opts.TokenSecret, opts.APIKeyPrefix)
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	retried := kernel.NewRetry(exec, m.Retry)
	pipe := pipeline.New(m, ratelimit.NewLimiter(rlStore), auditStore, validator)

	g := &Gateway{
		manifest: m,
		guard:    guard,
		pipe:     pipe,
		registry: adapter.NewRegistry(),
		exec:     retried,
		metrics:  collector,
		tracer:   opts.Tracer,
	}

	if p, ok := m.Protocols[manifest.ProtocolOpenAPI]; ok && p.Enabled {
		g.registry.Register(openapi.New(m, pipe, retried))
	}
	if p, ok := m.Protocols[manifest.ProtocolTRPC]; ok && p.Enabled {
		g.registry.Register(rpc.New(m, pipe, retried))
	}
	if p, ok := m.Protocols[manifest.ProtocolGraphQL]; ok && p.Enabled {
		g.registry.Register(graphql.New(m, pipe, retried))
	}
	if p, ok := m.Protocols[manifest.ProtocolWebSocket]; ok && p.Enabled {
		g.ws = ws.New(m, pipe)
		g.registry.Register(g.ws)
	}

	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}
	adminAddr := opts.AdminAddr
	if adminAddr == "" {
		adminAddr = ":9090"
	}
	g.server = &http.Server{Addr: addr, Handler: g.Handler()}
	g.admin = &http.Server{Addr: adminAddr, Handler: g.adminHandler()}
	return g, nil
}

// Handler returns the public mux routing each mount prefix to its adapter.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, a := range g.registry.All() {
		mount := a.Mount()
		h := g.instrument(a.Name(), http.HandlerFunc(a.Handle))
		mux.Handle(mount, h)
		mux.Handle(mount+"/", h)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		env := errors.StandardError(
			errors.Newf(errors.CodeNotFound, "no protocol mounted at %s", r.URL.Path),
			errors.NewMeta(r.Header.Get("X-Request-ID"), "", r.URL.Path, r.Method, ""),
			g.manifest.Masking())
		env.WriteJSON(w, http.StatusNotFound)
	})

	var h http.Handler = mux
	if g.tracer != nil {
		h = g.tracer.Wrap(h)
	}
	return h
}

// instrument records request metrics around an adapter handler.
func (g *Gateway) instrument(protocol string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		g.metrics.RecordRequest(protocol, r.Method, sw.statusCode, time.Since(start))
		if sw.statusCode >= 400 {
			g.metrics.RecordRejection(protocol, strconv.Itoa(sw.statusCode))
		}
		if g.ws != nil && protocol == manifest.ProtocolWebSocket {
			g.metrics.SetWebSocketConnections("", g.ws.ConnectionCount(""))
		}
	})
}

// adminHandler serves liveness, metrics, drift history, and the adapter
// description documents on the operator port.
func (g *Gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", g.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"name":    g.manifest.Name,
			"version": g.manifest.Version,
			"env":     g.manifest.Env,
		})
	})
	mux.HandleFunc("/drift/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, g.guard.History())
	})
	mux.HandleFunc("/describe/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/describe/")
		a, ok := g.registry.Get(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown protocol"})
			return
		}
		doc, ok := a.Describe()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "protocol has no description"})
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})
	return mux
}

// Reload runs a candidate manifest through the drift guard. An approved
// candidate becomes the new baseline for future checks; the running pipeline
// keeps the boot manifest until the process restarts.
func (g *Gateway) Reload(next *manifest.Manifest, by, reason string) (*manifest.Report, error) {
	report, err := g.guard.CheckDrift(next)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordDriftCheck(string(report.Severity))
	if err := g.guard.Enforce(next); err != nil {
		if rejectErr := g.guard.Reject(next, by, reason); rejectErr != nil {
			logging.Warn("drift rejection not recorded", zap.Error(rejectErr))
		}
		return report, err
	}
	if report.HasDrift {
		if err := g.guard.Approve(next, by, reason); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Guard exposes the drift guard for operator tooling.
func (g *Gateway) Guard() *manifest.Guard { return g.guard }

// Broadcast pushes a payload to WebSocket subscribers of a channel.
func (g *Gateway) Broadcast(channel string, payload interface{}, tenantFilter string) int {
	if g.ws == nil {
		return 0
	}
	return g.ws.Broadcast(channel, payload, tenantFilter)
}

// Adapters returns the registered protocol surfaces.
func (g *Gateway) Adapters() *adapter.Registry { return g.registry }

// Run serves both listeners until the context is cancelled, then drains.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logging.Info("gateway listening",
			zap.String("addr", g.server.Addr),
			zap.String("env", g.manifest.Env))
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		logging.Info("admin listening", zap.String("addr", g.admin.Addr))
		if err := g.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.pipe.ExpirePending(pendingAuditMaxAge)
			case <-ctx.Done():
				return nil
			}
		}
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Shutdown drains WebSocket connections and both HTTP servers.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.ws != nil {
		g.ws.Close()
	}
	var first error
	if err := g.server.Shutdown(ctx); err != nil {
		first = err
	}
	if err := g.admin.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	if g.tracer != nil {
		if err := g.tracer.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	logging.Info("gateway stopped")
	return first
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
