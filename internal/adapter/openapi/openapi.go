// Package openapi is the REST surface. Routes are a fixed table keyed by
// method and path relative to the mount; POST /execute additionally vets the
// action string before it reaches the kernel.
package openapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/kernel"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/pipeline"
)

// Adapter serves the OpenAPI/REST protocol.
type Adapter struct {
	manifest *manifest.Manifest
	pipe     *pipeline.Pipeline
	exec     kernel.Executor
	mount    string
}

// New builds the REST adapter from its collaborators.
func New(m *manifest.Manifest, pipe *pipeline.Pipeline, exec kernel.Executor) *Adapter {
	mount := "/api/v1"
	if p, ok := m.Protocols[manifest.ProtocolOpenAPI]; ok {
		mount = p.Path
	}
	return &Adapter{manifest: m, pipe: pipe, exec: exec, mount: mount}
}

func (a *Adapter) Name() string  { return manifest.ProtocolOpenAPI }
func (a *Adapter) Mount() string { return a.mount }
func (a *Adapter) Ready() bool   { return a.exec != nil }

// route is one entry in the fixed route table.
type route struct {
	method string
	path   string
	code   func(c *pipeline.Context) (string, *errors.GatewayError)
}

func (a *Adapter) routes() []route {
	return []route{
		{http.MethodGet, "/health", staticCode(kernel.CodeSystemHealth)},
		{http.MethodGet, "/engines", staticCode(kernel.CodeListEngines)},
		{http.MethodGet, "/actions", staticCode(kernel.CodeListActions)},
		{http.MethodPost, "/execute", a.executeCode},
	}
}

func staticCode(code string) func(*pipeline.Context) (string, *errors.GatewayError) {
	return func(*pipeline.Context) (string, *errors.GatewayError) { return code, nil }
}

// executeCode extracts and vets the action for POST /execute.
func (a *Adapter) executeCode(c *pipeline.Context) (string, *errors.GatewayError) {
	body, ok := c.Input().(map[string]interface{})
	if !ok {
		return "", errors.New(errors.CodeValidation, "request body must be a JSON object")
	}
	action, _ := body["action"].(string)
	if err := kernel.ValidateAction(action, a.manifest.Production()); err != nil {
		return "", errors.AsGatewayError(err)
	}
	return action, nil
}

func (a *Adapter) Handle(w http.ResponseWriter, r *http.Request) {
	c, ge, handled := a.pipe.Pre(w, r, a.Name())
	if handled {
		return
	}
	if ge != nil {
		a.pipe.WriteError(w, c, ge)
		return
	}

	rel := a.relative(c.Path)
	code, ge := a.resolve(c, r.Method, rel)
	if ge != nil {
		a.pipe.WriteError(w, c, ge)
		return
	}

	result, ge := a.dispatch(c, code)
	if ge != nil {
		a.pipe.WriteError(w, c, ge)
		return
	}
	if ge := a.pipe.PostCheck(c, result); ge != nil {
		a.pipe.WriteError(w, c, ge)
		return
	}

	env, err := errors.Success(result, a.pipe.Meta(c))
	if err != nil {
		a.pipe.WriteError(w, c, errors.Wrap(err, errors.CodeInternal, "failed to encode response"))
		return
	}
	a.pipe.AttachHeaders(c, w.Header())
	env.WriteJSON(w, http.StatusOK)
	a.pipe.FinalizeAudit(c, http.StatusOK, "")
}

// resolve finds the kernel code for a request, distinguishing unknown paths
// from known paths hit with the wrong method.
func (a *Adapter) resolve(c *pipeline.Context, method, rel string) (string, *errors.GatewayError) {
	// Dynamic route: GET /engines/{name}
	if method == http.MethodGet && strings.HasPrefix(rel, "/engines/") {
		name := strings.TrimPrefix(rel, "/engines/")
		if name != "" && !strings.Contains(name, "/") {
			return kernel.CodeGetEngine(name), nil
		}
	}

	pathKnown := false
	for _, rt := range a.routes() {
		if rt.path != rel {
			continue
		}
		pathKnown = true
		if rt.method == method {
			return rt.code(c)
		}
	}
	if pathKnown {
		return "", errors.Newf(errors.CodeMethodNotAllowed, "%s not allowed on %s", method, rel)
	}
	return "", errors.Newf(errors.CodeNotFound, "no route for %s", rel)
}

func (a *Adapter) dispatch(c *pipeline.Context, code string) (interface{}, *errors.GatewayError) {
	timeout := time.Duration(a.manifest.Timeouts.DefaultMs) * time.Millisecond
	if code == kernel.CodeSystemHealth && a.manifest.Timeouts.HealthCheckMs > 0 {
		timeout = time.Duration(a.manifest.Timeouts.HealthCheckMs) * time.Millisecond
	}
	ctx := c.Request.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := a.exec.Run(ctx, kernel.Invocation{
		Code:     code,
		Context:  a.Name(),
		TenantID: c.Auth.TenantID,
		UserID:   c.Auth.UserID,
		Input:    c.Input(),
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.CodeGatewayTimeout, "kernel execution timed out")
		}
		ge := errors.AsGatewayError(err)
		if ge.Code == errors.CodeInternal {
			ge = errors.Wrap(err, errors.CodeExecutionFailed, "kernel execution failed")
		}
		return nil, ge
	}
	return result, nil
}

// relative strips the mount prefix; the empty remainder normalizes to "/".
func (a *Adapter) relative(path string) string {
	rel := strings.TrimPrefix(path, a.mount)
	if rel == "" {
		rel = "/"
	}
	return rel
}
