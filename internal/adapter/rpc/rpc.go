// Package rpc is the typed-RPC surface: the last path segment names the
// procedure, results wrap as {result:{data}} and failures as a JSON-RPC
// style error object.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/kernel"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/pipeline"
)

// Adapter serves the typed RPC protocol.
type Adapter struct {
	manifest *manifest.Manifest
	pipe     *pipeline.Pipeline
	exec     kernel.Executor
	mount    string
}

// New builds the RPC adapter.
func New(m *manifest.Manifest, pipe *pipeline.Pipeline, exec kernel.Executor) *Adapter {
	mount := "/trpc"
	if p, ok := m.Protocols[manifest.ProtocolTRPC]; ok {
		mount = p.Path
	}
	return &Adapter{manifest: m, pipe: pipe, exec: exec, mount: mount}
}

func (a *Adapter) Name() string  { return manifest.ProtocolTRPC }
func (a *Adapter) Mount() string { return a.mount }
func (a *Adapter) Ready() bool   { return a.exec != nil }

// Describe lists the available procedures.
func (a *Adapter) Describe() (interface{}, bool) {
	return map[string]interface{}{
		"procedures": []string{"health", "listEngines", "getEngine", "listActions", "execute"},
	}, true
}

func (a *Adapter) Handle(w http.ResponseWriter, r *http.Request) {
	c, ge, handled := a.pipe.Pre(w, r, a.Name())
	if handled {
		return
	}
	if ge != nil {
		a.writeError(w, c, ge)
		return
	}

	procedure := lastSegment(c.Path)
	input := a.input(c, r)

	code, ge := a.resolve(procedure, input)
	if ge != nil {
		a.writeError(w, c, ge)
		return
	}

	result, ge := a.dispatch(c, code, input)
	if ge != nil {
		a.writeError(w, c, ge)
		return
	}
	if ge := a.pipe.PostCheck(c, result); ge != nil {
		a.writeError(w, c, ge)
		return
	}

	a.pipe.AttachHeaders(c, w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result": map[string]interface{}{"data": result},
	})
	a.pipe.FinalizeAudit(c, http.StatusOK, "")
}

// input prefers the parsed body; GET procedures take a JSON "input" query
// parameter instead.
func (a *Adapter) input(c *pipeline.Context, r *http.Request) interface{} {
	if in := c.Input(); in != nil {
		return in
	}
	if raw := r.URL.Query().Get("input"); raw != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
		return raw
	}
	return nil
}

func (a *Adapter) resolve(procedure string, input interface{}) (string, *errors.GatewayError) {
	switch procedure {
	case "health":
		return kernel.CodeSystemHealth, nil
	case "listEngines":
		return kernel.CodeListEngines, nil
	case "listActions":
		return kernel.CodeListActions, nil
	case "getEngine":
		name := stringField(input, "name")
		if name == "" {
			return "", errors.New(errors.CodeValidation, "getEngine requires input.name")
		}
		return kernel.CodeGetEngine(name), nil
	case "execute":
		action := stringField(input, "action")
		if err := kernel.ValidateAction(action, a.manifest.Production()); err != nil {
			return "", errors.AsGatewayError(err)
		}
		return action, nil
	}
	return "", errors.Newf(errors.CodeNotFound, "unknown procedure %q", procedure)
}

func (a *Adapter) dispatch(c *pipeline.Context, code string, input interface{}) (interface{}, *errors.GatewayError) {
	ctx := c.Request.Context()
	if ms := a.manifest.Timeouts.DefaultMs; ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	result, err := a.exec.Run(ctx, kernel.Invocation{
		Code:     code,
		Context:  a.Name(),
		TenantID: c.Auth.TenantID,
		UserID:   c.Auth.UserID,
		Input:    input,
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

// writeError emits the RPC error shape. Not-found procedures map to 404,
// everything else keeps its taxonomy status (500 for execution failures).
func (a *Adapter) writeError(w http.ResponseWriter, c *pipeline.Context, ge *errors.GatewayError) {
	status := a.manifest.ErrorStatus(string(ge.Code), ge.HTTPStatus())
	rpcErr := errors.JSONRPC(ge, nil, a.manifest.Masking())

	a.pipe.AttachHeaders(c, w.Header())
	w.Header().Set("Content-Type", "application/json")
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": rpcErr.Error})
	a.pipe.FinalizeAudit(c, status, string(ge.Code))
}

func lastSegment(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func stringField(input interface{}, key string) string {
	m, ok := input.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
