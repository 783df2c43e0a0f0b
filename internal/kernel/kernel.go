// Package kernel defines the contract between the gateway and the execution
// engine behind it, plus the action vetting applied before any user-supplied
// action string reaches it.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/pohlai88/aibos-gateway/internal/errors"
)

// Core route codes. The gateway treats them as opaque strings.
const (
	CodeSystemHealth = "system.health()"
	CodeListEngines  = "registry.listEngines()"
	CodeListActions  = "registry.listActions()"
)

// CodeGetEngine builds the lookup code for one engine.
func CodeGetEngine(name string) string {
	return fmt.Sprintf("registry.getEngine(%q)", name)
}

// Invocation is the uniform call every adapter produces.
type Invocation struct {
	Code     string
	Context  string
	TenantID string
	UserID   string
	Input    interface{}
}

// Executor runs an invocation. Implementations honor ctx cancellation where
// they can; the gateway treats any error without a gateway code as
// EXECUTION_FAILED.
type Executor interface {
	Run(ctx context.Context, inv Invocation) (interface{}, error)
}

// Handler is one registered action on the local executor.
type Handler func(ctx context.Context, inv Invocation) (interface{}, error)

// Local is an in-process Executor backed by a handler table. It serves the
// core routes out of the box and dispatches everything else to registered
// handlers.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	engines  []EngineInfo
}

// EngineInfo describes one engine exposed through the registry routes.
type EngineInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// NewLocal creates an empty local executor.
func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

// Register binds an action code to a handler. Later registrations win.
func (l *Local) Register(code string, h Handler) {
	l.mu.Lock()
	l.handlers[code] = h
	l.mu.Unlock()
}

// AddEngine exposes an engine through the registry routes.
func (l *Local) AddEngine(e EngineInfo) {
	l.mu.Lock()
	l.engines = append(l.engines, e)
	l.mu.Unlock()
}

func (l *Local) Run(ctx context.Context, inv Invocation) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeGatewayTimeout, "kernel call cancelled")
	}

	switch inv.Code {
	case CodeSystemHealth:
		return map[string]interface{}{"status": "ok"}, nil
	case CodeListEngines:
		l.mu.RLock()
		engines := make([]EngineInfo, len(l.engines))
		copy(engines, l.engines)
		l.mu.RUnlock()
		return map[string]interface{}{"engines": engines}, nil
	case CodeListActions:
		l.mu.RLock()
		actions := make([]string, 0, len(l.handlers))
		for code := range l.handlers {
			actions = append(actions, code)
		}
		l.mu.RUnlock()
		return map[string]interface{}{"actions": actions}, nil
	}

	if name, ok := parseGetEngine(inv.Code); ok {
		l.mu.RLock()
		defer l.mu.RUnlock()
		for _, e := range l.engines {
			if e.Name == name {
				return e, nil
			}
		}
		return nil, errors.New(errors.CodeEngineNotFound, fmt.Sprintf("engine %q not registered", name))
	}

	l.mu.RLock()
	h, ok := l.handlers[inv.Code]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeActionNotFound, fmt.Sprintf("action %q not registered", inv.Code))
	}
	return h(ctx, inv)
}

func parseGetEngine(code string) (string, bool) {
	const prefix = `registry.getEngine("`
	const suffix = `")`
	if len(code) > len(prefix)+len(suffix) &&
		code[:len(prefix)] == prefix && code[len(code)-len(suffix):] == suffix {
		return code[len(prefix) : len(code)-len(suffix)], true
	}
	return "", false
}
