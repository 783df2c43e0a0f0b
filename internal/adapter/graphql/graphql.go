// Package graphql is the GraphQL surface. It performs structural validation
// only (depth, complexity, introspection, fragment cycles) and dispatches
// top-level fields through a registered resolver table.
package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/kernel"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/pipeline"
)

// Request is the GraphQL HTTP request body.
type Request struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

// ResolveRequest carries everything a resolver needs for one field.
type ResolveRequest struct {
	Field string
	Args  map[string]interface{}
	Auth  *pipeline.AuthContext
}

// Resolver handles one top-level field. Keys in the table are
// "Query.<field>" or "Mutation.<field>".
type Resolver func(ctx context.Context, req ResolveRequest) (interface{}, error)

// Adapter serves the GraphQL protocol.
type Adapter struct {
	manifest *manifest.Manifest
	pipe     *pipeline.Pipeline
	mount    string

	mu          sync.RWMutex
	resolvers   map[string]Resolver
	permissions map[string]string // resolver key -> required permission
}

// New builds the GraphQL adapter with the built-in kernel resolvers
// registered. Additional resolvers are added with Register.
func New(m *manifest.Manifest, pipe *pipeline.Pipeline, exec kernel.Executor) *Adapter {
	mount := "/graphql"
	if p, ok := m.Protocols[manifest.ProtocolGraphQL]; ok {
		mount = p.Path
	}
	a := &Adapter{
		manifest:    m,
		pipe:        pipe,
		mount:       mount,
		resolvers:   make(map[string]Resolver),
		permissions: make(map[string]string),
	}
	a.registerKernelResolvers(exec)
	return a
}

func (a *Adapter) Name() string  { return manifest.ProtocolGraphQL }
func (a *Adapter) Mount() string { return a.mount }

func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.resolvers) > 0
}

// Register binds a resolver key to a handler, optionally gated on a
// permission scope. Later registrations win.
func (a *Adapter) Register(key string, r Resolver, permission string) {
	a.mu.Lock()
	a.resolvers[key] = r
	if permission != "" {
		a.permissions[key] = permission
	}
	a.mu.Unlock()
}

func (a *Adapter) registerKernelResolvers(exec kernel.Executor) {
	run := func(code string) Resolver {
		return func(ctx context.Context, req ResolveRequest) (interface{}, error) {
			return exec.Run(ctx, kernel.Invocation{
				Code:     code,
				Context:  a.Name(),
				TenantID: req.Auth.TenantID,
				UserID:   req.Auth.UserID,
				Input:    req.Args,
			})
		}
	}
	a.Register("Query.health", run(kernel.CodeSystemHealth), "")
	a.Register("Query.engines", run(kernel.CodeListEngines), "")
	a.Register("Query.actions", run(kernel.CodeListActions), "")
	a.Register("Query.engine", func(ctx context.Context, req ResolveRequest) (interface{}, error) {
		name, _ := req.Args["name"].(string)
		if name == "" {
			return nil, errors.New(errors.CodeValidation, "engine requires a name argument")
		}
		return exec.Run(ctx, kernel.Invocation{
			Code:     kernel.CodeGetEngine(name),
			Context:  a.Name(),
			TenantID: req.Auth.TenantID,
			UserID:   req.Auth.UserID,
		})
	}, "")
	a.Register("Mutation.execute", func(ctx context.Context, req ResolveRequest) (interface{}, error) {
		action, _ := req.Args["action"].(string)
		if err := kernel.ValidateAction(action, a.manifest.Production()); err != nil {
			return nil, err
		}
		return exec.Run(ctx, kernel.Invocation{
			Code:     action,
			Context:  a.Name(),
			TenantID: req.Auth.TenantID,
			UserID:   req.Auth.UserID,
			Input:    req.Args["input"],
		})
	}, "")
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
	if r.Method != http.MethodPost {
		a.writeError(w, c, errors.New(errors.CodeMethodNotAllowed, "GraphQL requests must be POST"))
		return
	}

	req := parseRequest(c.Input())
	if req.Query == "" {
		a.writeError(w, c, errors.New(errors.CodeValidation, "missing query field"))
		return
	}

	if ge := a.allowGraphQL(c, w); ge != nil {
		a.writeError(w, c, ge)
		return
	}

	doc, parseErr := parser.ParseQuery(&ast.Source{Input: req.Query})
	if parseErr != nil {
		a.writeError(w, c, errors.Newf(errors.CodeValidation, "invalid GraphQL query: %v", parseErr))
		return
	}
	if hasFragmentCycle(doc) {
		a.writeError(w, c, errors.New(errors.CodeValidation, "recursive fragment detected"))
		return
	}

	info := analyze(doc, req.OperationName)
	if ge := a.check(info); ge != nil {
		a.writeError(w, c, ge)
		return
	}

	data, fieldErrs := a.execute(c, doc, req)
	if ge := a.pipe.PostCheck(c, data); ge != nil {
		a.writeError(w, c, ge)
		return
	}

	body := map[string]interface{}{"data": data}
	if len(fieldErrs) > 0 {
		body["errors"] = fieldErrs
	}
	a.pipe.AttachHeaders(c, w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
	a.pipe.FinalizeAudit(c, http.StatusOK, "")
}

// allowGraphQL consumes one slot from the graphql-specific window on top of
// the generic request limits the pipeline already applied.
func (a *Adapter) allowGraphQL(c *pipeline.Context, w http.ResponseWriter) *errors.GatewayError {
	if !a.manifest.Enforcement.RateLimitRequired {
		return nil
	}
	res, err := a.pipe.Limiter.Allow(c.Request.Context(), c.Auth.TenantID, "graphql", a.manifest.RateLimits.GraphQL)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "rate limit check failed")
	}
	if res.Allowed {
		return nil
	}
	res.SetHeaders(w.Header())
	return errors.New(errors.CodeRateLimited, "graphql rate limit exceeded").
		WithRetryAfter(res.RetryAfter)
}

// check enforces the structural limits from the manifest.
func (a *Adapter) check(info *Info) *errors.GatewayError {
	p := a.manifest.Protocols[manifest.ProtocolGraphQL]
	if info.Introspection && a.manifest.Production() {
		return errors.New(errors.CodeForbidden, "introspection is not allowed")
	}
	if p.MaxDepth > 0 && info.Depth > p.MaxDepth {
		return errors.Newf(errors.CodeQueryTooDeep,
			"Query depth %d exceeds maximum %d", info.Depth, p.MaxDepth)
	}
	if p.MaxComplexity > 0 && info.Complexity > p.MaxComplexity {
		return errors.Newf(errors.CodeQueryTooComplex,
			"Query complexity %d exceeds maximum %d", info.Complexity, p.MaxComplexity)
	}
	return nil
}

// fieldError is one entry in the response errors array.
type fieldError struct {
	Message    string            `json:"message"`
	Extensions map[string]string `json:"extensions,omitempty"`
	Path       []string          `json:"path,omitempty"`
}

// execute resolves every top-level field of the selected operation. Field
// failures are partial: the field comes back null with an errors entry.
func (a *Adapter) execute(c *pipeline.Context, doc *ast.QueryDocument, req Request) (map[string]interface{}, []fieldError) {
	op := selectOperation(doc, req.OperationName)
	if op == nil {
		return nil, []fieldError{{
			Message:    "no operation to execute",
			Extensions: map[string]string{"code": string(errors.CodeValidation)},
		}}
	}

	prefix := "Query."
	if op.Operation == ast.Mutation {
		prefix = "Mutation."
	}

	timeout := time.Duration(a.manifest.Timeouts.DefaultMs) * time.Millisecond
	ctx := c.Request.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data := make(map[string]interface{})
	var errs []fieldError
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		name := field.Name
		alias := field.Alias
		if alias == "" {
			alias = name
		}
		if strings.HasPrefix(name, "__") {
			// Introspection in non-production environments answers with the
			// schema document rather than a full type system.
			if name == "__schema" {
				schema, _ := a.Describe()
				data[alias] = schema
			} else {
				data[alias] = nil
			}
			continue
		}

		key := prefix + name
		a.mu.RLock()
		resolver, found := a.resolvers[key]
		required := a.permissions[key]
		a.mu.RUnlock()

		if !found {
			data[alias] = nil
			errs = append(errs, fieldError{
				Message:    fmt.Sprintf("no resolver for %s", key),
				Extensions: map[string]string{"code": string(errors.CodeNotFound)},
				Path:       []string{alias},
			})
			continue
		}
		if required != "" && !c.Auth.HasPermission(required) && !c.Auth.IsSystem() {
			data[alias] = nil
			errs = append(errs, fieldError{
				Message:    fmt.Sprintf("missing permission for %s", key),
				Extensions: map[string]string{"code": string(errors.CodeForbidden)},
				Path:       []string{alias},
			})
			continue
		}

		result, err := resolver(ctx, ResolveRequest{
			Field: name,
			Args:  fieldArgs(field, req.Variables),
			Auth:  c.Auth,
		})
		if err != nil {
			ge := errors.AsGatewayError(err)
			data[alias] = nil
			errs = append(errs, fieldError{
				Message:    errors.MaskMessage(ge.Code, ge.Message, a.manifest.Masking()),
				Extensions: map[string]string{"code": string(ge.Code)},
				Path:       []string{alias},
			})
			continue
		}
		data[alias] = result
	}
	return data, errs
}

func selectOperation(doc *ast.QueryDocument, name string) *ast.OperationDefinition {
	for _, op := range doc.Operations {
		if name == "" || op.Name == name {
			return op
		}
	}
	if len(doc.Operations) > 0 {
		return doc.Operations[0]
	}
	return nil
}

// fieldArgs evaluates the field's argument values against the request
// variables. Unresolvable arguments are dropped rather than failing the field.
func fieldArgs(field *ast.Field, vars map[string]interface{}) map[string]interface{} {
	if len(field.Arguments) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := arg.Value.Value(vars)
		if err != nil {
			continue
		}
		args[arg.Name] = v
	}
	return args
}

// parseRequest reads the GraphQL request out of the pipeline's parsed body.
func parseRequest(input interface{}) Request {
	var req Request
	m, ok := input.(map[string]interface{})
	if !ok {
		return req
	}
	req.Query, _ = m["query"].(string)
	req.OperationName, _ = m["operationName"].(string)
	if vars, ok := m["variables"].(map[string]interface{}); ok {
		req.Variables = vars
	}
	return req
}

// writeError emits the GraphQL error envelope for request-level failures.
func (a *Adapter) writeError(w http.ResponseWriter, c *pipeline.Context, ge *errors.GatewayError) {
	status := a.manifest.ErrorStatus(string(ge.Code), ge.HTTPStatus())
	a.pipe.AttachHeaders(c, w.Header())
	w.Header().Set("Content-Type", "application/json")
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []fieldError{{
			Message:    errors.MaskMessage(ge.Code, ge.Message, a.manifest.Masking()),
			Extensions: map[string]string{"code": string(ge.Code)},
		}},
	})
	a.pipe.FinalizeAudit(c, status, string(ge.Code))
}

// Describe emits the schema document built from the resolver table.
func (a *Adapter) Describe() (interface{}, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var queries, mutations []string
	for key := range a.resolvers {
		switch {
		case strings.HasPrefix(key, "Query."):
			queries = append(queries, strings.TrimPrefix(key, "Query."))
		case strings.HasPrefix(key, "Mutation."):
			mutations = append(mutations, strings.TrimPrefix(key, "Mutation."))
		}
	}
	sort.Strings(queries)
	sort.Strings(mutations)

	var b strings.Builder
	b.WriteString("scalar JSON\n\ntype Query {\n")
	for _, q := range queries {
		fmt.Fprintf(&b, "  %s: JSON\n", q)
	}
	b.WriteString("}\n")
	if len(mutations) > 0 {
		b.WriteString("\ntype Mutation {\n")
		for _, m := range mutations {
			fmt.Fprintf(&b, "  %s: JSON\n", m)
		}
		b.WriteString("}\n")
	}
	return map[string]interface{}{"sdl": b.String()}, true
}
