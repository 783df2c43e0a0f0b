package openapi

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// Describe emits an OpenAPI document for the route table.
func (a *Adapter) Describe() (interface{}, bool) {
	paths := openapi3.NewPaths()
	for _, rt := range a.routes() {
		item := paths.Find(rt.path)
		if item == nil {
			item = &openapi3.PathItem{}
			paths.Set(rt.path, item)
		}
		op := openapi3.NewOperation()
		op.OperationID = operationID(rt.method, rt.path)
		op.Responses = openapi3.NewResponses()
		if rt.method == http.MethodPost {
			schema := openapi3.NewObjectSchema().
				WithProperty("action", openapi3.NewStringSchema()).
				WithProperty("input", openapi3.NewObjectSchema())
			schema.Required = []string{"action"}
			op.RequestBody = &openapi3.RequestBodyRef{
				Value: openapi3.NewRequestBody().WithJSONSchema(schema),
			}
		}
		item.SetOperation(rt.method, op)
	}

	enginePath := &openapi3.PathItem{}
	engineOp := openapi3.NewOperation()
	engineOp.OperationID = "getEngine"
	engineOp.Responses = openapi3.NewResponses()
	engineOp.AddParameter(openapi3.NewPathParameter("name").WithSchema(openapi3.NewStringSchema()))
	enginePath.SetOperation(http.MethodGet, engineOp)
	paths.Set("/engines/{name}", enginePath)

	return &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:   a.manifest.Name,
			Version: a.manifest.Version,
		},
		Servers: openapi3.Servers{{URL: a.mount}},
		Paths:   paths,
	}, true
}

func operationID(method, path string) string {
	switch {
	case path == "/health":
		return "health"
	case path == "/engines":
		return "listEngines"
	case path == "/actions":
		return "listActions"
	case path == "/execute":
		return "execute"
	}
	return method + path
}
