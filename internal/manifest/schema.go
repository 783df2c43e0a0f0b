package manifest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// manifestSchema is the structural contract a manifest object must satisfy
// before invariant checks run. Kept deliberately shallow: invariants that
// relate fields to each other live in validateInvariants, not here.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "name", "version", "env", "protocols", "versioning", "rateLimits", "payloadLimits", "security", "enforcement"],
  "properties": {
    "kind": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "env": {"enum": ["development", "staging", "production"]},
    "protocols": {
      "type": "object",
      "propertyNames": {"enum": ["openapi", "trpc", "graphql", "websocket", "grpc"]},
      "additionalProperties": {
        "type": "object",
        "required": ["enabled", "path"],
        "properties": {
          "enabled": {"type": "boolean"},
          "path": {"type": "string"}
        }
      }
    },
    "versioning": {
      "type": "object",
      "required": ["strategy", "default", "supported"],
      "properties": {
        "strategy": {"enum": ["header", "path", "query"]},
        "default": {"type": "string", "minLength": 1},
        "latest": {"type": "string"},
        "supported": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "allowLatestAlias": {"type": "boolean"}
      }
    },
    "rateLimits": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "max": {"type": "integer", "minimum": 0},
          "windowMs": {"type": "integer", "minimum": 0}
        }
      }
    },
    "payloadLimits": {
      "type": "object",
      "properties": {
        "maxRequestBytes": {"type": "integer", "minimum": 1},
        "maxResponseBytes": {"type": "integer", "minimum": 1},
        "maxArrayLength": {"type": "integer", "minimum": 1},
        "maxStringLength": {"type": "integer", "minimum": 1},
        "maxDepth": {"type": "integer", "minimum": 1}
      }
    },
    "errorCodes": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "status": {"type": "integer", "minimum": 100, "maximum": 599},
          "recoverable": {"type": "boolean"}
        }
      }
    },
    "signature": {"type": "string", "pattern": "^sha256-[0-9a-f]{64}$"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// validateSchema checks a manifest object against the embedded JSON schema.
func validateSchema(obj map[string]interface{}) error {
	schemaOnce.Do(func() {
		var doc interface{}
		if err := json.Unmarshal([]byte(manifestSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("parse embedded schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("manifest.schema.json")
	})
	if schemaErr != nil {
		return schemaErr
	}
	// Schema validation operates on the JSON-decoded form; numbers arrive as
	// float64 which the validator accepts for integer constraints when whole.
	return compiledSchema.Validate(interface{}(obj))
}
