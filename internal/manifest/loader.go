package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Load reads a YAML manifest patch from disk, expands ${VAR} references from
// the environment, and applies it onto the default manifest via Override.
// An empty path yields the signed default.
func Load(path, secret string) (*Manifest, error) {
	if path == "" {
		return New(secret)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	patch, err := ParsePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return Override(patch, secret)
}

// ParsePatch decodes YAML (or JSON, which YAML subsumes) into the JSON object
// shape Override expects. Environment references expand before decoding.
func ParsePatch(raw []byte) (map[string]interface{}, error) {
	expanded := os.ExpandEnv(string(raw))

	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	// Round-trip through JSON so every number arrives as float64 and every
	// nested map is map[string]interface{}, matching what deepMerge and the
	// schema validator operate on.
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(buf, &patch); err != nil {
		return nil, err
	}
	return patch, nil
}
