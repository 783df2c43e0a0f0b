package manifest

// deepMerge returns a new map with every key of overlay applied onto base.
// Nested objects merge recursively; any other value (including false, 0,
// empty string, and arrays) replaces the base value outright. Neither
// input is mutated.
//
// Arrays replace rather than append: a patch that names a list owns it.
//
// Called only at construction time, never per-request.
func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range overlay {
		ov, isObj := v.(map[string]interface{})
		bv, baseIsObj := out[k].(map[string]interface{})
		if isObj && baseIsObj {
			out[k] = deepMerge(bv, ov)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies JSON-shaped values so merged manifests never share
// mutable state with their inputs.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
