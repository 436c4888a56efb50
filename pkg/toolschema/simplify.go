// Package toolschema rewrites, infers and validates the JSON schemas that
// describe tool parameters and tool results.
package toolschema

import "encoding/json"

// Simplify rewrites a parameter schema into the subset models handle well:
//
//   - an anyOf of exactly one concrete type and "null" is collapsed into the
//     concrete branch, with default null added when no default exists;
//   - an object without "required" gets one listing the properties that had
//     no anyOf before the rewrite;
//   - items and additionalProperties are rewritten recursively.
//
// Other anyOf forms are kept. The input is never mutated and Simplify is
// idempotent.
func Simplify(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	if _, ok := schema["properties"].(map[string]any); ok {
		return simplifyObject(schema)
	}

	out := cloneMap(schema)
	for _, key := range []string{"items", "additionalProperties"} {
		if child, ok := out[key].(map[string]any); ok {
			out[key] = Simplify(child)
		}
	}
	out, _ = collapseNullable(out)
	return out
}

// SimplifyTool returns a copy of a tool descriptor map
// ({name, description, parameters}) with simplified parameters.
func SimplifyTool(tool map[string]any) map[string]any {
	out := cloneMap(tool)
	if params, ok := out["parameters"].(map[string]any); ok {
		out["parameters"] = Simplify(params)
	}
	return out
}

func simplifyObject(schema map[string]any) map[string]any {
	out := cloneMap(schema)
	props := out["properties"].(map[string]any)

	_, hasRequired := out["required"].([]any)
	if !hasRequired {
		_, hasRequired = out["required"].([]string)
	}

	// sorted order keeps the synthesized required list stable
	required := make([]any, 0, len(props))
	for _, name := range sortedKeys(props) {
		prop, ok := props[name].(map[string]any)
		if !ok {
			prop = map[string]any{}
		}
		_, hadAnyOf := prop["anyOf"].([]any)

		rewritten, _ := collapseNullable(Simplify(prop))
		props[name] = rewritten

		if !hadAnyOf {
			required = append(required, name)
		}
	}
	if !hasRequired {
		out["required"] = required
	}

	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = Simplify(items)
	}
	return out
}

// collapseNullable merges the non-null branch of an {T, null} anyOf into the
// parent. It reports whether the anyOf was removed.
func collapseNullable(schema map[string]any) (map[string]any, bool) {
	anyOf, ok := schema["anyOf"].([]any)
	if !ok || len(anyOf) != 2 {
		return schema, false
	}

	var concrete map[string]any
	sawNull := false
	for _, option := range anyOf {
		opt, _ := option.(map[string]any)
		typ, _ := opt["type"].(string)
		switch {
		case typ == "null":
			sawNull = true
		case typ != "" && concrete == nil:
			concrete = opt
		default:
			return schema, false
		}
	}
	if !sawNull || concrete == nil {
		return schema, false
	}

	merged := make(map[string]any, len(schema)+len(concrete))
	for k, v := range schema {
		if k != "anyOf" {
			merged[k] = v
		}
	}
	for k, v := range concrete {
		merged[k] = v
	}
	if _, ok := merged["default"]; !ok {
		merged["default"] = nil
	}
	return merged, true
}

// cloneMap deep copies a decoded JSON value tree.
func cloneMap(m map[string]any) map[string]any {
	return cloneValue(m).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	default:
		return t
	}
}

// Normalize round-trips v through encoding/json so typed Go values
// (structs, []string, ints) become the map[string]any / []any / float64
// shapes the rest of this package works on.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
