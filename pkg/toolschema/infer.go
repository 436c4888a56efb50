package toolschema

import (
	"math"
	"sort"
)

// SchemaURI is the $schema value placed on inferred root schemas.
const SchemaURI = "http://json-schema.org/schema#"

// Infer describes the shape of a decoded JSON value: object keys present in
// every sample become required, array item shapes are merged and mixed
// primitive types are reported as a type list. Values are never copied into
// the schema.
func Infer(value any) map[string]any {
	s := inferNode(value)
	s["$schema"] = SchemaURI
	return s
}

func inferNode(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return map[string]any{"type": "null"}
	case bool:
		return map[string]any{"type": "boolean"}
	case string:
		return map[string]any{"type": "string"}
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return map[string]any{"type": "integer"}
		}
		return map[string]any{"type": "number"}
	case float32:
		return inferNode(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return map[string]any{"type": "integer"}
	case map[string]any:
		props := make(map[string]any, len(v))
		required := make([]any, 0, len(v))
		for _, k := range sortedKeys(v) {
			props[k] = inferNode(v[k])
			required = append(required, k)
		}
		return map[string]any{"type": "object", "properties": props, "required": required}
	case []any:
		s := map[string]any{"type": "array"}
		if len(v) == 0 {
			return s
		}
		items := inferNode(v[0])
		for _, item := range v[1:] {
			items = merge(items, inferNode(item))
		}
		s["items"] = items
		return s
	default:
		if norm, err := Normalize(v); err == nil {
			return inferNode(norm)
		}
		return map[string]any{}
	}
}

// merge combines two inferred schemas describing samples of one location.
func merge(a, b map[string]any) map[string]any {
	ta, tb := typeOf(a), typeOf(b)

	switch {
	case ta == "object" && tb == "object":
		return mergeObjects(a, b)
	case ta == "array" && tb == "array":
		out := map[string]any{"type": "array"}
		ia, okA := a["items"].(map[string]any)
		ib, okB := b["items"].(map[string]any)
		switch {
		case okA && okB:
			out["items"] = merge(ia, ib)
		case okA:
			out["items"] = ia
		case okB:
			out["items"] = ib
		}
		return out
	case ta == tb && ta != "":
		return a
	case isNumeric(ta) && isNumeric(tb):
		return map[string]any{"type": "number"}
	}

	// a scalar and another scalar merge into a type list; anything involving
	// a structured type becomes anyOf
	if isScalarList(a) && isScalarList(b) {
		types := map[string]struct{}{}
		for _, t := range typeList(a) {
			types[t] = struct{}{}
		}
		for _, t := range typeList(b) {
			types[t] = struct{}{}
		}
		list := make([]any, 0, len(types))
		for _, t := range sortedSet(types) {
			list = append(list, t)
		}
		if len(list) == 1 {
			return map[string]any{"type": list[0]}
		}
		return map[string]any{"type": list}
	}

	var options []any
	for _, s := range []map[string]any{a, b} {
		if nested, ok := s["anyOf"].([]any); ok {
			options = append(options, nested...)
		} else {
			options = append(options, s)
		}
	}
	return map[string]any{"anyOf": options}
}

func mergeObjects(a, b map[string]any) map[string]any {
	pa, _ := a["properties"].(map[string]any)
	pb, _ := b["properties"].(map[string]any)

	props := make(map[string]any, len(pa)+len(pb))
	for k, v := range pa {
		props[k] = v
	}
	for k, v := range pb {
		if existing, ok := props[k].(map[string]any); ok {
			props[k] = merge(existing, v.(map[string]any))
		} else {
			props[k] = v
		}
	}

	inB := map[string]struct{}{}
	for _, r := range requiredList(b) {
		inB[r] = struct{}{}
	}
	required := []any{}
	for _, r := range requiredList(a) {
		if _, ok := inB[r]; ok {
			required = append(required, r)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func typeOf(s map[string]any) string {
	t, _ := s["type"].(string)
	return t
}

func typeList(s map[string]any) []string {
	switch t := s["type"].(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func isScalarList(s map[string]any) bool {
	types := typeList(s)
	if len(types) == 0 {
		return false
	}
	for _, t := range types {
		if t == "object" || t == "array" {
			return false
		}
	}
	return true
}

func isNumeric(t string) bool {
	return t == "integer" || t == "number"
}

func requiredList(s map[string]any) []string {
	raw, _ := s["required"].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if str, ok := r.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
