package toolschema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfer_Scalars(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{nil, "null"},
		{true, "boolean"},
		{"x", "string"},
		{float64(3), "integer"},
		{3.5, "number"},
		{42, "integer"},
	}
	for _, tt := range tests {
		s := Infer(tt.value)
		assert.Equal(t, tt.want, s["type"], "value %v", tt.value)
		assert.Equal(t, SchemaURI, s["$schema"])
	}
}

func TestInfer_ArrayOfObjects(t *testing.T) {
	var v any
	require.NoError(t, json.Unmarshal([]byte(`[
		{"url": "https://a", "score": 1, "title": "A"},
		{"url": "https://b", "score": 0.5}
	]`), &v))

	s := Infer(v)

	assert.Equal(t, "array", s["type"])
	items := s["items"].(map[string]any)
	assert.Equal(t, "object", items["type"])
	assert.Equal(t, []any{"score", "url"}, items["required"])

	props := items["properties"].(map[string]any)
	assert.Equal(t, "number", props["score"].(map[string]any)["type"])
	assert.Equal(t, "string", props["title"].(map[string]any)["type"])
}

func TestInfer_MixedScalars(t *testing.T) {
	s := Infer([]any{"a", float64(1), nil})

	items := s["items"].(map[string]any)
	assert.Equal(t, []any{"integer", "null", "string"}, items["type"])
}

func TestInfer_MixedStructured(t *testing.T) {
	s := Infer([]any{"a", map[string]any{"k": "v"}})

	items := s["items"].(map[string]any)
	require.Contains(t, items, "anyOf")
	assert.Len(t, items["anyOf"], 2)
}

func TestInfer_EmptyArray(t *testing.T) {
	s := Infer([]any{})
	assert.Equal(t, "array", s["type"])
	assert.NotContains(t, s, "items")
}

func TestInfer_TypedValue(t *testing.T) {
	type row struct {
		Name string `json:"name"`
	}
	s := Infer([]row{{Name: "a"}})

	items := s["items"].(map[string]any)
	assert.Equal(t, "object", items["type"])
}

func TestInfer_DoesNotLeakValues(t *testing.T) {
	data, err := json.Marshal(Infer(map[string]any{"secret": "do-not-echo"}))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "do-not-echo")
}
