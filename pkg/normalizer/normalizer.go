// Package normalizer turns raw tool results into the envelope appended to
// the conversation as a tool message.
package normalizer

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/gigachain-team/giga-agent/pkg/toolschema"
)

const (
	// MaxInlineChars is the serialized size above which a result is replaced
	// by its shape schema (10,000 tokens at ~4 chars per token).
	MaxInlineChars = 10000 * 4

	// AttachmentsKey marks tool results that carry UI attachments.
	AttachmentsKey = "giga_attachments"

	// AttentionKey holds a note a tool wants appended to the message
	// instead of kept in the data.
	AttentionKey = "attention"

	oversizedNote = "The function result is too long, inspect the variable with python instead. Data schema:\n"
)

// Envelope is the normalized tool result.
type Envelope struct {
	Data        any            `json:"data,omitempty"`
	Message     string         `json:"message,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Attachments []any          `json:"-"`
	IsError     bool           `json:"is_error,omitempty"`

	// payload replaces the default serialization for results that carry
	// their own structure (attachment results).
	payload map[string]any
	// Tool is the name of the tool that produced the result.
	Tool string `json:"-"`
	// Truncated is set when Data was replaced by Schema.
	Truncated bool `json:"-"`
}

// MarshalJSON serializes attachment results as their own map and everything
// else as {data, message, schema}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.payload != nil {
		return json.Marshal(e.payload)
	}
	type plain Envelope
	return json.Marshal(plain(e))
}

// Content returns the tool message content.
func (e Envelope) Content() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"message": %q, "is_error": true}`, err.Error())
	}
	return string(data)
}

// PointerMessage is the message telling the model where the full result was
// stored in the kernel.
func PointerMessage(index int) string {
	return fmt.Sprintf("Function result saved to variable `function_results[%d]['data']` ", index)
}

// Record is what gets appended to function_results in the kernel: the full,
// untruncated data with its pointer message.
type Record struct {
	Data    any    `json:"data"`
	Message string `json:"message"`
}

// Normalize wraps raw for the tool at position index. ok is false for empty
// results, which the caller passes through unchanged. record is the kernel
// record for non-empty results.
func Normalize(raw any, toolName string, isAgentTool bool, index int) (env Envelope, record *Record, ok bool) {
	if isEmpty(raw) {
		return Envelope{}, nil, false
	}

	record = &Record{Data: raw, Message: PointerMessage(index)}

	if m, isMap := raw.(map[string]any); isMap {
		if atts, has := m[AttachmentsKey]; has {
			payload := make(map[string]any, len(m))
			for k, v := range m {
				if k != AttachmentsKey {
					payload[k] = v
				}
			}
			return Envelope{payload: payload, Attachments: toSlice(atts), Tool: toolName}, record, true
		}
	}

	env = Envelope{Data: raw, Message: record.Message, Tool: toolName}
	if m, isMap := raw.(map[string]any); isMap {
		if note, has := m[AttentionKey].(string); has {
			data := make(map[string]any, len(m))
			for k, v := range m {
				if k != AttentionKey {
					data[k] = v
				}
			}
			env.Data = data
			env.Message += note
		}
	}
	if !isAgentTool && serializedLen(raw) > MaxInlineChars {
		env.Schema = toolschema.Infer(env.Data)
		env.Data = nil
		env.Message += oversizedNote
		env.Truncated = true
	}
	return env, record, true
}

// ErrorEnvelope is the envelope for a failed tool call.
func ErrorEnvelope(err error) Envelope {
	return Envelope{Message: fmt.Sprintf("Error: %s\n Please fix your mistakes.", err.Error()), IsError: true}
}

// MessageEnvelope is an envelope that only carries a message, used for
// corrective answers and user comments.
func MessageEnvelope(msg string) Envelope {
	return Envelope{Message: msg}
}

// Passthrough serializes an empty result as-is.
func Passthrough(raw any) string {
	if raw == nil {
		return "null"
	}
	if s, ok := raw.(string); ok {
		return s
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(data)
}

func serializedLen(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return len(fmt.Sprint(v))
	}
	// count characters, not bytes, so non-latin text is measured like the model sees it
	return len([]rune(string(data)))
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case int:
		return t == 0
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return rv.IsZero()
}

func toSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	default:
		return []any{t}
	}
}
