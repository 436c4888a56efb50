package kernel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var pythonBlock = regexp.MustCompile("(?s)```python(.+?)```")

// DefaultREPLTools are helper functions the kernel image provides and that
// get stubs in every preamble.
var DefaultREPLTools = []string{"predict_sentiments", "summarize", "get_embeddings"}

// ExtractCode joins every ```python fenced block of text with newlines and
// trims the result. It returns "" when text has no such block.
func ExtractCode(text string) string {
	matches := pythonBlock.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m[1])
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// UnwrapCode returns the fenced code inside arg when the model wrapped its
// argument in a ```python block, and arg unchanged otherwise.
func UnwrapCode(arg string) string {
	if code := ExtractCode(arg); code != "" {
		return code
	}
	return arg
}

// Preamble carries what PrependCode needs to wire tool stubs into the kernel.
type Preamble struct {
	ToolNames    []string
	REPLTools    []string
	ToolURL      string
	ThreadID     string
	CheckpointID string
}

// PrependCode prefixes code with imports, a configured ToolClient and one
// stub per tool, so user code can call tools as plain keyword functions.
func PrependCode(code string, p Preamble) string {
	var b strings.Builder
	b.WriteString("from app.utils import build_schema_from_json\n")
	b.WriteString("import importlib\n")
	b.WriteString("importlib.invalidate_caches()\n")
	b.WriteString("import pandas as pd\n")
	b.WriteString("import numpy as np\n")
	b.WriteString("import datetime\n")
	b.WriteString("from app.tool_client import ToolClient\n")
	fmt.Fprintf(&b, "tool_client = ToolClient(base_url=%s)\n", pyString(p.ToolURL))
	fmt.Fprintf(&b, "tool_client.set_state_data(%s, %s)", pyString(p.ThreadID), pyString(p.CheckpointID))

	stubs := make([]string, 0, len(p.ToolNames)+len(p.REPLTools))
	for _, name := range append(append([]string{}, p.ToolNames...), p.REPLTools...) {
		if !isIdentifier(name) {
			continue
		}
		stubs = append(stubs, fmt.Sprintf("\n@tool_client.call_tool\ndef %s(**kwargs):\n    pass\n", name))
	}
	b.WriteString(strings.Join(stubs, "\n\n"))
	b.WriteString(code)
	return b.String()
}

// InitCode creates the result list in a fresh kernel.
const InitCode = "function_results = []"

// AppendResultCode returns the statement that appends record to
// function_results. The record travels as a JSON string literal so no Go
// value has to be rendered as Python source.
func AppendResultCode(record any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode function result: %w", err)
	}
	return fmt.Sprintf("import json as _json\nfunction_results.append(_json.loads(%s))", pyString(string(data))), nil
}

// pyString quotes s as a Python string literal. JSON string syntax is a
// subset of Python's.
func pyString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func isIdentifier(s string) bool {
	return identifier.MatchString(s)
}
