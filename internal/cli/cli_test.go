package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a YAML config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "data_dir: " + dir + "\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	cmd.SetArgs(args)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return output.String(), err
}

func TestConfigCommands(t *testing.T) {
	path, _ := writeConfig(t, "gateway:\n  shared_secret: top-secret\n  port: 3030\n")

	t.Run("should print the masked config", func(t *testing.T) {
		out, err := execute(t, "config", "show", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, `"port": 3030`)
		assert.NotContains(t, out, "top-secret")
	})

	t.Run("should validate the config", func(t *testing.T) {
		out, err := execute(t, "config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		bad, _ := writeConfig(t, "agent:\n  approval_mode: sometimes\n")
		_, err := execute(t, "config", "validate", "--config", bad)
		assert.ErrorContains(t, err, "approval mode")
	})
}

func TestSchemaSimplify(t *testing.T) {
	tool := map[string]any{
		"name":        "search",
		"description": "Searches the web",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
	}
	raw, err := json.Marshal(tool)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "tool.json")
	require.NoError(t, os.WriteFile(file, raw, 0o644))

	out, err := execute(t, "schema", "simplify", file)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "search", got["name"])
	assert.Contains(t, got, "parameters")

	t.Run("should reject malformed input", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
		_, err := execute(t, "schema", "simplify", bad)
		assert.ErrorContains(t, err, "invalid tool definition")
	})
}

func TestToolsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tools", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"name": "search", "description": "Web search", "inputSchema": {"type": "object", "properties": {}}},
			{"name": "lean_canvas", "description": "Lean canvas", "inputSchema": {"type": "object", "properties": {}}}
		]`))
	}))
	defer srv.Close()

	path, _ := writeConfig(t, "tool_server:\n  base_url: "+srv.URL+"\n")
	t.Setenv("TAVILY_API_KEY", "")

	out, err := execute(t, "tools", "list", "--config", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[1], "lean_canvas")
	assert.Contains(t, lines[1], "true")
	assert.Contains(t, lines[2], "search")
	assert.Contains(t, lines[2], "false")
	assert.Contains(t, lines[2], "env:TAVILY_API_KEY")
}
