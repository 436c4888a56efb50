package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("should print the version with the binary name", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Equal(t, "giga-agent version "+GetVersion()+"\n", out)
	})

	t.Run("should describe the agent server in help", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "giga-agent")
		assert.Contains(t, out, "thread API")
		assert.Contains(t, out, "user approval")
	})

	t.Run("should expose config and log level as persistent flags", func(t *testing.T) {
		flags := GetRootCmd().PersistentFlags()
		require.NotNil(t, flags.Lookup("config"))
		require.NotNil(t, flags.Lookup("log-level"))
		assert.Equal(t, "info", flags.Lookup("log-level").DefValue)
	})

	t.Run("should register every server and tooling command", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "serve-tools", "serve-tasks", "tools", "schema", "config", "status", "stop", "version"} {
			assert.True(t, names[want], "missing command %s", want)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "giga-agent version "+GetVersion()+"\n", out)
}

func TestLoadConfigLogLevel(t *testing.T) {
	path, _ := writeConfig(t, "logging:\n  level: warn\n")

	show := func(t *testing.T, args ...string) map[string]any {
		t.Helper()
		out, err := execute(t, append([]string{"config", "show", "--config", path}, args...)...)
		require.NoError(t, err)
		var cfg map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &cfg))
		return cfg["logging"].(map[string]any)
	}

	t.Run("should take the level from the file", func(t *testing.T) {
		assert.Equal(t, "warn", show(t)["level"])
	})

	t.Run("should let an explicit flag win over the file", func(t *testing.T) {
		assert.Equal(t, "debug", show(t, "--log-level", "debug")["level"])
	})
}
