package cli

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("should fail when no server was started", func(t *testing.T) {
		path, _ := writeConfig(t, "")
		_, err := execute(t, "stop", "--config", path)
		assert.EqualError(t, err, "server is not running")
	})

	t.Run("should fail on a stale PID file and leave it alone", func(t *testing.T) {
		path, dir := writeConfig(t, "")
		pidFile := filepath.Join(dir, "giga-agent.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(exitedPID(t))), 0o644))

		_, err := execute(t, "stop", "--config", path)
		assert.EqualError(t, err, "server is not running")
		assert.FileExists(t, pidFile)
	})

	t.Run("should terminate the server and remove its PID file", func(t *testing.T) {
		bin, err := exec.LookPath("sleep")
		if err != nil {
			t.Skip("sleep binary not available")
		}
		server := exec.Command(bin, "30")
		require.NoError(t, server.Start())
		reaped := make(chan struct{})
		go func() {
			_ = server.Wait()
			close(reaped)
		}()
		t.Cleanup(func() {
			_ = server.Process.Kill()
			<-reaped
		})

		path, dir := writeConfig(t, "")
		pidFile := filepath.Join(dir, "giga-agent.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(server.Process.Pid)), 0o644))

		out, err := execute(t, "stop", "--config", path, "--timeout", "5")
		require.NoError(t, err)
		assert.Contains(t, out, "Server stopped successfully")
		assert.NoFileExists(t, pidFile)
	})
}
