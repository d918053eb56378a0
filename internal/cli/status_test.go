package cli

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/agentrt/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("should report a stopped daemon", func(t *testing.T) {
		path := writeConfig(t, map[string]any{})

		out, err := executeCommand(t, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("should report a running daemon and its health", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/healthz" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","version":"0.1.0","contexts":3}`))
		}))
		defer srv.Close()

		host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)

		dataDir := t.TempDir()
		path := writeConfig(t, map[string]any{
			"data_dir": dataDir,
			"server":   map[string]any{"host": host, "port": port},
		})
		pidFile := daemon.PIDFilePath(dataDir)
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))

		out, err := executeCommand(t, "", "status", "--config", path)
		require.NoError(t, err)

		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Health: ok")
		assert.Contains(t, out, "Version: 0.1.0")
		assert.Contains(t, out, "Contexts: 3")
	})

	t.Run("should say when the daemon does not answer", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		dataDir := t.TempDir()
		path := writeConfig(t, map[string]any{
			"data_dir": dataDir,
			"server":   map[string]any{"host": "127.0.0.1", "port": port},
		})
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, daemon.PIDFileName), []byte(strconv.Itoa(os.Getpid())), 0o644))

		out, err := executeCommand(t, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "Health: unreachable")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{name: "seconds", duration: 42 * time.Second, expected: "42s"},
		{name: "minutes", duration: 3*time.Minute + 5*time.Second, expected: "3m5s"},
		{name: "hours", duration: 2*time.Hour + 1*time.Minute, expected: "2h1m0s"},
		{name: "rounds to seconds", duration: 1500 * time.Millisecond, expected: "2s"},
		{name: "zero", duration: 0, expected: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
