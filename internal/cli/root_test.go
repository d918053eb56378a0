package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/agentrt/internal/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and returns its output.
// Flag values survive between executions, so help and version flags are
// reset first.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetHelp(cmd)
	t.Cleanup(func() {
		cfgFile, logLevel = "", ""
	})

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

func resetHelp(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, c := range cmd.Commands() {
		resetHelp(c)
	}
}

// writeConfig writes a config file into a fresh home directory
func writeConfig(t *testing.T, values map[string]any) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	if _, ok := values["data_dir"]; !ok {
		values["data_dir"] = filepath.Join(home, "data")
	}
	data, err := json.Marshal(values)
	require.NoError(t, err)
	path := filepath.Join(home, "agentrt.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("should print the version", func(t *testing.T) {
		out, err := executeCommand(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "agentrt version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("should describe the runtime in help", func(t *testing.T) {
		out, err := executeCommand(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "agentrt")
		assert.Contains(t, out, "agent context")
		for _, name := range []string{"serve", "status", "stop", "version", "configure"} {
			assert.Contains(t, out, name)
		}
	})

	t.Run("should declare the global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "agentrt version "+GetVersion()))
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfig(t *testing.T) {
	t.Run("should apply the log level flag", func(t *testing.T) {
		cfgFile = writeConfig(t, map[string]any{"logging": map[string]any{"level": "warn"}})
		logLevel = "debug"
		t.Cleanup(func() { cfgFile, logLevel = "", "" })

		cfg, loader, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, cfgFile, loader.GetConfigPath())
	})

	t.Run("should keep the file level without the flag", func(t *testing.T) {
		cfgFile = writeConfig(t, map[string]any{"logging": map[string]any{"level": "warn"}})
		t.Cleanup(func() { cfgFile = "" })

		cfg, _, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})
}

func TestLocalURL(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "http://127.0.0.1:50080", localURL(cfg))

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 9000
	assert.Equal(t, "http://127.0.0.1:9000", localURL(cfg))

	cfg.Server.Host = "::1"
	assert.Equal(t, "http://[::1]:9000", localURL(cfg))
}
