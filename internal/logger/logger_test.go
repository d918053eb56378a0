package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write json to the console writer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{Level: "info", Console: true, Out: buf})
		require.NoError(t, err)
		defer logger.Close()

		zl := logger.GetZerolog()
		zl.Info().Str("k", "v").Msg("hello")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "hello", entry["message"])
		assert.Equal(t, "v", entry["k"])
		assert.NotContains(t, entry, "runtime")
	})

	t.Run("should tag entries with the runtime", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{Console: true, Out: buf, Runtime: "ab12cd"})
		require.NoError(t, err)
		defer logger.Close()

		zl := logger.Component("scheduler")
		zl.Info().Msg("started")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "ab12cd", entry["runtime"])
		assert.Equal(t, "scheduler", entry["component"])
	})

	t.Run("should install the global logger", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{Console: true, Out: buf})
		require.NoError(t, err)
		defer logger.Close()

		log.Info().Msg("global")
		assert.Contains(t, buf.String(), "global")
	})

	t.Run("should fall back to info on an unknown level", func(t *testing.T) {
		logger, err := New(Config{Level: "loud", Out: &bytes.Buffer{}})
		require.NoError(t, err)
		defer logger.Close()
		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("should write to console and file", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logFile := filepath.Join(t.TempDir(), "logs", "agentrt.log")
		logger, err := New(Config{Level: "debug", Console: true, Out: buf, File: logFile, MaxSize: 1})
		require.NoError(t, err)

		zl := logger.GetZerolog()
		zl.Debug().Msg("both")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "both")
		assert.Contains(t, buf.String(), "both")
	})

	t.Run("should redact secrets in every output", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(Config{Console: true, Out: buf, Redaction: true})
		require.NoError(t, err)
		defer logger.Close()
		assert.NotNil(t, logger.redactor)

		zl := logger.GetZerolog()
		zl.Info().
			Str("auth", "Bearer abc123.def456").
			Msg("key sk-ant-REDACTED")

		out := buf.String()
		assert.NotContains(t, out, "abc123.def456")
		assert.NotContains(t, out, "sk-ant-api03")
		assert.Equal(t, 2, strings.Count(out, redacted))
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}

func TestLoggerWith(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Console: true, Out: buf})
	require.NoError(t, err)
	defer logger.Close()

	child := logger.With().Str("context_id", "c1").Logger()
	child.Info().Msg("x")
	assert.Contains(t, buf.String(), `"context_id":"c1"`)
}
