package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{"valid anthropic key", "sk-ant-api03-abc", "anthropic", false},
		{"anthropic alias", "sk-ant-api03-abc", "claude", false},
		{"invalid anthropic key", "sk-abc", "anthropic", true},
		{"valid openai key", "sk-proj-abc", "openai", false},
		{"invalid openai key", "abc", "openai", true},
		{"gemini accepts any non-empty key", "AIzaSy-abc", "gemini", false},
		{"empty key", "  ", "gemini", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule("history_flush", ""))
	assert.NoError(t, v.ValidateSchedule("history_flush", "30s"))
	assert.NoError(t, v.ValidateSchedule("history_flush", "*/5 * * * *"))
	assert.NoError(t, v.ValidateSchedule("history_flush", "@hourly"))

	err := v.ValidateSchedule("context_sweep", "every tuesday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs.context_sweep")
}

func TestValidateConfig(t *testing.T) {
	t.Run("should accept the defaults", func(t *testing.T) {
		assert.Empty(t, NewValidator().ValidateConfig(DefaultConfig()))
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"login without password", func(c *Config) { c.Auth.Login = "admin" }, "must be set together"},
		{"remote without credentials", func(c *Config) { c.Server.AllowRemote = true }, "allow_remote requires"},
		{"negative idle ttl", func(c *Config) { c.Agents.IdleTTL = -1 }, "agents.idle_ttl"},
		{"unknown provider", func(c *Config) { c.Providers["mistral"] = ProviderConfig{} }, "unsupported provider"},
		{"bad provider key", func(c *Config) {
			c.Providers["anthropic"] = ProviderConfig{APIKeys: []string{"nope"}}
		}, "providers.anthropic.api_keys[0]"},
		{"bad temperature", func(c *Config) {
			temp := 3.0
			c.Providers["openai"] = ProviderConfig{Temperature: &temp}
		}, "temperature"},
		{"bad rate mode", func(c *Config) { c.Providers["gemini"] = ProviderConfig{RateMode: "drop"} }, "invalid rate mode"},
		{"bad driver", func(c *Config) { c.Persistence.Driver = "postgres" }, "persistence driver"},
		{"bad schedule", func(c *Config) { c.Jobs.SessionSweep = "sometimes" }, "jobs.session_sweep"},
		{"root prefix", func(c *Config) { c.Protocols.MCP.Prefix = "/" }, "protocols.mcp.prefix"},
		{"api prefix", func(c *Config) { c.Protocols.A2A.Prefix = "/api/a2a" }, "collides"},
		{"shared prefix", func(c *Config) { c.Protocols.A2A.Prefix = "/mcp" }, "share prefix"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"bad sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("should ignore prefixes of disabled protocols", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Protocols.MCP.Enabled = false
		cfg.Protocols.MCP.Prefix = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should accept remote access with credentials", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.AllowRemote = true
		cfg.Auth.Login = "admin"
		cfg.Auth.Password = "pw"
		assert.NoError(t, cfg.Validate())
	})
}
