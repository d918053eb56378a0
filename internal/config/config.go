package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/harun/agentrt/pkg/provider"
)

// Config represents the runtime configuration
type Config struct {
	Server      ServerConfig              `json:"server" mapstructure:"server"`
	Auth        AuthConfig                `json:"auth" mapstructure:"auth"`
	Agents      AgentsConfig              `json:"agents" mapstructure:"agents"`
	Providers   map[string]ProviderConfig `json:"providers" mapstructure:"providers"`
	Persistence PersistenceConfig         `json:"persistence" mapstructure:"persistence"`
	Jobs        JobsConfig                `json:"jobs" mapstructure:"jobs"`
	Protocols   ProtocolsConfig           `json:"protocols" mapstructure:"protocols"`
	Logging     LoggingConfig             `json:"logging" mapstructure:"logging"`
	Telemetry   TelemetryConfig           `json:"telemetry" mapstructure:"telemetry"`
	DataDir     string                    `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig configures the single listener
type ServerConfig struct {
	Host        string `json:"host" mapstructure:"host"`
	Port        int    `json:"port" mapstructure:"port"`
	AllowRemote bool   `json:"allow_remote" mapstructure:"allow_remote"`
	// BaseURL is advertised in the A2A agent card. Empty derives it from host and port.
	BaseURL         string `json:"base_url" mapstructure:"base_url"`
	ShutdownTimeout int    `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// AuthConfig configures sessions and the API token
type AuthConfig struct {
	Login        string `json:"login" mapstructure:"login"`
	Password     string `json:"password" mapstructure:"password"`
	CSRFSecret   string `json:"csrf_secret" mapstructure:"csrf_secret"`
	APIToken     string `json:"api_token" mapstructure:"api_token"`
	CookiePrefix string `json:"cookie_prefix" mapstructure:"cookie_prefix"`
	SecureCookie bool   `json:"secure_cookie" mapstructure:"secure_cookie"`
	SessionTTL   int    `json:"session_ttl" mapstructure:"session_ttl"`   // hours
	MaxFailures  int    `json:"max_failures" mapstructure:"max_failures"` // per window
	Window       int    `json:"window" mapstructure:"window"`             // minutes
}

// AgentsConfig configures agent profiles and the loop
type AgentsConfig struct {
	Dir            string `json:"dir" mapstructure:"dir"`
	PromptsDir     string `json:"prompts_dir" mapstructure:"prompts_dir"`
	DefaultProfile string `json:"default_profile" mapstructure:"default_profile"`
	MaxDepth       int    `json:"max_depth" mapstructure:"max_depth"`
	MaxIterations  int    `json:"max_iterations" mapstructure:"max_iterations"`
	IdleTTL        int    `json:"idle_ttl" mapstructure:"idle_ttl"` // minutes, 0 disables the sweep
}

// ProviderConfig holds explicit settings for one model provider. They win
// over the <PROVIDER>_* environment variables.
type ProviderConfig struct {
	APIKeys     []string `json:"api_keys,omitempty" mapstructure:"api_keys"`
	Model       string   `json:"model,omitempty" mapstructure:"model"`
	BaseURL     string   `json:"base_url,omitempty" mapstructure:"base_url"`
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	RPM         int      `json:"rpm,omitempty" mapstructure:"rpm"`
	TPM         int      `json:"tpm,omitempty" mapstructure:"tpm"`
	RateMode    string   `json:"rate_mode,omitempty" mapstructure:"rate_mode"`
}

// PersistenceConfig selects the history store
type PersistenceConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // jsonl, sqlite, none
	Path   string `json:"path" mapstructure:"path"`
}

// JobsConfig holds periodic job schedules. Each is a duration ("5m") or a
// cron expression; empty disables the job.
type JobsConfig struct {
	HistoryFlush string `json:"history_flush" mapstructure:"history_flush"`
	ContextSweep string `json:"context_sweep" mapstructure:"context_sweep"`
	SessionSweep string `json:"session_sweep" mapstructure:"session_sweep"`
}

// ProtocolsConfig toggles the async protocol endpoints
type ProtocolsConfig struct {
	MCP ProtocolConfig `json:"mcp" mapstructure:"mcp"`
	A2A ProtocolConfig `json:"a2a" mapstructure:"a2a"`
}

// ProtocolConfig configures one protocol endpoint
type ProtocolConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Prefix  string `json:"prefix" mapstructure:"prefix"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// TelemetryConfig configures tracing
type TelemetryConfig struct {
	Tracing     bool    `json:"tracing" mapstructure:"tracing"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            50080,
			ShutdownTimeout: 15,
		},
		Auth: AuthConfig{
			CookiePrefix: "agentrt_session",
			SessionTTL:   24,
			MaxFailures:  5,
			Window:       15,
		},
		Agents: AgentsConfig{
			DefaultProfile: "default",
			MaxDepth:       5,
			MaxIterations:  25,
			IdleTTL:        60,
		},
		Providers: map[string]ProviderConfig{},
		Persistence: PersistenceConfig{
			Driver: "jsonl",
		},
		Jobs: JobsConfig{
			HistoryFlush: "1m",
			ContextSweep: "5m",
			SessionSweep: "@hourly",
		},
		Protocols: ProtocolsConfig{
			MCP: ProtocolConfig{Enabled: true, Prefix: "/mcp"},
			A2A: ProtocolConfig{Enabled: true, Prefix: "/a2a"},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
		Telemetry: TelemetryConfig{
			Tracing:     true,
			ServiceName: "agentrt",
			SampleRatio: 1,
		},
	}
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// PublicURL returns the base URL advertised to protocol clients
func (c *Config) PublicURL() string {
	if c.Server.BaseURL != "" {
		return strings.TrimRight(c.Server.BaseURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

// SessionTTLDuration returns the session lifetime
func (a AuthConfig) SessionTTLDuration() time.Duration {
	return time.Duration(a.SessionTTL) * time.Hour
}

// WindowDuration returns the login failure window
func (a AuthConfig) WindowDuration() time.Duration {
	return time.Duration(a.Window) * time.Minute
}

// IdleTTLDuration returns how long an idle context survives
func (a AgentsConfig) IdleTTLDuration() time.Duration {
	return time.Duration(a.IdleTTL) * time.Minute
}

// ShutdownTimeoutDuration returns the graceful shutdown bound
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// ProviderOverrides converts the providers section into resolver overrides
// keyed by canonical provider name.
func (c *Config) ProviderOverrides() map[string]provider.Overrides {
	out := make(map[string]provider.Overrides, len(c.Providers))
	for name, p := range c.Providers {
		out[provider.NormalizeName(name)] = provider.Overrides{
			APIKeys:     append([]string(nil), p.APIKeys...),
			Model:       p.Model,
			BaseURL:     p.BaseURL,
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			RPM:         p.RPM,
			TPM:         p.TPM,
			RateMode:    p.RateMode,
		}
	}
	return out
}

// ProvidersFingerprint changes whenever the providers section does
func (c *Config) ProvidersFingerprint() string {
	b, err := json.Marshal(c.ProviderOverrides())
	if err != nil {
		return ""
	}
	return string(b)
}

// String returns a JSON representation with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Auth.Password = mask(c.Auth.Password)
	masked.Auth.CSRFSecret = mask(c.Auth.CSRFSecret)
	masked.Auth.APIToken = mask(c.Auth.APIToken)
	masked.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		keys := make([]string, len(p.APIKeys))
		for i, k := range p.APIKeys {
			keys[i] = mask(k)
		}
		p.APIKeys = keys
		masked.Providers[name] = p
	}
	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-2:]
}
