package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/agentrt/pkg/history"
	"github.com/harun/agentrt/pkg/jobs"
	"github.com/harun/agentrt/pkg/provider"
)

// PersistenceNone disables history persistence
const PersistenceNone = "none"

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the configuration and joins every problem found
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, providerName string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s API key cannot be empty", providerName)
	}

	switch provider.NormalizeName(providerName) {
	case provider.Anthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case provider.OpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateRateMode validates a rate limiter mode
func (v *Validator) ValidateRateMode(mode string) error {
	switch provider.RateMode(strings.ToLower(mode)) {
	case "", provider.RateModeBlock, provider.RateModeReject:
		return nil
	}
	return fmt.Errorf("invalid rate mode: %s (must be one of: block, reject)", mode)
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePersistenceDriver validates the history driver name
func (v *Validator) ValidatePersistenceDriver(driver string) error {
	switch strings.ToLower(driver) {
	case "", history.DriverJSONL, history.DriverSQLite, PersistenceNone:
		return nil
	}
	return fmt.Errorf("invalid persistence driver: %s (must be one of: jsonl, sqlite, none)", driver)
}

// ValidateSchedule validates a job schedule. Empty disables the job.
func (v *Validator) ValidateSchedule(name, spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	sched, err := jobs.ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("jobs.%s: %w", name, err)
	}
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("jobs.%s: %w", name, err)
	}
	return nil
}

// ValidatePrefix validates a protocol mount prefix
func (v *Validator) ValidatePrefix(name, prefix string) error {
	if !strings.HasPrefix(prefix, "/") || prefix == "/" {
		return fmt.Errorf("protocols.%s.prefix must start with / and not be the root, got %q", name, prefix)
	}
	if strings.HasPrefix(prefix, "/api") {
		return fmt.Errorf("protocols.%s.prefix %q collides with the api routes", name, prefix)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errs = append(errs, err)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be >= 0"))
	}

	// Credentials come as a pair
	if (cfg.Auth.Login == "") != (cfg.Auth.Password == "") {
		errs = append(errs, fmt.Errorf("auth.login and auth.password must be set together"))
	}
	if cfg.Auth.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("auth.session_ttl must be >= 0"))
	}
	if cfg.Auth.MaxFailures < 0 || cfg.Auth.Window < 0 {
		errs = append(errs, fmt.Errorf("auth.max_failures and auth.window must be >= 0"))
	}
	if cfg.Server.AllowRemote && cfg.Auth.Login == "" {
		errs = append(errs, fmt.Errorf("server.allow_remote requires auth.login and auth.password"))
	}

	if cfg.Agents.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("agents.max_depth must be >= 0"))
	}
	if cfg.Agents.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agents.max_iterations must be >= 0"))
	}
	if cfg.Agents.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("agents.idle_ttl must be >= 0"))
	}

	for name, p := range cfg.Providers {
		canonical := provider.NormalizeName(name)
		if _, ok := provider.Defaults(canonical); !ok {
			errs = append(errs, fmt.Errorf("providers.%s: unsupported provider (must be one of: %s)",
				name, strings.Join(provider.Providers(), ", ")))
			continue
		}
		for i, key := range p.APIKeys {
			if err := v.ValidateAPIKey(key, canonical); err != nil {
				errs = append(errs, fmt.Errorf("providers.%s.api_keys[%d]: %w", name, i, err))
			}
		}
		if p.Temperature != nil {
			if err := v.ValidateTemperature(*p.Temperature); err != nil {
				errs = append(errs, fmt.Errorf("providers.%s: %w", name, err))
			}
		}
		if p.MaxTokens < 0 || p.RPM < 0 || p.TPM < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: max_tokens, rpm and tpm must be >= 0", name))
		}
		if err := v.ValidateRateMode(p.RateMode); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s: %w", name, err))
		}
	}

	if err := v.ValidatePersistenceDriver(cfg.Persistence.Driver); err != nil {
		errs = append(errs, err)
	}

	for name, spec := range map[string]string{
		"history_flush": cfg.Jobs.HistoryFlush,
		"context_sweep": cfg.Jobs.ContextSweep,
		"session_sweep": cfg.Jobs.SessionSweep,
	} {
		if err := v.ValidateSchedule(name, spec); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Protocols.MCP.Enabled {
		if err := v.ValidatePrefix("mcp", cfg.Protocols.MCP.Prefix); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Protocols.A2A.Enabled {
		if err := v.ValidatePrefix("a2a", cfg.Protocols.A2A.Prefix); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Protocols.MCP.Enabled && cfg.Protocols.A2A.Enabled &&
		cfg.Protocols.MCP.Prefix == cfg.Protocols.A2A.Prefix {
		errs = append(errs, fmt.Errorf("protocols.mcp and protocols.a2a share prefix %q", cfg.Protocols.MCP.Prefix))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be between 0 and 1, got %v", r))
	}

	return errs
}
