package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/agentrt/pkg/history"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every configuration environment variable,
	// e.g. AGENTRT_SERVER_PORT.
	EnvPrefix = "AGENTRT"

	defaultDirName  = ".agentrt"
	defaultFileName = "agentrt.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads .env files, the JSON config file when present and AGENTRT_*
// environment variables, later sources winning.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	if err := LoadDotEnv(filepath.Dir(configPath)); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fillPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillPaths derives unset file locations from the data directory
func fillPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultDirName)
	}

	if cfg.Agents.Dir == "" {
		cfg.Agents.Dir = filepath.Join(cfg.DataDir, "agents")
	}
	if cfg.Agents.PromptsDir == "" {
		cfg.Agents.PromptsDir = filepath.Join(cfg.DataDir, "prompts")
	}

	if cfg.Persistence.Path == "" {
		switch strings.ToLower(cfg.Persistence.Driver) {
		case history.DriverSQLite:
			cfg.Persistence.Path = filepath.Join(cfg.DataDir, "history.db")
		default:
			cfg.Persistence.Path = filepath.Join(cfg.DataDir, "history")
		}
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "agentrt.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	return nil
}

// setDefaults registers every leaf key of cfg with viper so AutomaticEnv
// can override it even when no config file exists.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaultTree(v, "", tree)
	return nil
}

func setDefaultTree(v *viper.Viper, prefix string, tree map[string]any) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		// Provider sections are free-form and resolved from their own env
		if full == "providers" {
			continue
		}
		if sub, ok := value.(map[string]any); ok {
			setDefaultTree(v, full, sub)
			continue
		}
		v.SetDefault(full, value)
	}
}

// Save writes the configuration to the config file with owner-only
// permissions.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("server", cfg.Server)
	v.Set("auth", cfg.Auth)
	v.Set("agents", cfg.Agents)
	v.Set("providers", cfg.Providers)
	v.Set("persistence", cfg.Persistence)
	v.Set("jobs", cfg.Jobs)
	v.Set("protocols", cfg.Protocols)
	v.Set("logging", cfg.Logging)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(configPath, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName, defaultFileName), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
