package provider

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Provider names
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Gemini    = "gemini"
)

// RateMode selects what a saturated RateLimiter does
type RateMode string

const (
	// RateModeBlock waits until the window has room
	RateModeBlock RateMode = "block"
	// RateModeReject fails immediately with a rate_limited ProviderError
	RateModeReject RateMode = "reject"
)

var aliases = map[string]string{
	"claude": Anthropic,
	"google": Gemini,
	"gpt":    OpenAI,
}

// Params are the per-call model parameters
type Params struct {
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Limits is the per-provider request and token budget. Zero means unlimited.
type Limits struct {
	RPM  int      `json:"rpm"`
	TPM  int      `json:"tpm"`
	Mode RateMode `json:"mode"`
}

// Config is a resolved provider configuration. Treat it as immutable.
type Config struct {
	Provider    string   `json:"provider"`
	Credentials []string `json:"-"`
	Params      Params   `json:"params"`
	Limits      Limits   `json:"limits"`
}

// Overrides are explicit settings that win over defaults and environment.
// Zero values are ignored.
type Overrides struct {
	APIKeys     []string `json:"api_keys,omitempty" mapstructure:"api_keys"`
	Model       string   `json:"model,omitempty" mapstructure:"model"`
	BaseURL     string   `json:"base_url,omitempty" mapstructure:"base_url"`
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	RPM         int      `json:"rpm,omitempty" mapstructure:"rpm"`
	TPM         int      `json:"tpm,omitempty" mapstructure:"tpm"`
	RateMode    string   `json:"rate_mode,omitempty" mapstructure:"rate_mode"`
}

// EnvFunc looks up an environment variable
type EnvFunc func(key string) (string, bool)

// OSEnv reads the process environment
func OSEnv() EnvFunc {
	return os.LookupEnv
}

// MapEnv reads from a fixed map
func MapEnv(m map[string]string) EnvFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Defaults returns the built-in parameters for a provider
func Defaults(provider string) (Params, bool) {
	switch provider {
	case Anthropic:
		return Params{Model: "claude-sonnet-4-5", Temperature: 0.7, MaxTokens: 4096}, true
	case OpenAI:
		return Params{Model: "gpt-4o", Temperature: 0.7, MaxTokens: 4096}, true
	case Gemini:
		return Params{Model: "gemini-2.0-flash", Temperature: 0.7, MaxTokens: 4096}, true
	default:
		return Params{}, false
	}
}

// Providers returns the supported provider names, sorted
func Providers() []string {
	names := []string{Anthropic, OpenAI, Gemini}
	sort.Strings(names)
	return names
}

// NormalizeName lowercases a provider name and resolves aliases
func NormalizeName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

// ResolveConfig merges provider defaults, environment and overrides, later
// layers winning. Identical inputs always produce an identical Config.
func ResolveConfig(rawName string, env EnvFunc, overrides Overrides) (Config, error) {
	name := NormalizeName(rawName)
	params, ok := Defaults(name)
	if !ok {
		return Config{}, fmt.Errorf("unsupported provider: %q", rawName)
	}
	if env == nil {
		env = MapEnv(nil)
	}

	cfg := Config{
		Provider: name,
		Params:   params,
		Limits:   Limits{Mode: RateModeBlock},
	}

	prefix := strings.ToUpper(name)
	lookup := func(suffix string) (string, bool) {
		v, ok := env(prefix + "_" + suffix)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	keys, ok := lookup("API_KEY")
	if !ok {
		keys, ok = env("API_KEY_" + prefix)
		keys = strings.TrimSpace(keys)
	}
	if ok {
		cfg.Credentials = splitKeys(keys)
	}

	if v, ok := lookup("MODEL"); ok {
		cfg.Params.Model = v
	}
	if v, ok := lookup("BASE_URL"); ok {
		cfg.Params.BaseURL = v
	}
	if v, ok := lookup("TEMPERATURE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s_TEMPERATURE: %w", prefix, err)
		}
		cfg.Params.Temperature = f
	}
	if v, ok := lookup("MAX_TOKENS"); ok {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s_MAX_TOKENS: %w", prefix, err)
		}
		cfg.Params.MaxTokens = n
	}
	if v, ok := lookup("RPM"); ok {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s_RPM: %w", prefix, err)
		}
		cfg.Limits.RPM = n
	}
	if v, ok := lookup("TPM"); ok {
		n, err := parsePositive(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s_TPM: %w", prefix, err)
		}
		cfg.Limits.TPM = n
	}
	if v, ok := lookup("RATE_MODE"); ok {
		mode, err := parseRateMode(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s_RATE_MODE: %w", prefix, err)
		}
		cfg.Limits.Mode = mode
	}

	if keys := compactKeys(overrides.APIKeys); len(keys) > 0 {
		cfg.Credentials = keys
	}
	if overrides.Model != "" {
		cfg.Params.Model = overrides.Model
	}
	if overrides.BaseURL != "" {
		cfg.Params.BaseURL = overrides.BaseURL
	}
	if overrides.Temperature != nil {
		cfg.Params.Temperature = *overrides.Temperature
	}
	if overrides.MaxTokens > 0 {
		cfg.Params.MaxTokens = overrides.MaxTokens
	}
	if overrides.RPM > 0 {
		cfg.Limits.RPM = overrides.RPM
	}
	if overrides.TPM > 0 {
		cfg.Limits.TPM = overrides.TPM
	}
	if overrides.RateMode != "" {
		mode, err := parseRateMode(overrides.RateMode)
		if err != nil {
			return Config{}, fmt.Errorf("invalid rate mode override: %w", err)
		}
		cfg.Limits.Mode = mode
	}

	return cfg, nil
}

// Clone returns a deep copy
func (c Config) Clone() Config {
	out := c
	out.Credentials = append([]string(nil), c.Credentials...)
	return out
}

// Validate checks that the config can serve calls
func (c Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if len(c.Credentials) == 0 {
		return fmt.Errorf("no credentials configured for %s", c.Provider)
	}
	if c.Params.Model == "" {
		return fmt.Errorf("model is required for %s", c.Provider)
	}
	return nil
}

func splitKeys(raw string) []string {
	return compactKeys(strings.Split(raw, ","))
}

func compactKeys(in []string) []string {
	var out []string
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative: %d", n)
	}
	return n, nil
}

func parseRateMode(v string) (RateMode, error) {
	switch RateMode(strings.ToLower(strings.TrimSpace(v))) {
	case RateModeBlock:
		return RateModeBlock, nil
	case RateModeReject:
		return RateModeReject, nil
	default:
		return "", fmt.Errorf("unknown rate mode %q (want block or reject)", v)
	}
}
