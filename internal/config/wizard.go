package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/harun/agentrt/pkg/provider"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for a provider key, login credentials and the listen port,
// starting from base (or the defaults when nil).
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	providers := make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[name] = p
	}
	cfg.Providers = providers
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== agentrt configuration ===")
	fmt.Fprintln(w.out)

	providerName := provider.Anthropic
	for {
		answer, err := w.ask(fmt.Sprintf("Model provider (%s)", strings.Join(provider.Providers(), ", ")), providerName)
		if err != nil {
			return nil, err
		}
		name := provider.NormalizeName(answer)
		if _, ok := provider.Defaults(name); !ok {
			fmt.Fprintf(w.out, "Error: unsupported provider %q\n", answer)
			continue
		}
		providerName = name
		break
	}

	for {
		key, err := w.ask(fmt.Sprintf("%s API key (press Enter to use the environment)", providerName), "")
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, providerName); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		p := cfg.Providers[providerName]
		p.APIKeys = []string{key}
		cfg.Providers[providerName] = p
		break
	}

	login, err := w.ask("Web UI login (press Enter for none)", cfg.Auth.Login)
	if err != nil {
		return nil, err
	}
	cfg.Auth.Login = login
	if login != "" {
		for {
			password, err := w.ask("Web UI password", "")
			if err != nil {
				return nil, err
			}
			if password == "" {
				fmt.Fprintln(w.out, "Error: password cannot be empty when a login is set")
				continue
			}
			cfg.Auth.Password = password
			break
		}
	} else {
		cfg.Auth.Password = ""
	}

	for {
		answer, err := w.ask("Listen port", strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(answer)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Server.Port = port
		break
	}

	return cfg, nil
}

// ask prints a prompt and returns the trimmed answer or def when empty
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
