package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/harun/agentrt/pkg/prompts"
	"github.com/harun/agentrt/pkg/tools"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultProfileName is always available
	DefaultProfileName = "default"

	profileFile          = "agent.yaml"
	defaultMaxIterations = 25
)

// Profile selects the model, tools and prompts an agent runs with
type Profile struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Provider    string        `yaml:"provider" json:"provider"`
	Model       string        `yaml:"model" json:"model,omitempty"`
	Temperature *float64      `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Thinking    bool          `yaml:"thinking" json:"thinking,omitempty"`
	Role        string        `yaml:"role" json:"role,omitempty"`
	Tools       *tools.Policy `yaml:"tools" json:"tools,omitempty"`
	CanDelegate *bool         `yaml:"can_delegate" json:"can_delegate,omitempty"`
	// MaxIterations bounds one Run; zero uses the registry default
	MaxIterations int `yaml:"max_iterations" json:"max_iterations,omitempty"`

	// Dir is the profile directory, empty for built-in profiles
	Dir string `yaml:"-" json:"-"`
}

// Delegates reports whether the profile may call subordinates
func (p *Profile) Delegates() bool {
	return p.CanDelegate == nil || *p.CanDelegate
}

// PromptsDir is the profile's prompt override directory
func (p *Profile) PromptsDir() string {
	return prompts.ProfilePromptsDir(p.Dir)
}

// DefaultProfile is used when no profile directory defines "default"
func DefaultProfile() *Profile {
	return &Profile{
		Name:        DefaultProfileName,
		Description: "General purpose agent",
		Provider:    "anthropic",
		Tools:       tools.AllowAll(),
	}
}

// Profiles is a set of named profiles
type Profiles struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewProfiles creates a set holding the given profiles and the built-in default
func NewProfiles(list ...*Profile) *Profiles {
	ps := &Profiles{profiles: map[string]*Profile{DefaultProfileName: DefaultProfile()}}
	for _, p := range list {
		ps.profiles[p.Name] = p
	}
	return ps
}

// LoadProfiles reads <dir>/<name>/agent.yaml for every subdirectory of dir.
// A missing dir yields only the built-in default.
func LoadProfiles(dir string) (*Profiles, error) {
	ps := NewProfiles()
	if dir == "" {
		return ps, nil
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return ps, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		profileDir := filepath.Join(dir, entry.Name())
		p, err := loadProfile(profileDir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ps.profiles[p.Name] = p
	}
	return ps, nil
}

func loadProfile(profileDir string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Join(profileDir, profileFile))
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", profileDir, err)
	}
	if p.Name == "" {
		p.Name = filepath.Base(profileDir)
	}
	if p.Provider == "" {
		p.Provider = DefaultProfile().Provider
	}
	if p.Tools == nil {
		p.Tools = tools.AllowAll()
	}
	if p.MaxIterations < 0 {
		return nil, fmt.Errorf("profile %s: max_iterations cannot be negative", p.Name)
	}
	p.Dir = profileDir
	return &p, nil
}

// Get returns the named profile; "" means default
func (ps *Profiles) Get(name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfileName
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return p, nil
}

// Put adds or replaces a profile
func (ps *Profiles) Put(p *Profile) {
	ps.mu.Lock()
	ps.profiles[p.Name] = p
	ps.mu.Unlock()
}

// Names returns all profile names, sorted
func (ps *Profiles) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	names := make([]string, 0, len(ps.profiles))
	for name := range ps.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
