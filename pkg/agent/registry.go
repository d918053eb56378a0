package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/history"
	"github.com/harun/agentrt/pkg/prompts"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	defaultMaxDepth    = 5
	defaultSaveTimeout = 10 * time.Second

	lanePrefix = "context-"
)

// Config holds registry configuration
type Config struct {
	Pool     *scheduler.Pool
	Caller   Caller
	Toolbox  Toolbox
	Prompts  *prompts.Library
	History  history.Store
	Profiles *Profiles
	// Resolve defaults to the process environment with no overrides
	Resolve ConfigResolver

	MaxDepth      int
	MaxIterations int
	Logger        zerolog.Logger
}

// deps is what every context of a registry shares
type deps struct {
	caller        Caller
	toolbox       Toolbox
	prompts       *prompts.Library
	store         history.Store
	profiles      *Profiles
	resolve       ConfigResolver
	maxDepth      int
	maxIterations int
	saveTimeout   time.Duration
	logger        zerolog.Logger
}

// Registry owns the live agent contexts. Each context runs on its own lane
// named context-<id>.
type Registry struct {
	pool   *scheduler.Pool
	deps   *deps
	logger zerolog.Logger

	mu       sync.RWMutex
	contexts map[string]*AgentContext
}

// NewRegistry creates a new context registry
func NewRegistry(cfg Config) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.Pool == nil {
		return nil, fmt.Errorf("scheduler pool is required")
	}
	if cfg.Caller == nil {
		return nil, fmt.Errorf("model caller is required")
	}
	if cfg.Toolbox == nil {
		return nil, fmt.Errorf("toolbox is required")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.NewLibrary()
	}
	if cfg.Profiles == nil {
		cfg.Profiles = NewProfiles()
	}
	if cfg.Resolve == nil {
		cfg.Resolve = EnvResolver(provider.OSEnv(), nil)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}

	return &Registry{
		pool: cfg.Pool,
		deps: &deps{
			caller:        cfg.Caller,
			toolbox:       cfg.Toolbox,
			prompts:       cfg.Prompts,
			store:         cfg.History,
			profiles:      cfg.Profiles,
			resolve:       cfg.Resolve,
			maxDepth:      cfg.MaxDepth,
			maxIterations: cfg.MaxIterations,
			saveTimeout:   defaultSaveTimeout,
			logger:        cfg.Logger,
		},
		logger:   cfg.Logger,
		contexts: make(map[string]*AgentContext),
	}, nil
}

// Profiles returns the registry's profile set
func (r *Registry) Profiles() *Profiles {
	return r.deps.profiles
}

// Create allocates a new context whose root agent runs profileName
func (r *Registry) Create(ctx context.Context, profileName string) (*AgentContext, error) {
	return r.CreateWithID(ctx, newID(), profileName)
}

// CreateWithID is Create with a caller-chosen id, used to restore a context
// whose history is already stored.
func (r *Registry) CreateWithID(ctx context.Context, id, profileName string) (*AgentContext, error) {
	if id == "" {
		return nil, fmt.Errorf("context id cannot be empty")
	}
	profile, err := r.deps.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.contexts[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrContextExists, id)
	}
	lane := r.pool.SpawnLane(lanePrefix + id)
	c := newAgentContext(id, profile, r.deps, lane)
	r.contexts[id] = c
	count := len(r.contexts)
	r.mu.Unlock()

	observability.SetActiveContexts(count)
	observability.RecordContextAudit(ctx, "create", actor(ctx), map[string]interface{}{
		"context_id": id,
		"profile":    profile.Name,
	})
	log := tracing.LoggerFromContext(ctx, r.logger)
	log.Info().
		Str("context_id", id).
		Str("profile", profile.Name).
		Msg("Agent context created")
	return c, nil
}

// GetOrCreate returns the context with id, creating it when absent
func (r *Registry) GetOrCreate(ctx context.Context, id, profileName string) (*AgentContext, error) {
	if c, err := r.Get(id); err == nil {
		return c, nil
	}
	c, err := r.CreateWithID(ctx, id, profileName)
	if errors.Is(err, ErrContextExists) {
		return r.Get(id)
	}
	return c, err
}

// Get returns the context with id
func (r *Registry) Get(id string) (*AgentContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	return c, nil
}

// List returns all contexts, oldest first
func (r *Registry) List() []*AgentContext {
	r.mu.RLock()
	out := make([]*AgentContext, 0, len(r.contexts))
	for _, c := range r.contexts {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live contexts
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Remove terminates the context, saves its history and shuts down its lane.
// Stored history is kept.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.contexts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	delete(r.contexts, id)
	count := len(r.contexts)
	r.mu.Unlock()

	c.Terminate()

	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("context_id", id).Logger()
	if err := c.lane.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Context lane did not shut down cleanly")
	}
	if err := c.saveHistory(tracing.Detach(ctx)); err != nil {
		logger.Error().Err(err).Msg("Failed to save history on remove")
	}

	observability.SetActiveContexts(count)
	observability.RecordContextAudit(ctx, "remove", actor(ctx), map[string]interface{}{"context_id": id})
	logger.Info().Msg("Agent context removed")
	return nil
}

// Delete removes the context and its stored history
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.Remove(ctx, id); err != nil && !errors.Is(err, ErrContextNotFound) {
		return err
	}
	if r.deps.store == nil {
		return nil
	}
	return scheduler.Suspend(ctx, func(ctx context.Context) error {
		return r.deps.store.DeleteHistory(ctx, id)
	})
}

// SweepIdle removes contexts that have been idle longer than ttl and
// returns their ids.
func (r *Registry) SweepIdle(ctx context.Context, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-ttl)

	var stale []string
	for _, c := range r.List() {
		// A run that starts after List must win over the sweep.
		if !c.terminateIdle(cutoff) {
			continue
		}
		if err := r.Remove(ctx, c.ID); err != nil {
			r.logger.Warn().Err(err).Str("context_id", c.ID).Msg("Failed to remove idle context")
			continue
		}
		stale = append(stale, c.ID)
	}
	return stale
}

// FlushAll saves unsaved history of every idle context and returns how
// many were written.
func (r *Registry) FlushAll(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, c := range r.List() {
		if !c.Dirty() {
			continue
		}
		if err := c.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("context %s: %w", c.ID, err))
			continue
		}
		if !c.Dirty() {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Shutdown removes every context
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range r.List() {
		if err := r.Remove(ctx, c.ID); err != nil && !errors.Is(err, ErrContextNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func actor(ctx context.Context) string {
	if ref := tracing.GetSessionRef(ctx); ref != "" {
		return "session:" + ref
	}
	return "system"
}

func newID() string {
	id, err := gonanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 12)
	if err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return id
}
