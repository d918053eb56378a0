package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/harun/agentrt/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PoolConfig configures a lane pool.
type PoolConfig struct {
	Logger *zerolog.Logger
}

// Pool maps lane names to singleton lanes.
type Pool struct {
	logger zerolog.Logger

	mu     sync.Mutex
	lanes  map[string]*Lane
	closed bool
}

// NewPool creates an empty lane pool.
func NewPool(cfg PoolConfig) *Pool {
	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Pool{
		logger: logger.With().Str("component", "scheduler").Logger(),
		lanes:  make(map[string]*Lane),
	}
}

// SpawnLane returns the live lane registered under name, creating and
// starting it if needed. After the pool shuts down the returned lane is
// already closed and rejects work with ErrLaneUnavailable.
func (p *Pool) SpawnLane(name string) *Lane {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.lanes[name]; ok {
		return l
	}

	l := newLane(name, p.logger, p.forget)
	if p.closed {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.cancel()
		return l
	}

	p.lanes[name] = l
	return l
}

// Lane returns the live lane registered under name.
func (p *Pool) Lane(name string) (*Lane, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[name]
	return l, ok
}

// Names returns the live lane names in sorted order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.lanes))
	for name := range p.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns statistics for all lanes
func (p *Pool) Stats() map[string]LaneStats {
	p.mu.Lock()
	lanes := make([]*Lane, 0, len(p.lanes))
	for _, l := range p.lanes {
		lanes = append(lanes, l)
	}
	p.mu.Unlock()

	stats := make(map[string]LaneStats, len(lanes))
	for _, l := range lanes {
		stats[l.name] = l.Stats()
	}
	return stats
}

// Shutdown shuts every lane down concurrently and prevents new lanes.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	lanes := make([]*Lane, 0, len(p.lanes))
	for _, l := range p.lanes {
		lanes = append(lanes, l)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, l := range lanes {
		g.Go(func() error {
			return l.Shutdown(ctx)
		})
	}
	err := g.Wait()

	p.logger.Info().Int("lanes", len(lanes)).Msg("Scheduler pool stopped")
	return err
}

// forget drops a lane that shut down on its own so the name can be reused.
func (p *Pool) forget(l *Lane) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.lanes[l.name]; ok && cur == l {
		delete(p.lanes, l.name)
	}
}
