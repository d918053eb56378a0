package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
)

// AgentContext is one independent conversation. It owns a root agent, an
// arena of every agent it created, a versioned log, and its own lane.
type AgentContext struct {
	ID        string
	CreatedAt time.Time
	Log       *Log

	deps *deps
	lane *scheduler.Lane

	mu            sync.Mutex
	state         ContextState
	root          *Agent
	arena         map[string]*Agent
	interventions []string
	paused        bool
	resume        chan struct{}
	busy          bool
	idle          chan struct{}
	lastActive    time.Time
	historyLoaded bool
	dirty         bool
}

// Info is a serializable summary of a context
type Info struct {
	ID         string       `json:"id"`
	Profile    string       `json:"profile"`
	State      ContextState `json:"state"`
	Paused     bool         `json:"paused"`
	Agents     int          `json:"agents"`
	LogVersion int64        `json:"log_version"`
	CreatedAt  time.Time    `json:"created_at"`
	LastActive time.Time    `json:"last_active"`
}

func newAgentContext(id string, profile *Profile, d *deps, lane *scheduler.Lane) *AgentContext {
	now := time.Now()
	c := &AgentContext{
		ID:         id,
		CreatedAt:  now,
		Log:        NewLog(),
		deps:       d,
		lane:       lane,
		state:      ContextIdle,
		arena:      make(map[string]*Agent),
		lastActive: now,
	}
	c.root = &Agent{
		ID:        newID(),
		Profile:   profile,
		CreatedAt: now,
		actx:      c,
		state:     StateIdle,
	}
	c.arena[c.root.ID] = c.root
	return c
}

// Root returns the root agent
func (c *AgentContext) Root() *Agent { return c.root }

// Lane returns the context's scheduler lane
func (c *AgentContext) Lane() *scheduler.Lane { return c.lane }

// State returns the context state
func (c *AgentContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Agent looks up an agent of this context by id
func (c *AgentContext) Agent(id string) (*Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.arena[id]
	return a, ok
}

// Agents returns every agent ever created in the context, oldest first
func (c *AgentContext) Agents() []*Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Agent, 0, len(c.arena))
	for _, a := range c.arena {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].depth != out[j].depth {
			return out[i].depth < out[j].depth
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LiveSubordinates counts non-root agents that are not terminated
func (c *AgentContext) LiveSubordinates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.arena {
		if a != c.root && a.state != StateTerminated {
			n++
		}
	}
	return n
}

// LastActive is when a run last started or ended
func (c *AgentContext) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Info summarizes the context
func (c *AgentContext) Info() Info {
	c.mu.Lock()
	info := Info{
		ID:         c.ID,
		Profile:    c.root.Profile.Name,
		State:      c.state,
		Paused:     c.paused,
		Agents:     len(c.arena),
		CreatedAt:  c.CreatedAt,
		LastActive: c.lastActive,
	}
	c.mu.Unlock()
	info.LogVersion = c.Log.Version()
	return info
}

// Send runs message through the root agent on the context's lane and
// waits for the result. Cancelling ctx cancels the run.
func (c *AgentContext) Send(ctx context.Context, message string) (Output, error) {
	c.touch()
	var out Output
	_, err := c.lane.RunSync(ctx, func(taskCtx context.Context) (any, error) {
		var rerr error
		out, rerr = c.run(taskCtx, message)
		return out, rerr
	})
	if out.Status == "" {
		out = c.root.output(StatusFailed, "", "", 0, err)
	}
	return out, err
}

// Dispatch submits message to the context's lane without waiting. The
// task's value is the run's Output, failed runs included; the task itself
// only fails when the run never started.
func (c *AgentContext) Dispatch(ctx context.Context, message string) *scheduler.DeferredTask {
	c.touch()
	return c.lane.SubmitWithOptions(ctx, func(taskCtx context.Context) (any, error) {
		out, _ := c.run(taskCtx, message)
		return out, nil
	}, scheduler.SubmitOptions{Name: "message"})
}

func (c *AgentContext) run(ctx context.Context, message string) (Output, error) {
	if err := c.acquireRun(ctx); err != nil {
		status := StatusFailed
		if errors.Is(err, ErrTerminated) {
			status = StatusTerminated
		}
		return c.root.output(status, "", "", 0, err), err
	}
	defer c.releaseRun()

	c.Log.Add(LogUser, c.root.ID, "User message", message, nil)
	return c.root.Run(ctx, message)
}

// acquireRun waits, with the lane released, until no other root run is in
// progress.
func (c *AgentContext) acquireRun(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == ContextTerminated {
			c.mu.Unlock()
			return ErrTerminated
		}
		if !c.busy {
			c.busy = true
			c.idle = make(chan struct{})
			c.state = ContextRunning
			c.lastActive = time.Now()
			c.mu.Unlock()
			return nil
		}
		idle := c.idle
		c.mu.Unlock()

		err := scheduler.Suspend(ctx, func(ctx context.Context) error {
			select {
			case <-idle:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return err
		}
	}
}

func (c *AgentContext) releaseRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	close(c.idle)
	c.lastActive = time.Now()
	if c.state != ContextTerminated {
		c.state = ContextIdle
	}
}

// Communicate queues message for the running loop, which injects it at its
// next iteration. It returns false when no run is in progress.
func (c *AgentContext) Communicate(message string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ContextRunning {
		return false
	}
	c.interventions = append(c.interventions, message)
	return true
}

func (c *AgentContext) takeInterventions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.interventions
	c.interventions = nil
	return msgs
}

// Pause holds the loop before its next iteration
func (c *AgentContext) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.state == ContextTerminated {
		return
	}
	c.paused = true
	c.resume = make(chan struct{})
	c.Log.Add(LogInfo, c.root.ID, "Paused", "", nil)
}

// Resume releases a paused loop
func (c *AgentContext) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeLocked()
}

func (c *AgentContext) resumeLocked() {
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resume)
	c.resume = nil
	c.Log.Add(LogInfo, c.root.ID, "Resumed", "", nil)
}

// Paused reports whether the context is paused
func (c *AgentContext) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *AgentContext) waitIfPaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return nil
		}
		resume := c.resume
		c.mu.Unlock()

		err := scheduler.Suspend(ctx, func(ctx context.Context) error {
			select {
			case <-resume:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return err
		}
	}
}

// touch marks the context active so a queued message keeps it from being
// swept before its run starts.
func (c *AgentContext) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Terminate stops every agent of the context, children before parents,
// and cancels runs in flight. The context accepts no further messages.
func (c *AgentContext) Terminate() {
	c.terminateWhen(func() bool { return true })
}

// terminateIdle terminates the context only if, under the lock that starts
// runs, it is idle and was last active before cutoff.
func (c *AgentContext) terminateIdle(cutoff time.Time) bool {
	return c.terminateWhen(func() bool {
		return c.state == ContextIdle && !c.busy && c.lastActive.Before(cutoff)
	})
}

// terminateWhen terminates the context if cond holds; cond runs with c.mu
// held.
func (c *AgentContext) terminateWhen(cond func() bool) bool {
	c.mu.Lock()
	if c.state == ContextTerminated || !cond() {
		c.mu.Unlock()
		return false
	}
	c.state = ContextTerminated
	c.resumeLocked()
	cancels := c.root.terminateLocked(nil)
	c.interventions = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.Log.Add(LogInfo, c.root.ID, "Context terminated", "", nil)
	c.Log.Close()
	return true
}

func (c *AgentContext) loadHistory(ctx context.Context) error {
	c.mu.Lock()
	if c.historyLoaded || c.deps.store == nil {
		c.historyLoaded = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	msgs, err := scheduler.SuspendValue(ctx, func(ctx context.Context) ([]provider.Message, error) {
		return c.deps.store.LoadHistory(ctx, c.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.historyLoaded {
		c.root.history = append(msgs, c.root.history...)
		c.historyLoaded = true
	}
	return nil
}

func (c *AgentContext) saveHistory(ctx context.Context) error {
	if c.deps.store == nil {
		return nil
	}
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	msgs := append([]provider.Message(nil), c.root.history...)
	c.dirty = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.deps.saveTimeout)
	defer cancel()
	err := scheduler.Suspend(ctx, func(ctx context.Context) error {
		return c.deps.store.SaveHistory(ctx, c.ID, msgs)
	})
	if err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return err
	}
	return nil
}

// Flush saves unsaved root history when no run is in progress
func (c *AgentContext) Flush(ctx context.Context) error {
	c.mu.Lock()
	busy := c.busy
	c.mu.Unlock()
	if busy {
		return nil
	}
	return c.saveHistory(ctx)
}

// Dirty reports whether the root history has unsaved changes
func (c *AgentContext) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}
