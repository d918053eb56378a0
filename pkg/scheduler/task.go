package scheduler

import (
	"context"
	"sync"
	"time"
)

// Work is the body of a deferred task.
type Work func(ctx context.Context) (any, error)

// State is the lifecycle state of a DeferredTask.
type State int

const (
	StatePending State = iota
	StateRunning
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// SubmitOptions tunes a single submission.
type SubmitOptions struct {
	// Name labels the task in logs and events.
	Name string
	// Parent links the new task as a child; cancelling the parent cancels it.
	Parent *DeferredTask
	// Timeout fails the task with ErrTaskTimeout when exceeded. Zero disables it.
	Timeout time.Duration
}

// DeferredTask is a handle on work scheduled onto a lane.
type DeferredTask struct {
	id   string
	name string
	lane *Lane

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	closing    bool
	parent     *DeferredTask
	children   []*DeferredTask
	value      any
	err        error
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

// ID returns the task identifier.
func (t *DeferredTask) ID() string { return t.id }

// Name returns the label given at submission, or the ID.
func (t *DeferredTask) Name() string {
	if t.name != "" {
		return t.name
	}
	return t.id
}

// Lane returns the name of the lane the task was submitted to.
func (t *DeferredTask) Lane() string { return t.lane.name }

// Parent returns the parent task, if any.
func (t *DeferredTask) Parent() *DeferredTask { return t.parent }

// Children returns a snapshot of the task's children.
func (t *DeferredTask) Children() []*DeferredTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*DeferredTask, len(t.children))
	copy(out, t.children)
	return out
}

// State returns the current lifecycle state.
func (t *DeferredTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task reaches a terminal state.
func (t *DeferredTask) Done() <-chan struct{} { return t.done }

// CreatedAt returns the submission time.
func (t *DeferredTask) CreatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createdAt
}

// StartedAt returns when the task first received the lane baton. Zero if it never ran.
func (t *DeferredTask) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// FinishedAt returns when the task reached a terminal state.
func (t *DeferredTask) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Result returns the outcome of a finished task without blocking.
// It returns ok=false while the task is still pending or running.
func (t *DeferredTask) Result() (value any, err error, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return nil, nil, false
	}
	return t.value, t.err, true
}

// Await blocks until the task finishes and returns its value or error.
// Called from inside a lane task, the wait releases that lane's baton.
func (t *DeferredTask) Await(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	err := Suspend(ctx, func(ctx context.Context) error {
		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return t.value, t.err
	}
	return nil, err
}

// Cancel moves the task and all its non-terminal descendants to CANCELLED
// and cancels their contexts. In-flight work notices at its next suspension
// point. Cancel on a finished task is a no-op.
func (t *DeferredTask) Cancel() {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.closing = true
	children := make([]*DeferredTask, len(t.children))
	copy(children, t.children)
	t.mu.Unlock()

	for _, child := range children {
		child.Cancel()
	}

	t.finish(nil, t.lane.schedErr(KindTaskCancelled, t.id), StateCancelled)
	t.cancel()
}

// addChild links child under t. It returns false when t can no longer
// accept children because it is terminal or being cancelled.
func (t *DeferredTask) addChild(child *DeferredTask) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.state.Terminal() {
		return false
	}
	t.children = append(t.children, child)
	return true
}

// markRunning moves a pending task to RUNNING. It returns false if the
// task was resolved while waiting for the baton.
func (t *DeferredTask) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = StateRunning
	t.startedAt = time.Now()
	return true
}

// finish records the terminal outcome. Only the first call wins.
func (t *DeferredTask) finish(value any, err error, state State) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.value = value
	t.err = err
	t.finishedAt = time.Now()
	started := t.startedAt
	if started.IsZero() {
		started = t.createdAt
	}
	duration := t.finishedAt.Sub(started)
	t.mu.Unlock()

	close(t.done)
	t.lane.taskFinished(t, state, err, duration)
	return true
}

// timeout fails the task after its deadline and cancels its descendants.
func (t *DeferredTask) timeout() {
	for _, child := range t.Children() {
		child.Cancel()
	}
	t.finish(nil, t.lane.schedErr(KindTaskTimeout, t.id), StateFailed)
}
