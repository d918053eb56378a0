package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// EventHandler is a function that handles lane events
type EventHandler func(event Event)

// Event represents a lane event
type Event struct {
	Type   string         // "submitted", "started", "completed", "failed" or "cancelled"
	Lane   string         // Lane name
	TaskID string         // Task ID
	Data   map[string]any // Additional event data
}

// LaneStats is a point-in-time view of a lane.
type LaneStats struct {
	Queued int `json:"queued"`
	Tasks  int `json:"tasks"`
}

// waiter is one entry in the ready queue. granted and abandoned are guarded
// by the lane mutex so a waiter cancelled during hand-off is never lost.
type waiter struct {
	ch        chan struct{}
	granted   bool
	abandoned bool
}

// Lane is a single cooperative scheduler. One worker goroutine hands the
// execution baton to ready tasks in FIFO order; a task keeps it until it
// finishes or suspends.
type Lane struct {
	name   string
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	yielded chan struct{}
	stopped chan struct{}
	onClose func(*Lane)

	mu     sync.Mutex
	ready  []*waiter
	tasks  map[string]*DeferredTask
	closed bool
	wg     sync.WaitGroup

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

func newLane(name string, logger zerolog.Logger, onClose func(*Lane)) *Lane {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lane{
		name:          name,
		logger:        logger.With().Str("lane", name).Logger(),
		ctx:           ctx,
		cancel:        cancel,
		wake:          make(chan struct{}, 1),
		yielded:       make(chan struct{}),
		stopped:       make(chan struct{}),
		onClose:       onClose,
		tasks:         make(map[string]*DeferredTask),
		eventHandlers: make(map[string][]EventHandler),
	}
	go l.run()
	l.logger.Debug().Msg("Lane started")
	return l
}

// Name returns the lane name.
func (l *Lane) Name() string { return l.name }

// Closed reports whether the lane has been shut down.
func (l *Lane) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Stats returns the number of tasks waiting for the baton and the number of live tasks.
func (l *Lane) Stats() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	queued := 0
	for _, w := range l.ready {
		if !w.abandoned {
			queued++
		}
	}
	return LaneStats{Queued: queued, Tasks: len(l.tasks)}
}

// run is the lane worker. It grants the baton to the head of the ready
// queue and waits for it to come back before granting the next one.
func (l *Lane) run() {
	defer close(l.stopped)
	for {
		w := l.next()
		if w == nil {
			select {
			case <-l.wake:
				continue
			case <-l.ctx.Done():
				return
			}
		}

		close(w.ch)

		select {
		case <-l.yielded:
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Lane) next() *waiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.ready) > 0 {
		w := l.ready[0]
		l.ready[0] = nil
		l.ready = l.ready[1:]
		if w.abandoned {
			continue
		}
		w.granted = true
		observability.SetLaneQueueSize(l.name, len(l.ready))
		return w
	}
	return nil
}

// acquire queues the caller and blocks until the worker grants it the baton.
func (l *Lane) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return l.schedErr(KindLaneUnavailable, "")
	}
	w := l.enqueueLocked()
	l.mu.Unlock()

	l.signal()
	return l.awaitGrant(ctx, w)
}

// enqueueLocked appends a waiter to the ready queue. l.mu must be held.
func (l *Lane) enqueueLocked() *waiter {
	w := &waiter{ch: make(chan struct{})}
	l.ready = append(l.ready, w)
	observability.SetLaneQueueSize(l.name, len(l.ready))
	return w
}

func (l *Lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Lane) awaitGrant(ctx context.Context, w *waiter) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			l.mu.Unlock()
			l.yield()
			return ctx.Err()
		}
		w.abandoned = true
		l.mu.Unlock()
		return ctx.Err()
	case <-l.stopped:
		return l.schedErr(KindLaneUnavailable, "")
	}
}

// yield hands the baton back to the worker.
func (l *Lane) yield() {
	select {
	case l.yielded <- struct{}{}:
	case <-l.stopped:
	}
}

// Submit schedules work on the lane. With a non-nil parent the task becomes
// its child; if the parent is already terminal the task is cancelled at once.
func (l *Lane) Submit(ctx context.Context, work Work, parent *DeferredTask) *DeferredTask {
	return l.SubmitWithOptions(ctx, work, SubmitOptions{Parent: parent})
}

// SubmitWithOptions is Submit with a name and timeout.
//
// The task context carries the tracing values of ctx but not its
// cancellation; use RunSync to tie a task to a caller.
func (l *Lane) SubmitWithOptions(ctx context.Context, work Work, opts SubmitOptions) *DeferredTask {
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := gonanoid.New(12)
	if err != nil {
		id = time.Now().Format("150405.000000000")
	}

	tc := tracing.FromContext(ctx)
	tc.TaskID = id
	base := tracing.NewContext(l.ctx, tc)

	var taskCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(base, opts.Timeout)
	} else {
		taskCtx, cancel = context.WithCancel(base)
	}

	t := &DeferredTask{
		id:        id,
		name:      opts.Name,
		lane:      l,
		ctx:       taskCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StatePending,
		parent:    opts.Parent,
		createdAt: time.Now(),
	}

	if opts.Parent != nil && !opts.Parent.addChild(t) {
		t.finish(nil, l.schedErr(KindTaskCancelled, id), StateCancelled)
		cancel()
		return t
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		t.finish(nil, l.schedErr(KindLaneUnavailable, id), StateCancelled)
		cancel()
		return t
	}
	l.tasks[id] = t
	w := l.enqueueLocked()
	l.wg.Add(1)
	l.mu.Unlock()

	l.emit(Event{
		Type:   "submitted",
		Lane:   l.name,
		TaskID: id,
		Data:   map[string]any{"name": t.Name()},
	})

	if opts.Timeout > 0 {
		context.AfterFunc(taskCtx, func() {
			if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
				t.timeout()
			}
		})
	}

	l.signal()
	go l.execute(t, work, w)
	return t
}

// RunSync runs fn inside the lane and blocks for its result. Cancelling ctx
// cancels the task. Called from a task on this same lane, the wait yields.
func (l *Lane) RunSync(ctx context.Context, fn Work) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := l.SubmitWithOptions(ctx, fn, SubmitOptions{Parent: CurrentTask(ctx)})

	value, err := t.Await(ctx)
	if ctx.Err() != nil {
		t.Cancel()
		if v, rerr, ok := t.Result(); ok {
			return v, rerr
		}
	}
	return value, err
}

func (l *Lane) execute(t *DeferredTask, work Work, w *waiter) {
	defer l.wg.Done()
	defer t.cancel()

	b := &baton{lane: l, task: t}
	if err := l.awaitGrant(t.ctx, w); err != nil {
		switch {
		case errors.Is(err, ErrLaneUnavailable):
			t.finish(nil, l.schedErr(KindLaneUnavailable, t.id), StateCancelled)
		case errors.Is(t.ctx.Err(), context.DeadlineExceeded):
			t.timeout()
		default:
			t.finish(nil, l.schedErr(KindTaskCancelled, t.id), StateCancelled)
		}
		return
	}
	b.take()
	defer b.release()

	if !t.markRunning() {
		return
	}

	ctx, span := tracing.StartSpan(
		withBaton(t.ctx, b),
		"agentrt.scheduler",
		"scheduler.run_task",
		attribute.String("lane", l.name),
		attribute.String("task_id", t.id),
		attribute.String("task_name", t.Name()),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().Str("task", t.Name()).Msg("Task started")

	l.emit(Event{Type: "started", Lane: l.name, TaskID: t.id})

	value, err := invoke(ctx, work)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
			t.timeout()
			return
		}
		t.finish(nil, err, StateFailed)
		return
	}
	t.finish(value, nil, StateDone)
}

func invoke(ctx context.Context, work Work) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r}
		}
	}()
	return work(ctx)
}

// taskFinished is called exactly once per task after its terminal transition.
func (l *Lane) taskFinished(t *DeferredTask, state State, err error, duration time.Duration) {
	l.mu.Lock()
	delete(l.tasks, t.id)
	l.mu.Unlock()

	observability.RecordTaskFinished(l.name, state.String(), duration)

	logger := tracing.LoggerFromContext(t.ctx, l.logger)
	eventType := "completed"
	switch state {
	case StateFailed:
		eventType = "failed"
		logger.Error().Err(err).Str("task", t.Name()).Dur("duration", duration).Msg("Task failed")
	case StateCancelled:
		eventType = "cancelled"
		logger.Debug().Str("task", t.Name()).Msg("Task cancelled")
	default:
		logger.Debug().Str("task", t.Name()).Dur("duration", duration).Msg("Task completed")
	}

	data := map[string]any{"duration": duration.Milliseconds()}
	if err != nil {
		data["error"] = err.Error()
	}
	l.emit(Event{Type: eventType, Lane: l.name, TaskID: t.id, Data: data})
}

// Shutdown cancels every outstanding task, stops the worker and waits for
// task goroutines to return, bounded by ctx. The lane rejects new work
// afterwards.
func (l *Lane) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	first := !l.closed
	l.closed = true
	tasks := make([]*DeferredTask, 0, len(l.tasks))
	for _, t := range l.tasks {
		tasks = append(tasks, t)
	}
	l.mu.Unlock()

	if first {
		for _, t := range tasks {
			t.Cancel()
		}
		l.cancel()
		<-l.stopped
		observability.SetLaneQueueSize(l.name, 0)
		if l.onClose != nil {
			l.onClose(l)
		}
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Debug().Int("cancelled", len(tasks)).Msg("Lane stopped")
		return nil
	case <-ctx.Done():
		l.logger.Warn().Msg("Timeout waiting for lane tasks to return")
		return ctx.Err()
	}
}

func (l *Lane) schedErr(kind ErrorKind, taskID string) error {
	return &SchedulingError{Kind: kind, Lane: l.name, TaskID: taskID}
}

// On registers an event handler for a specific event type
func (l *Lane) On(eventType string, handler EventHandler) {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()

	l.eventHandlers[eventType] = append(l.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (l *Lane) Off(eventType string) {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()

	delete(l.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (l *Lane) emit(event Event) {
	l.eventMu.RLock()
	handlers := l.eventHandlers[event.Type]
	l.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
