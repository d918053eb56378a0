package scheduler

import (
	"context"
	"errors"
	"sync"
)

type batonKey struct{}

// baton tracks whether a task currently holds its lane's execution right.
type baton struct {
	lane *Lane
	task *DeferredTask

	mu   sync.Mutex
	held bool
}

func withBaton(ctx context.Context, b *baton) context.Context {
	return context.WithValue(ctx, batonKey{}, b)
}

func batonFrom(ctx context.Context) *baton {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(batonKey{}).(*baton)
	return b
}

func (b *baton) isHeld() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}

func (b *baton) acquire(ctx context.Context) error {
	if err := b.lane.acquire(ctx); err != nil {
		return err
	}
	b.take()
	return nil
}

func (b *baton) take() {
	b.mu.Lock()
	b.held = true
	b.mu.Unlock()
}

func (b *baton) release() {
	b.mu.Lock()
	if !b.held {
		b.mu.Unlock()
		return
	}
	b.held = false
	b.mu.Unlock()
	b.lane.yield()
}

// Suspend runs fn with the calling task's lane baton released, so other
// tasks on the same lane can run while fn blocks. The baton is re-acquired
// before Suspend returns. Outside a lane task, fn simply runs.
//
// If the task is cancelled while suspended, the baton is not re-acquired and
// Suspend reports a task_cancelled SchedulingError unless fn itself failed.
func Suspend(ctx context.Context, fn func(ctx context.Context) error) error {
	b := batonFrom(ctx)
	if b == nil || !b.isHeld() {
		return fn(ctx)
	}

	b.release()
	err := fn(ctx)

	if aerr := b.acquire(b.task.ctx); aerr != nil {
		if err != nil {
			return err
		}
		if errors.Is(aerr, ErrLaneUnavailable) {
			return aerr
		}
		if errors.Is(b.task.ctx.Err(), context.DeadlineExceeded) {
			return b.lane.schedErr(KindTaskTimeout, b.task.id)
		}
		return b.lane.schedErr(KindTaskCancelled, b.task.id)
	}
	return err
}

// SuspendValue is Suspend for calls that produce a value.
func SuspendValue[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Suspend(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// CurrentTask returns the task whose body is running under ctx, if any.
func CurrentTask(ctx context.Context) *DeferredTask {
	if b := batonFrom(ctx); b != nil {
		return b.task
	}
	return nil
}

// CurrentLane returns the name of the lane ctx runs on, or "".
func CurrentLane(ctx context.Context) string {
	if b := batonFrom(ctx); b != nil {
		return b.lane.name
	}
	return ""
}
