package scheduler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies scheduling failures.
type ErrorKind string

const (
	KindLaneUnavailable ErrorKind = "lane_unavailable"
	KindTaskCancelled   ErrorKind = "task_cancelled"
	KindTaskTimeout     ErrorKind = "task_timeout"
)

var (
	// ErrLaneUnavailable is returned when work is submitted to a lane that has shut down.
	ErrLaneUnavailable = errors.New("lane unavailable")
	// ErrTaskCancelled is delivered to waiters of a cancelled task.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrTaskTimeout is delivered to waiters of a task that exceeded its timeout.
	ErrTaskTimeout = errors.New("task timed out")
)

// SchedulingError describes why a task did not produce a result.
type SchedulingError struct {
	Kind   ErrorKind
	Lane   string
	TaskID string
}

func (e *SchedulingError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("scheduler: %s on lane %q", e.Kind, e.Lane)
	}
	return fmt.Sprintf("scheduler: %s (lane %q, task %s)", e.Kind, e.Lane, e.TaskID)
}

// Unwrap maps the kind onto its sentinel so errors.Is works.
func (e *SchedulingError) Unwrap() error {
	switch e.Kind {
	case KindLaneUnavailable:
		return ErrLaneUnavailable
	case KindTaskCancelled:
		return ErrTaskCancelled
	case KindTaskTimeout:
		return ErrTaskTimeout
	}
	return nil
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
