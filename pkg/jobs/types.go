package jobs

import (
	"context"
	"time"
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents when a job runs
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "every" schedules
	Every time.Duration `json:"every,omitempty"`

	// For "cron" schedules
	Expr string `json:"expr,omitempty"` // 5-field expression or @descriptor
	TZ   string `json:"tz,omitempty"`   // Optional IANA timezone
}

// Func is the work a job performs
type Func func(ctx context.Context) error

// Status values recorded after each run
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         time.Time     `json:"next_run_at,omitempty"`
	LastRunAt         time.Time     `json:"last_run_at,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
	Running           bool          `json:"running"`
}

// Info is a snapshot of one job
type Info struct {
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	State    JobState `json:"state"`
}

// EventAction represents the type of job event
type EventAction string

const (
	EventActionAdded    EventAction = "added"
	EventActionRemoved  EventAction = "removed"
	EventActionStarted  EventAction = "started"
	EventActionFinished EventAction = "finished"
)

// Event is emitted for job lifecycle changes
type Event struct {
	Action EventAction `json:"action"`
	Job    string      `json:"job"`
	Status string      `json:"status,omitempty"`
	Error  string      `json:"error,omitempty"`
}
