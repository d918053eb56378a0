package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultTimeout = 5 * time.Minute

// Config holds service configuration
type Config struct {
	// Lane runs job bodies when set; otherwise they run on the timer goroutine
	Lane *scheduler.Lane
	// Timeout bounds a single run
	Timeout time.Duration
	OnEvent func(Event)
	Logger  zerolog.Logger
}

type job struct {
	name     string
	schedule Schedule
	fn       Func
	state    JobState
}

// Service runs named jobs on their schedules. A run that is still in
// progress when its next tick fires is skipped, not queued.
type Service struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	timers  map[string]*time.Timer
	started bool
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new job service. Jobs start firing after Start.
func NewService(cfg Config) *Service {
	observability.EnsureRegistered()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "jobs").Logger(),
		jobs:   make(map[string]*job),
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Adding an existing name replaces its schedule and body.
func (s *Service) Add(name string, schedule Schedule, fn Func) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job func is required")
	}
	next, err := schedule.Next(time.Now())
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("service is stopped")
	}
	s.cancelJobLocked(name)
	j := &job{name: name, schedule: schedule, fn: fn}
	if prev, ok := s.jobs[name]; ok {
		j.state = prev.state
	}
	j.state.NextRunAt = next
	s.jobs[name] = j
	if s.started {
		s.scheduleJobLocked(j)
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("job", name).
		Str("schedule", schedule.String()).
		Time("next_run", next).
		Msg("Job added")
	s.emit(Event{Action: EventActionAdded, Job: name})
	return nil
}

// Remove unschedules a job. A run in progress finishes.
func (s *Service) Remove(name string) error {
	s.mu.Lock()
	if _, ok := s.jobs[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", name)
	}
	s.cancelJobLocked(name)
	delete(s.jobs, name)
	s.mu.Unlock()

	s.logger.Info().Str("job", name).Msg("Job removed")
	s.emit(Event{Action: EventActionRemoved, Job: name})
	return nil
}

// RunNow executes a job immediately and waits for it. Its timer is not
// disturbed.
func (s *Service) RunNow(ctx context.Context, name string) (JobState, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobState{}, fmt.Errorf("job not found: %s", name)
	}
	s.execute(ctx, j)
	return s.State(name)
}

// State returns a job's state
func (s *Service) State(name string) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return JobState{}, fmt.Errorf("job not found: %s", name)
	}
	return j.state, nil
}

// List returns every job sorted by name
func (s *Service) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Info{Name: j.name, Schedule: j.schedule, State: j.state})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start arms the timers of every registered job
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("service is stopped")
	}
	if s.started {
		return nil
	}
	s.started = true
	for _, j := range s.jobs {
		s.scheduleJobLocked(j)
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Job service started")
	return nil
}

// Stop cancels all timers and waits for running jobs until ctx is done
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for name := range s.timers {
		s.cancelJobLocked(name)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	s.logger.Info().Msg("Job service stopped")
	return err
}

// scheduleJobLocked arms the job's timer (must hold lock)
func (s *Service) scheduleJobLocked(j *job) {
	delay := time.Until(j.state.NextRunAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[j.name] = time.AfterFunc(delay, func() {
		s.fire(j)
	})
	s.logger.Debug().
		Str("job", j.name).
		Dur("delay", delay).
		Msg("Job scheduled")
}

// cancelJobLocked stops the job's timer (must hold lock)
func (s *Service) cancelJobLocked(name string) {
	if timer, ok := s.timers[name]; ok {
		timer.Stop()
		delete(s.timers, name)
	}
}

func (s *Service) fire(j *job) {
	s.mu.Lock()
	if s.stopped || s.jobs[j.name] != j {
		s.mu.Unlock()
		return
	}
	next, err := j.schedule.Next(time.Now())
	if err == nil {
		j.state.NextRunAt = next
		s.scheduleJobLocked(j)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.execute(s.ctx, j)
}

func (s *Service) execute(ctx context.Context, j *job) {
	s.mu.Lock()
	if j.state.Running {
		j.state.LastStatus = StatusSkipped
		s.mu.Unlock()
		observability.RecordJobRun(j.name, 0, StatusSkipped)
		s.logger.Debug().Str("job", j.name).Msg("Job still running, skipping tick")
		return
	}
	j.state.Running = true
	s.mu.Unlock()

	s.emit(Event{Action: EventActionStarted, Job: j.name})

	start := time.Now()
	err := s.run(ctx, j)
	duration := time.Since(start)

	status := StatusOK
	s.mu.Lock()
	j.state.Running = false
	j.state.Runs++
	j.state.LastRunAt = start
	j.state.LastDuration = duration
	if err != nil {
		status = StatusError
		j.state.LastError = err.Error()
		j.state.ConsecutiveErrors++
	} else {
		j.state.LastError = ""
		j.state.ConsecutiveErrors = 0
	}
	j.state.LastStatus = status
	s.mu.Unlock()

	observability.RecordJobRun(j.name, duration, status)
	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("job", j.name).Dur("duration", duration).Str("status", status).Msg("Job finished")

	e := Event{Action: EventActionFinished, Job: j.name, Status: status}
	if err != nil {
		e.Error = err.Error()
	}
	s.emit(e)
}

func (s *Service) run(ctx context.Context, j *job) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "agentrt.jobs", "jobs.run",
		attribute.String("job.name", j.name),
	)
	defer span.End()

	var err error
	if s.cfg.Lane != nil {
		_, err = s.cfg.Lane.SubmitWithOptions(ctx, func(ctx context.Context) (any, error) {
			return nil, j.fn(ctx)
		}, scheduler.SubmitOptions{Name: "job:" + j.name}).Await(ctx)
	} else {
		err = j.fn(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) emit(e Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(e)
	}
}
