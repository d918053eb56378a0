package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Init stage names, in run order
const (
	StagePersistence     = "persistence"
	StageAuxiliaryServer = "auxiliary-server"
	StagePeriodicJobs    = "periodic-jobs"
	StageModelWarmup     = "model-warmup"
)

// initLane runs the boot stages
const initLane = "init"

// Stage is one step of runtime initialization
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// StageRecord is the outcome of one stage
type StageRecord struct {
	Name       string        `json:"name"`
	State      string        `json:"state"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Bootstrap runs init stages one after another on a single lane. All
// stages are submitted at once; each awaits its predecessor before doing
// any work, so a stage never starts before the previous one finished. A
// failed stage is recorded and the chain moves on.
type Bootstrap struct {
	lane   *scheduler.Lane
	stages []Stage
	logger zerolog.Logger

	mu      sync.RWMutex
	tasks   []*scheduler.DeferredTask
	records []StageRecord
	done    chan struct{}
}

// NewBootstrap creates a chain for stages on the pool's init lane
func NewBootstrap(pool *scheduler.Pool, stages []Stage, logger zerolog.Logger) *Bootstrap {
	records := make([]StageRecord, len(stages))
	for i, s := range stages {
		records[i] = StageRecord{Name: s.Name, State: scheduler.StatePending.String()}
	}
	return &Bootstrap{
		lane:    pool.SpawnLane(initLane),
		stages:  stages,
		logger:  logger.With().Str("component", "bootstrap").Logger(),
		records: records,
		done:    make(chan struct{}),
	}
}

// Start submits every stage. It returns immediately.
func (b *Bootstrap) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tasks != nil {
		return
	}

	var prev *scheduler.DeferredTask
	b.tasks = make([]*scheduler.DeferredTask, len(b.stages))
	for i, stage := range b.stages {
		i, stage, after := i, stage, prev
		task := b.lane.SubmitWithOptions(ctx, func(ctx context.Context) (any, error) {
			if after != nil {
				// Predecessor failures are already recorded
				_, _ = after.Await(ctx)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, b.runStage(ctx, i, stage)
		}, scheduler.SubmitOptions{Name: "init:" + stage.Name})
		b.tasks[i] = task
		prev = task
	}

	last := prev
	go func() {
		if last != nil {
			<-last.Done()
		}
		b.finalize()
		close(b.done)
	}()
}

func (b *Bootstrap) runStage(ctx context.Context, i int, stage Stage) error {
	ctx, span := tracing.StartSpan(ctx, "agentrt.daemon", "daemon.init_stage",
		attribute.String("stage", stage.Name),
	)
	defer span.End()

	started := time.Now()
	b.setRecord(i, func(r *StageRecord) {
		r.State = scheduler.StateRunning.String()
		r.StartedAt = started
	})

	err := stage.Run(ctx)
	duration := time.Since(started)
	observability.SetInitStageDuration(stage.Name, duration)

	b.setRecord(i, func(r *StageRecord) {
		r.FinishedAt = time.Now()
		r.Duration = duration
		r.State = scheduler.StateDone.String()
		if err != nil {
			r.State = scheduler.StateFailed.String()
			r.Error = err.Error()
		}
	})

	if err != nil {
		span.RecordError(err)
		b.logger.Error().Err(err).Str("stage", stage.Name).Dur("duration", duration).Msg("Init stage failed")
		return err
	}
	b.logger.Info().Str("stage", stage.Name).Dur("duration", duration).Msg("Init stage completed")
	return nil
}

// finalize marks stages that never ran, e.g. after cancellation
func (b *Bootstrap) finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.tasks {
		r := &b.records[i]
		if r.State != scheduler.StatePending.String() && r.State != scheduler.StateRunning.String() {
			continue
		}
		r.State = t.State().String()
		if _, err, ok := t.Result(); ok && err != nil {
			r.Error = err.Error()
		}
	}
}

func (b *Bootstrap) setRecord(i int, fn func(*StageRecord)) {
	b.mu.Lock()
	fn(&b.records[i])
	b.mu.Unlock()
}

// Done reports whether every stage has finished
func (b *Bootstrap) Done() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Wait blocks until every stage has finished and returns their joined errors
func (b *Bootstrap) Wait(ctx context.Context) error {
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, r := range b.Records() {
		if r.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", r.Name, r.Error))
		}
	}
	return errors.Join(errs...)
}

// Cancel aborts stages that have not finished
func (b *Bootstrap) Cancel() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.tasks {
		t.Cancel()
	}
}

// Records returns a snapshot of stage outcomes in run order
func (b *Bootstrap) Records() []StageRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]StageRecord, len(b.records))
	copy(out, b.records)
	return out
}
