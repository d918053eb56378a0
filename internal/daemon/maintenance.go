package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentrt/internal/config"
	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/pkg/jobs"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
)

// JobLaneStats publishes lane queue depths
const JobLaneStats = "lane-stats"

const laneStatsInterval = 30 * time.Second

// registerJobs adds or replaces the periodic maintenance jobs. A job with
// an empty schedule is removed.
func (d *Daemon) registerJobs(cfg config.JobsConfig, agents config.AgentsConfig) error {
	log := d.logger.Component("jobs")

	specs := []struct {
		name string
		spec string
		fn   jobs.Func
	}{
		{jobs.JobHistoryFlush, cfg.HistoryFlush, jobs.HistoryFlush(d.registry, log)},
		{jobs.JobContextSweep, cfg.ContextSweep, jobs.ContextSweep(d.registry, agents.IdleTTLDuration(), log)},
		{jobs.JobSessionSweep, cfg.SessionSweep, jobs.SessionSweep(d.auth, log)},
	}
	for _, s := range specs {
		if strings.TrimSpace(s.spec) == "" {
			if err := d.jobs.Remove(s.name); err == nil {
				log.Info().Str("job", s.name).Msg("Job disabled")
			}
			continue
		}
		sched, err := jobs.ParseSchedule(s.spec)
		if err != nil {
			return fmt.Errorf("job %s: %w", s.name, err)
		}
		if err := d.jobs.Add(s.name, sched, s.fn); err != nil {
			return err
		}
	}

	return d.jobs.Add(JobLaneStats, jobs.Every(laneStatsInterval), laneStats(d.pool, log))
}

// laneStats records the queue depth of every lane and logs busy ones
func laneStats(pool *scheduler.Pool, logger zerolog.Logger) jobs.Func {
	return func(context.Context) error {
		for name, st := range pool.Stats() {
			observability.SetLaneQueueSize(name, st.Queued)
			if st.Queued > 0 || st.Tasks > 0 {
				logger.Debug().
					Str("lane", name).
					Int("queued", st.Queued).
					Int("tasks", st.Tasks).
					Msg("Lane stats")
			}
		}
		return nil
	}
}

// onJobEvent logs job outcomes
func (d *Daemon) onJobEvent(e jobs.Event) {
	if e.Action != jobs.EventActionFinished || e.Status != jobs.StatusError {
		return
	}
	clog := d.logger.Component("jobs")
	clog.Warn().
		Str("job", e.Job).
		Str("error", e.Error).
		Msg("Periodic job failed")
}
