package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/agentrt/pkg/dispatcher"
	"github.com/harun/agentrt/pkg/history"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
)

// warmer is implemented by callers that can prepare provider clients
type warmer interface {
	Warm(cfg provider.Config) error
}

// stages returns the boot chain in run order
func (d *Daemon) stages() []Stage {
	return []Stage{
		{Name: StagePersistence, Run: d.initPersistence},
		{Name: StageAuxiliaryServer, Run: d.initAuxiliaryServers},
		{Name: StagePeriodicJobs, Run: d.initPeriodicJobs},
		{Name: StageModelWarmup, Run: d.warmModels},
	}
}

// initPersistence opens the history store and hands it to the contexts
// waiting on it
func (d *Daemon) initPersistence(ctx context.Context) error {
	if d.deferred == nil {
		clog := d.logger.Component("daemon")
		clog.Info().Msg("History persistence disabled")
		return nil
	}

	cfg := d.historyConfig()
	store, err := scheduler.SuspendValue(ctx, func(context.Context) (history.Store, error) {
		return history.Open(cfg)
	})
	if err != nil {
		store = nil
		err = fmt.Errorf("open %s history store: %w", cfg.Driver, err)
	}
	d.deferred.Resolve(store, err)

	// Shutdown may have resolved the store first
	if store != nil {
		if current, _ := d.deferred.TryStore(); current != store {
			_ = store.Close()
			return errShuttingDown
		}
	}
	return err
}

// initAuxiliaryServers builds the async protocol handlers ahead of their
// first request
func (d *Daemon) initAuxiliaryServers(ctx context.Context) error {
	var errs []error
	for _, route := range d.dispatcher.Routes() {
		if route.Kind != dispatcher.KindAsync {
			continue
		}
		prefix := route.Prefix
		err := scheduler.Suspend(ctx, func(ctx context.Context) error {
			return d.dispatcher.Warm(ctx, prefix)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}
	return errors.Join(errs...)
}

// initPeriodicJobs schedules the maintenance jobs
func (d *Daemon) initPeriodicJobs(context.Context) error {
	d.mu.RLock()
	jobsCfg, agentsCfg := d.config.Jobs, d.config.Agents
	d.mu.RUnlock()

	if err := d.registerJobs(jobsCfg, agentsCfg); err != nil {
		return err
	}
	return d.jobs.Start()
}

// warmModels resolves every profile and prepares its provider client.
// Profiles without credentials are skipped; they fail on first use.
func (d *Daemon) warmModels(ctx context.Context) error {
	w, ok := d.caller.(warmer)
	if !ok {
		return nil
	}

	log := d.logger.Component("daemon")
	warmed := make(map[string]bool)
	for _, name := range d.profiles.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := d.profiles.Get(name)
		if err != nil {
			continue
		}
		cfg, err := d.resolveConfig(p)
		if err != nil {
			log.Debug().Err(err).Str("profile", name).Msg("Skipping model warmup")
			continue
		}
		key := cfg.Provider + "/" + cfg.Params.Model
		if warmed[key] {
			continue
		}
		warmed[key] = true

		if err := w.Warm(cfg); err != nil {
			log.Warn().Err(err).Str("profile", name).Str("provider", cfg.Provider).Msg("Model warmup failed")
			continue
		}
		log.Info().Str("provider", cfg.Provider).Str("model", cfg.Params.Model).Msg("Model client warmed")
	}
	return nil
}
