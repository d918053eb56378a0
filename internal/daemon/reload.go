package daemon

import (
	"context"

	"github.com/harun/agentrt/internal/config"
	"github.com/harun/agentrt/internal/observability"
)

// applyConfig takes over the parts of a reloaded configuration that can
// change at runtime: provider overrides, job schedules and the advertised
// base URL. Listener and auth settings need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	log := d.logger.Component("daemon")

	d.mu.Lock()
	prev := d.config
	next := *prev
	next.Providers = cfg.Providers
	next.Jobs = cfg.Jobs
	next.Agents.IdleTTL = cfg.Agents.IdleTTL
	next.Server.BaseURL = cfg.Server.BaseURL
	d.config = &next
	stopped := d.stopped
	d.mu.Unlock()

	if stopped {
		return
	}

	providersChanged := prev.ProvidersFingerprint() != next.ProvidersFingerprint()
	if providersChanged {
		overrides := next.ProviderOverrides()
		d.overrides.Store(&overrides)
	}

	if next.Jobs != prev.Jobs || next.Agents.IdleTTL != prev.Agents.IdleTTL {
		if err := d.registerJobs(next.Jobs, next.Agents); err != nil {
			log.Error().Err(err).Msg("Failed to apply job schedules")
		}
	}

	// Async protocol servers rebuild on their next request
	d.dispatcher.InvalidateAll()

	if needsRestart(prev, cfg) {
		log.Warn().Msg("Server, auth or persistence settings changed; restart to apply them")
	}

	observability.RecordConfigAudit(context.Background(), "reload", "config_watcher", map[string]interface{}{
		"providers_changed": providersChanged,
	})
	log.Info().Bool("providers_changed", providersChanged).Msg("Configuration reloaded")
}

// needsRestart reports changes applyConfig cannot take over
func needsRestart(prev, next *config.Config) bool {
	a, b := prev.Server, next.Server
	a.BaseURL, b.BaseURL = "", ""
	return a != b ||
		prev.Auth != next.Auth ||
		prev.Persistence != next.Persistence ||
		prev.Protocols != next.Protocols
}
