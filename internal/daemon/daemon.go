package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/harun/agentrt/internal/config"
	"github.com/harun/agentrt/internal/identity"
	"github.com/harun/agentrt/internal/logger"
	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/a2aserver"
	"github.com/harun/agentrt/pkg/agent"
	"github.com/harun/agentrt/pkg/api"
	"github.com/harun/agentrt/pkg/auth"
	"github.com/harun/agentrt/pkg/dispatcher"
	"github.com/harun/agentrt/pkg/history"
	"github.com/harun/agentrt/pkg/jobs"
	"github.com/harun/agentrt/pkg/mcpserver"
	"github.com/harun/agentrt/pkg/prompts"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/harun/agentrt/pkg/tools"
	"golang.org/x/sync/errgroup"
)

// errShuttingDown resolves a history store that was never opened
var errShuttingDown = errors.New("runtime is shutting down")

// Options supplies collaborators that tests and the CLI may replace
type Options struct {
	// Identity defaults to a fresh runtime identity
	Identity *identity.Identity
	// Caller defaults to the provider dispatcher with every built-in client
	Caller agent.Caller
	// Loader enables config hot reload when set
	Loader  *config.Loader
	Version string
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool                           `json:"running"`
	PID       int                            `json:"pid"`
	Addr      string                         `json:"addr,omitempty"`
	StartedAt time.Time                      `json:"started_at,omitempty"`
	Uptime    time.Duration                  `json:"uptime"`
	Contexts  int                            `json:"contexts"`
	Lanes     map[string]scheduler.LaneStats `json:"lanes"`
	Init      []StageRecord                  `json:"init"`
	Ready     bool                           `json:"ready"`
	Jobs      []jobs.Info                    `json:"jobs"`
}

// Daemon owns one runtime: its lanes, contexts, listener and background
// work.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	version string

	identity   *identity.Identity
	pool       *scheduler.Pool
	caller     agent.Caller
	toolbox    *tools.Registry
	profiles   *agent.Profiles
	deferred   *history.Deferred
	registry   *agent.Registry
	auth       *auth.Manager
	api        *api.API
	dispatcher *dispatcher.Dispatcher
	server     *dispatcher.Server
	jobs       *jobs.Service
	bootstrap  *Bootstrap
	lifecycle  *LifecycleManager
	loader     *config.Loader
	watcher    *config.Watcher

	// overrides is read by the config resolver on every run
	overrides atomic.Pointer[map[string]provider.Overrides]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.RWMutex
	startTime      time.Time
	running        bool
	stopped        bool
	tracingEnabled bool
}

// New wires a runtime from cfg. Nothing listens or runs until Start.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	observability.EnsureRegistered()

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	id := opts.Identity
	if id == nil {
		var err error
		if id, err = identity.New(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:   cfg,
		logger:   log,
		version:  opts.Version,
		identity: id,
		loader:   opts.Loader,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	overrides := cfg.ProviderOverrides()
	d.overrides.Store(&overrides)

	if cfg.Telemetry.Tracing {
		err := tracing.InitOpenTelemetry(tracing.OTelConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: opts.Version,
			Runtime:        id.Hex(),
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			clog := log.Component("daemon")
			clog.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			clog := log.Component("daemon")
			clog.Warn().Err(err).Msg("Failed to initialize audit log")
		}
	}

	if err := d.initializeCore(opts.Caller); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	clog := log.Component("daemon")
	clog.Info().
		Str("runtime", id.Short()).
		Str("addr", cfg.Addr()).
		Msg("Runtime initialized")
	return d, nil
}

// initializeCore builds the lanes, model access, tools and context registry
func (d *Daemon) initializeCore(caller agent.Caller) error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	d.pool = scheduler.NewPool(scheduler.PoolConfig{Logger: &zl})

	if caller == nil {
		caller = provider.NewDefaultDispatcher(zl)
	}
	d.caller = caller

	d.toolbox = tools.NewRegistry(zl)
	if err := tools.RegisterBuiltins(d.toolbox); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	profiles, err := agent.LoadProfiles(cfg.Agents.Dir)
	if err != nil {
		return fmt.Errorf("failed to load agent profiles: %w", err)
	}
	d.profiles = profiles

	var store history.Store
	if cfg.Persistence.Driver != config.PersistenceNone {
		d.deferred = history.NewDeferred()
		store = d.deferred
	}

	var promptDirs []string
	if cfg.Agents.PromptsDir != "" {
		promptDirs = append(promptDirs, cfg.Agents.PromptsDir)
	}

	d.registry, err = agent.NewRegistry(agent.Config{
		Pool:          d.pool,
		Caller:        d.caller,
		Toolbox:       d.toolbox,
		Prompts:       prompts.NewLibrary(promptDirs...),
		History:       store,
		Profiles:      profiles,
		Resolve:       d.resolveConfig,
		MaxDepth:      cfg.Agents.MaxDepth,
		MaxIterations: cfg.Agents.MaxIterations,
		Logger:        zl,
	})
	if err != nil {
		return err
	}
	return nil
}

// initializeServices builds auth, the dispatch table, the listener and jobs
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	var err error
	d.auth, err = auth.NewManager(auth.Config{
		Identity:     d.identity,
		CookiePrefix: cfg.Auth.CookiePrefix,
		SecureCookie: cfg.Auth.SecureCookie,
		Login:        cfg.Auth.Login,
		Password:     cfg.Auth.Password,
		CSRFSecret:   cfg.Auth.CSRFSecret,
		APIToken:     cfg.Auth.APIToken,
		SessionTTL:   cfg.Auth.SessionTTLDuration(),
		MaxFailures:  cfg.Auth.MaxFailures,
		Window:       cfg.Auth.WindowDuration(),
		Logger:       zl,
	})
	if err != nil {
		return err
	}

	d.api, err = api.New(api.Config{
		Contexts:    d.registry,
		Auth:        d.auth,
		AllowRemote: cfg.Server.AllowRemote,
		Version:     d.version,
		Ready:       d.Ready,
		Logger:      zl,
	})
	if err != nil {
		return err
	}

	d.dispatcher = dispatcher.New(dispatcher.Config{
		Default: d.api,
		Logger:  zl,
	})
	if err := d.registerProtocols(); err != nil {
		return err
	}

	d.server, err = dispatcher.NewServer(dispatcher.ServerConfig{
		Addr:    cfg.Addr(),
		Handler: d.dispatcher,
		Logger:  zl,
	})
	if err != nil {
		return err
	}

	d.jobs = jobs.NewService(jobs.Config{
		Lane:    d.pool.SpawnLane("jobs"),
		OnEvent: d.onJobEvent,
		Logger:  zl,
	})

	d.bootstrap = NewBootstrap(d.pool, d.stages(), zl)
	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.logger.Component("lifecycle"))

	if d.loader != nil {
		d.watcher, err = config.NewWatcher(config.WatcherConfig{
			Loader:   d.loader,
			OnReload: d.applyConfig,
			Logger:   zl,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// registerProtocols mounts the enabled async protocol servers. Both sit
// behind the loopback and bearer token gates.
func (d *Daemon) registerProtocols() error {
	cfg := d.config
	zl := d.logger.GetZerolog()
	gates := []dispatcher.Middleware{
		d.auth.Middleware(auth.LoopbackGate(cfg.Server.AllowRemote), auth.BearerGate(d.auth.APIToken())),
	}

	if cfg.Protocols.MCP.Enabled {
		err := d.dispatcher.Register(dispatcher.Route{
			Prefix: cfg.Protocols.MCP.Prefix,
			Kind:   dispatcher.KindAsync,
			Factory: dispatcher.NewFactory(nil, func(context.Context) (http.Handler, error) {
				return mcpserver.New(mcpserver.Config{
					Version:  d.version,
					Contexts: d.registry,
					Logger:   zl,
				})
			}),
			Middleware: gates,
		})
		if err != nil {
			return err
		}
	}

	if cfg.Protocols.A2A.Enabled {
		prefix := cfg.Protocols.A2A.Prefix
		err := d.dispatcher.Register(dispatcher.Route{
			Prefix: prefix,
			Kind:   dispatcher.KindAsync,
			Factory: dispatcher.NewFactory(d.publicURL, func(context.Context) (http.Handler, error) {
				return a2aserver.New(a2aserver.Config{
					Prefix:   prefix,
					BaseURL:  d.publicURL(),
					Version:  d.version,
					Contexts: d.registry,
					Logger:   zl,
				})
			}),
			Middleware: gates,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveConfig resolves a profile against the environment and the
// current provider overrides
func (d *Daemon) resolveConfig(p *agent.Profile) (provider.Config, error) {
	return agent.EnvResolver(provider.OSEnv(), *d.overrides.Load())(p)
}

func (d *Daemon) publicURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.PublicURL()
}

// Start binds the listener and kicks off background initialization. It
// returns once the server accepts connections; init stages keep running.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}
	if d.stopped {
		return fmt.Errorf("daemon has been stopped")
	}

	if err := d.lifecycle.Start(); err != nil {
		return err
	}
	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			clog := d.logger.Component("daemon")
			clog.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	d.bootstrap.Start(d.ctx)
	d.startTime = time.Now()
	d.running = true

	clog := d.logger.Component("daemon")
	clog.Info().
		Str("addr", d.server.Addr()).
		Int("pid", os.Getpid()).
		Msg("Runtime started")
	return nil
}

// Stop shuts the runtime down. The listener, jobs and init chain stop
// first, then every context is saved and removed, then the lanes and
// cached protocol servers go.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	wasRunning := d.running
	d.running = false
	d.mu.Unlock()
	defer close(d.done)

	log := d.logger.Component("daemon")
	log.Info().Msg("Stopping runtime")

	var errs []error

	var front errgroup.Group
	if wasRunning {
		front.Go(func() error { return d.server.Stop(ctx) })
	}
	front.Go(func() error { return d.jobs.Stop(ctx) })
	if d.watcher != nil {
		front.Go(d.watcher.Stop)
	}
	front.Go(func() error {
		d.bootstrap.Cancel()
		return nil
	})
	if err := front.Wait(); err != nil {
		errs = append(errs, err)
	}
	if d.deferred != nil {
		d.deferred.Resolve(nil, errShuttingDown)
	}

	if err := d.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("contexts: %w", err))
	}

	var back errgroup.Group
	back.Go(func() error { return d.pool.Shutdown(ctx) })
	back.Go(d.dispatcher.Close)
	if err := back.Wait(); err != nil {
		errs = append(errs, err)
	}

	if d.deferred != nil {
		if store, err := d.deferred.TryStore(); err == nil && store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("history: %w", err))
			}
		}
	}

	if wasRunning {
		if err := d.lifecycle.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if audit := observability.GetAuditLogger(); audit != nil {
		_ = audit.Close()
	}
	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
	d.cancel()

	err := errors.Join(errs...)
	if err != nil {
		log.Error().Err(err).Msg("Runtime stopped with errors")
		return err
	}
	log.Info().Msg("Runtime stopped")
	return nil
}

// Run starts the runtime and blocks until ctx ends or SIGINT/SIGTERM
// arrives, then stops it within the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	clog := d.logger.Component("daemon")
	clog.Info().Msg("Shutdown requested")

	timeout := d.config.Server.ShutdownTimeoutDuration()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Wait blocks until Stop has finished
func (d *Daemon) Wait() {
	<-d.done
}

// Ready reports whether background initialization has finished
func (d *Daemon) Ready() bool {
	return d.bootstrap != nil && d.bootstrap.Done()
}

// WaitReady blocks until every init stage has finished
func (d *Daemon) WaitReady(ctx context.Context) error {
	return d.bootstrap.Wait(ctx)
}

// Status returns a snapshot of the runtime
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running, started := d.running, d.startTime
	d.mu.RUnlock()

	st := Status{
		Running:   running,
		PID:       os.Getpid(),
		StartedAt: started,
		Contexts:  d.registry.Len(),
		Lanes:     d.pool.Stats(),
		Init:      d.bootstrap.Records(),
		Ready:     d.Ready(),
		Jobs:      d.jobs.List(),
	}
	if running {
		st.Addr = d.server.Addr()
		st.Uptime = time.Since(started)
	}
	return st
}

// Addr returns the bound listen address, or "" before Start
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// Identity returns the runtime identity
func (d *Daemon) Identity() *identity.Identity { return d.identity }

// Registry returns the context registry
func (d *Daemon) Registry() *agent.Registry { return d.registry }

// Auth returns the session manager
func (d *Daemon) Auth() *auth.Manager { return d.auth }

// Jobs returns the periodic job service
func (d *Daemon) Jobs() *jobs.Service { return d.jobs }

// Dispatcher returns the request dispatcher
func (d *Daemon) Dispatcher() *dispatcher.Dispatcher { return d.dispatcher }

// abort releases what New set up before failing
func (d *Daemon) abort() {
	d.cancel()
	if d.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.pool.Shutdown(ctx)
		cancel()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// historyConfig maps the persistence section onto the store config
func (d *Daemon) historyConfig() history.Config {
	cfg := d.config.Persistence
	hc := history.Config{
		Driver: cfg.Driver,
		Logger: d.logger.GetZerolog(),
	}
	if cfg.Driver == history.DriverSQLite {
		hc.Path = cfg.Path
	} else {
		hc.Dir = cfg.Path
	}
	if hc.Dir == "" && hc.Path == "" {
		hc.Dir = filepath.Join(d.config.DataDir, "history")
	}
	return hc
}
