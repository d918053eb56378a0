package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// Config holds dispatcher configuration
type Config struct {
	// Default serves paths that match no registered prefix. Nil means 404.
	Default http.Handler
	// BuildTimeout bounds a single async handler build. Zero means 30s.
	BuildTimeout time.Duration
	Logger       zerolog.Logger
}

type asyncEntry struct {
	fingerprint string
	handler     http.Handler
	builtAt     time.Time
}

// Dispatcher is the single dispatch table behind the listener.
type Dispatcher struct {
	logger       zerolog.Logger
	buildTimeout time.Duration

	mu             sync.RWMutex
	routes         []Route
	defaultHandler http.Handler
	cache          map[string]*asyncEntry

	group singleflight.Group
}

// New creates a dispatcher with no routes.
func New(cfg Config) *Dispatcher {
	observability.EnsureRegistered()

	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 30 * time.Second
	}

	return &Dispatcher{
		logger:         cfg.Logger.With().Str("component", "dispatcher").Logger(),
		buildTimeout:   cfg.BuildTimeout,
		defaultHandler: cfg.Default,
		cache:          make(map[string]*asyncEntry),
	}
}

// Register adds a route, replacing any route with the same prefix.
func (d *Dispatcher) Register(route Route) error {
	if route.Factory == nil {
		return fmt.Errorf("route %q: factory is required", route.Prefix)
	}
	route.Prefix = normalizePrefix(route.Prefix)

	d.mu.Lock()
	replaced := false
	for i, r := range d.routes {
		if r.Prefix == route.Prefix {
			d.routes[i] = route
			replaced = true
			break
		}
	}
	if !replaced {
		d.routes = append(d.routes, route)
	}
	sort.SliceStable(d.routes, func(i, j int) bool {
		return len(d.routes[i].Prefix) > len(d.routes[j].Prefix)
	})
	d.mu.Unlock()

	if replaced {
		d.Invalidate(route.Prefix)
	}

	d.logger.Debug().Str("prefix", route.Prefix).Str("kind", route.Kind.String()).Msg("Route registered")
	return nil
}

// SetDefault replaces the handler for unmatched paths.
func (d *Dispatcher) SetDefault(h http.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultHandler = h
}

// Routes returns the registered routes, longest prefix first.
func (d *Dispatcher) Routes() []Route {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Route, len(d.routes))
	copy(out, d.routes)
	return out
}

// Resolve returns the route with the longest prefix matching path. It
// depends only on path and the registered prefixes.
func (d *Dispatcher) Resolve(path string) (Route, bool) {
	if path == "" {
		path = "/"
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.routes {
		if matches(r.Prefix, path) {
			return r, true
		}
	}
	return Route{}, false
}

// ServeHTTP resolves the route, runs the route middleware, then obtains the
// handler and serves. Panics and build failures are converted into
// errors in the route's protocol; the listener keeps serving.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := d.Resolve(r.URL.Path)
	kind := KindSync
	if ok {
		kind = route.Kind
	}

	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			logger := tracing.LoggerFromContext(r.Context(), d.logger)
			logger.Error().
				Interface("panic", p).
				Str("path", r.URL.Path).
				Str("kind", kind.String()).
				Msg("Recovered panic in handler")
			if !rec.wroteHeader {
				writeError(rec, kind, http.StatusInternalServerError, InternalError, "internal error")
			}
		}
		observability.RecordDispatch(kind.String(), rec.status)
	}()

	if !ok {
		d.mu.RLock()
		def := d.defaultHandler
		d.mu.RUnlock()
		if def == nil {
			writeError(rec, KindSync, http.StatusNotFound, 0, "not found")
			return
		}
		def.ServeHTTP(rec, r)
		return
	}

	// Route middleware runs before the handler is obtained, so a request
	// its gates reject never triggers an async build.
	resolved := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, err := d.handlerFor(r.Context(), route)
		if err != nil {
			logger := tracing.LoggerFromContext(r.Context(), d.logger)
			logger.Error().Err(err).Str("prefix", route.Prefix).Msg("Failed to build route handler")
			writeError(w, route.Kind, http.StatusServiceUnavailable, ServerUnavailable, "server unavailable: "+err.Error())
			return
		}
		handler.ServeHTTP(w, r)
	})
	chain(resolved, route.Middleware).ServeHTTP(rec, r)
}

func (d *Dispatcher) handlerFor(ctx context.Context, route Route) (http.Handler, error) {
	if route.Kind == KindSync {
		return route.Factory.Build(ctx)
	}
	return d.asyncHandler(ctx, route)
}

// asyncHandler returns the cached handler for route, building it when the
// cache is empty or holds a different fingerprint. Concurrent first use
// shares one build.
func (d *Dispatcher) asyncHandler(ctx context.Context, route Route) (http.Handler, error) {
	fp := route.Factory.Fingerprint()

	if h, ok := d.cached(route.Prefix, fp); ok {
		return h, nil
	}

	v, err, _ := d.group.Do(route.Prefix+"\x00"+fp, func() (any, error) {
		if h, ok := d.cached(route.Prefix, fp); ok {
			return h, nil
		}
		return d.build(ctx, route, fp)
	})
	if err != nil {
		return nil, err
	}
	return v.(http.Handler), nil
}

func (d *Dispatcher) cached(prefix, fp string) (http.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.cache[prefix]
	if !ok || e.fingerprint != fp {
		return nil, false
	}
	return e.handler, true
}

func (d *Dispatcher) build(ctx context.Context, route Route, fp string) (h http.Handler, err error) {
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.buildTimeout)
	defer cancel()

	buildCtx, span := tracing.StartSpan(
		buildCtx,
		"agentrt.dispatcher",
		"dispatcher.build_async",
		attribute.String("prefix", route.Prefix),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			h = nil
			err = fmt.Errorf("build panicked: %v", p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RecordAsyncBuild(route.Prefix, err == nil)
	}()

	start := time.Now()
	h, err = route.Factory.Build(buildCtx)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("factory for %s returned no handler", route.Prefix)
	}

	d.mu.Lock()
	old := d.cache[route.Prefix]
	d.cache[route.Prefix] = &asyncEntry{fingerprint: fp, handler: h, builtAt: time.Now()}
	d.mu.Unlock()

	if old != nil {
		d.closeHandler(route.Prefix, old.handler)
	}

	d.logger.Info().
		Str("prefix", route.Prefix).
		Str("fingerprint", fp).
		Dur("duration", time.Since(start)).
		Bool("rebuild", old != nil).
		Msg("Async server built")
	return h, nil
}

// Warm builds the async handler for prefix ahead of the first request.
func (d *Dispatcher) Warm(ctx context.Context, prefix string) error {
	prefix = normalizePrefix(prefix)
	route, ok := d.Resolve(prefix)
	if !ok || route.Prefix != prefix {
		return fmt.Errorf("%w for %s", ErrNoRoute, prefix)
	}
	if route.Kind != KindAsync {
		return nil
	}
	_, err := d.asyncHandler(ctx, route)
	return err
}

// Invalidate drops the cached async handler for prefix so the next request
// rebuilds it. It reports whether a handler was cached.
func (d *Dispatcher) Invalidate(prefix string) bool {
	prefix = normalizePrefix(prefix)

	d.mu.Lock()
	old, ok := d.cache[prefix]
	delete(d.cache, prefix)
	d.mu.Unlock()

	if ok {
		d.closeHandler(prefix, old.handler)
		d.logger.Info().Str("prefix", prefix).Msg("Async server invalidated")
	}
	return ok
}

// InvalidateAll drops every cached async handler.
func (d *Dispatcher) InvalidateAll() {
	d.mu.RLock()
	prefixes := make([]string, 0, len(d.cache))
	for p := range d.cache {
		prefixes = append(prefixes, p)
	}
	d.mu.RUnlock()

	for _, p := range prefixes {
		d.Invalidate(p)
	}
}

// Close releases every cached async handler.
func (d *Dispatcher) Close() error {
	d.InvalidateAll()
	return nil
}

func (d *Dispatcher) closeHandler(prefix string, h http.Handler) {
	c, ok := h.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		d.logger.Warn().Err(err).Str("prefix", prefix).Msg("Failed to close async server")
	}
}
