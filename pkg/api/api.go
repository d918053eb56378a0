// Package api is the default synchronous handler chain: login, the
// context message/poll API, context management and the websocket log
// stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/agent"
	"github.com/harun/agentrt/pkg/auth"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Contexts is the agent registry as the API sees it
type Contexts interface {
	Create(ctx context.Context, profileName string) (*agent.AgentContext, error)
	GetOrCreate(ctx context.Context, id, profileName string) (*agent.AgentContext, error)
	Get(id string) (*agent.AgentContext, error)
	List() []*agent.AgentContext
	Remove(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Profiles() *agent.Profiles
}

// Config holds API configuration
type Config struct {
	Contexts    Contexts
	Auth        *auth.Manager
	AllowRemote bool
	Version     string
	// Ready reports whether boot initialization has finished. Nil means ready.
	Ready  func() bool
	Logger zerolog.Logger
}

// API serves the default route of the dispatcher
type API struct {
	contexts    Contexts
	auth        *auth.Manager
	allowRemote bool
	version     string
	ready       func() bool
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	router      chi.Router
}

// New builds the handler chain
func New(cfg Config) (*API, error) {
	if cfg.Contexts == nil {
		return nil, fmt.Errorf("context registry is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth manager is required")
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	observability.EnsureRegistered()

	a := &API{
		contexts:    cfg.Contexts,
		auth:        cfg.Auth,
		allowRemote: cfg.AllowRemote,
		version:     cfg.Version,
		ready:       cfg.Ready,
		logger:      cfg.Logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestContext)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	// Loopback only
	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware(auth.LoopbackGate(a.allowRemote)))
		r.Get("/healthz", a.handleHealth)
		r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
		r.Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)
		r.Get("/csrf_token", a.handleCSRFToken)
	})

	// Session and CSRF protected
	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware(
			auth.LoopbackGate(a.allowRemote),
			auth.SessionGate(),
			auth.CSRFGate(),
		))
		r.Route("/api", func(r chi.Router) {
			r.Post("/message", a.handleMessage)
			r.Get("/poll", a.handlePoll)
			r.Get("/token", a.handleToken)
			r.Get("/ws", a.handleWebSocket)
			r.Get("/profiles", a.handleProfiles)

			r.Route("/contexts", func(r chi.Router) {
				r.Get("/", a.handleListContexts)
				r.Post("/", a.handleCreateContext)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.handleGetContext)
					r.Delete("/", a.handleDeleteContext)
					r.Post("/pause", a.handlePause)
					r.Post("/resume", a.handleResume)
				})
			})
		})
	})
	return r
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tracing.GetTraceID(ctx) == "" {
			ctx = tracing.NewRequestContext(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !a.ready() {
		status, code = "starting", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"version":  a.version,
		"contexts": len(a.contexts.List()),
		"time":     time.Now().UTC(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps registry errors to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrContextNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrProfileNotFound):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrContextExists), errors.Is(err, agent.ErrTerminated):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
