// Package a2aserver serves agent contexts over the A2A JSON-RPC protocol.
package a2aserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Config holds A2A server configuration
type Config struct {
	// Prefix is the route the server is mounted on. Defaults to /a2a.
	Prefix string
	// BaseURL is the externally visible origin, e.g. http://127.0.0.1:8080
	BaseURL  string
	Name     string
	Version  string
	Contexts Contexts
	Logger   zerolog.Logger
}

// Server serves the JSON-RPC endpoint at the prefix and the agent card at
// <prefix>/.well-known/agent-card.json.
type Server struct {
	router   chi.Router
	card     *a2a.AgentCard
	executor *Executor
}

// New builds the A2A server
func New(cfg Config) (*Server, error) {
	if cfg.Contexts == nil {
		return nil, fmt.Errorf("context registry is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/a2a"
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.Name == "" {
		cfg.Name = "agentrt"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	logger := cfg.Logger.With().Str("component", "a2a").Logger()
	executor := NewExecutor(cfg.Contexts, logger)
	card := buildCard(cfg)

	rpc := a2asrv.NewJSONRPCHandler(a2asrv.NewHandler(executor))
	r := chi.NewRouter()
	r.Method(http.MethodGet, cfg.Prefix+a2asrv.WellKnownAgentCardPath, a2asrv.NewStaticAgentCardHandler(card))
	r.Method(http.MethodPost, cfg.Prefix, rpc)
	r.Method(http.MethodPost, cfg.Prefix+"/", rpc)

	logger.Debug().Str("prefix", cfg.Prefix).Int("skills", len(card.Skills)).Msg("A2A server built")
	return &Server{router: r, card: card, executor: executor}, nil
}

// Card returns the advertised agent card
func (s *Server) Card() *a2a.AgentCard {
	return s.card
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func buildCard(cfg Config) *a2a.AgentCard {
	profiles := cfg.Contexts.Profiles()
	var skills []a2a.AgentSkill
	for _, name := range profiles.Names() {
		p, err := profiles.Get(name)
		if err != nil {
			continue
		}
		desc := p.Description
		if desc == "" {
			desc = "Agent profile " + name
		}
		skills = append(skills, a2a.AgentSkill{
			ID:          name,
			Name:        name,
			Description: desc,
			Tags:        []string{"agent"},
		})
	}

	return &a2a.AgentCard{
		Name:               cfg.Name,
		Description:        "Hierarchical agent runtime. Each A2A context maps to one agent context.",
		URL:                strings.TrimSuffix(cfg.BaseURL, "/") + cfg.Prefix,
		Version:            cfg.Version,
		ProtocolVersion:    "0.3.0",
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             skills,
		Capabilities:       a2a.AgentCapabilities{Streaming: true},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		SecuritySchemes: a2a.NamedSecuritySchemes{
			"BearerAuth": a2a.HTTPAuthSecurityScheme{
				Scheme:      "bearer",
				Description: "Runtime API token",
			},
		},
		Security: []a2a.SecurityRequirements{
			{"BearerAuth": a2a.SecuritySchemeScopes{}},
		},
	}
}
