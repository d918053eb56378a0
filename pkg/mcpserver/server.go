// Package mcpserver exposes agent contexts as MCP tools over streamable HTTP.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/agentrt/pkg/agent"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

const (
	ToolSendMessage      = "send_message"
	ToolListContexts     = "list_contexts"
	ToolTerminateContext = "terminate_context"

	shutdownTimeout = 5 * time.Second
)

// Contexts is the part of the agent registry the tools drive
type Contexts interface {
	Create(ctx context.Context, profileName string) (*agent.AgentContext, error)
	Get(id string) (*agent.AgentContext, error)
	List() []*agent.AgentContext
	Remove(ctx context.Context, id string) error
}

// Config holds MCP server configuration
type Config struct {
	Name     string
	Version  string
	Contexts Contexts
	Logger   zerolog.Logger
}

// Server serves the MCP tool set. It implements http.Handler and io.Closer
// so the dispatcher can cache and rebuild it.
type Server struct {
	contexts Contexts
	mcp      *server.MCPServer
	http     *server.StreamableHTTPServer
	logger   zerolog.Logger
}

// New creates the MCP server and registers its tools
func New(cfg Config) (*Server, error) {
	if cfg.Contexts == nil {
		return nil, fmt.Errorf("context registry is required")
	}
	if cfg.Name == "" {
		cfg.Name = "agentrt"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		contexts: cfg.Contexts,
		logger:   cfg.Logger.With().Str("component", "mcp").Logger(),
	}
	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	s.http = server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))

	s.logger.Debug().
		Strs("tools", []string{ToolSendMessage, ToolListContexts, ToolTerminateContext}).
		Msg("MCP server built")
	return s, nil
}

// MCP returns the underlying protocol server
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

// Close shuts down open streams
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(ToolSendMessage,
		mcp.WithDescription("Send a message to an agent context and wait for its final answer. Omit context_id to start a new context."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message for the root agent")),
		mcp.WithString("context_id", mcp.Description("Existing context to continue")),
		mcp.WithString("profile", mcp.Description("Agent profile for a new context")),
	), s.handleSendMessage)

	s.mcp.AddTool(mcp.NewTool(ToolListContexts,
		mcp.WithDescription("List live agent contexts"),
	), s.handleListContexts)

	s.mcp.AddTool(mcp.NewTool(ToolTerminateContext,
		mcp.WithDescription("Terminate an agent context and all of its subordinates"),
		mcp.WithString("context_id", mcp.Required(), mcp.Description("Context to terminate")),
	), s.handleTerminateContext)
}
