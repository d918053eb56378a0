package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/agent"
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil || message == "" {
		return mcp.NewToolResultError("message parameter is required"), nil
	}
	contextID := req.GetString("context_id", "")
	profile := req.GetString("profile", "")

	var ac *agent.AgentContext
	if contextID == "" {
		ac, err = s.contexts.Create(ctx, profile)
	} else {
		ac, err = s.contexts.Get(contextID)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	logger := tracing.LoggerFromContext(tracing.WithContextID(ctx, ac.ID), s.logger)
	logger.Debug().Int("message_length", len(message)).Msg("MCP send_message")

	out, err := ac.Send(ctx, message)
	if err != nil && out.Status == "" {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out, !out.OK())
}

func (s *Server) handleListContexts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.contexts.List()
	infos := make([]agent.Info, 0, len(list))
	for _, c := range list {
		infos = append(infos, c.Info())
	}
	return jsonResult(map[string]any{"contexts": infos}, false)
}

func (s *Server) handleTerminateContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("context_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("context_id parameter is required"), nil
	}
	if err := s.contexts.Remove(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	log := tracing.LoggerFromContext(ctx, s.logger)
	log.Info().Str("context_id", id).Msg("Context terminated via MCP")
	return mcp.NewToolResultText(fmt.Sprintf("context %s terminated", id)), nil
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = isError
	return res, nil
}
