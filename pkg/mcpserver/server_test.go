package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/harun/agentrt/pkg/agent"
	"github.com/harun/agentrt/pkg/agent/agenttest"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *agent.Registry) {
	t.Helper()
	reg := agenttest.NewRegistry(t, agenttest.Echo())
	s, err := New(Config{Contexts: reg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, reg
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew(t *testing.T) {
	t.Run("should require a context registry", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})

	t.Run("should advertise the tool set", func(t *testing.T) {
		s, _ := newTestServer(t)
		resp := s.MCP().HandleMessage(testCtx(t), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		for _, name := range []string{ToolSendMessage, ToolListContexts, ToolTerminateContext} {
			assert.Contains(t, string(data), `"`+name+`"`)
		}
	})
}

func TestSendMessage(t *testing.T) {
	t.Run("should start a context and return the final answer", func(t *testing.T) {
		s, reg := newTestServer(t)
		ctx := testCtx(t)

		res, err := s.handleSendMessage(ctx, callTool(ToolSendMessage, map[string]any{"message": "ping"}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var out agent.Output
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
		assert.Equal(t, agent.StatusFinished, out.Status)
		assert.Equal(t, "echo: ping", out.Text)
		assert.Equal(t, 1, reg.Len())

		res, err = s.handleSendMessage(ctx, callTool(ToolSendMessage, map[string]any{
			"message":    "again",
			"context_id": out.ContextID,
		}))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
		assert.Equal(t, "echo: again", out.Text)
		assert.Equal(t, 1, reg.Len())
	})

	t.Run("should report bad input as tool errors", func(t *testing.T) {
		s, _ := newTestServer(t)
		ctx := testCtx(t)

		res, err := s.handleSendMessage(ctx, callTool(ToolSendMessage, map[string]any{}))
		require.NoError(t, err)
		assert.True(t, res.IsError)

		res, err = s.handleSendMessage(ctx, callTool(ToolSendMessage, map[string]any{"message": "x", "context_id": "missing"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "context not found")

		res, err = s.handleSendMessage(ctx, callTool(ToolSendMessage, map[string]any{"message": "x", "profile": "nope"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestListAndTerminate(t *testing.T) {
	s, reg := newTestServer(t)
	ctx := testCtx(t)
	a, err := reg.Create(ctx, "")
	require.NoError(t, err)

	res, err := s.handleListContexts(ctx, callTool(ToolListContexts, nil))
	require.NoError(t, err)
	var listed struct {
		Contexts []agent.Info `json:"contexts"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &listed))
	require.Len(t, listed.Contexts, 1)
	assert.Equal(t, a.ID, listed.Contexts[0].ID)

	res, err = s.handleTerminateContext(ctx, callTool(ToolTerminateContext, map[string]any{"context_id": a.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, agent.ContextTerminated, a.State())
	assert.Zero(t, reg.Len())

	res, err = s.handleTerminateContext(ctx, callTool(ToolTerminateContext, map[string]any{"context_id": a.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
