package provider

import (
	"context"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON schema
// object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a normalized model request
type Request struct {
	System   string     `json:"system,omitempty"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
	// Thinking asks providers with native reasoning support to return it.
	Thinking bool `json:"thinking,omitempty"`
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is a normalized model reply. Reasoning carries the native
// reasoning field when the provider returns one; tagged reasoning stays in
// Content until ExtractReasoning splits it.
type Response struct {
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Chunk is a raw streaming delta produced by a Client
type Chunk struct {
	Content   string
	Reasoning string
}

// Delta is a streaming delta after reasoning separation. A stream ends with
// exactly one Done delta carrying the parser's terminal state; Err is set
// when a reasoning block was never closed.
type Delta struct {
	Content   string               `json:"content,omitempty"`
	Reasoning string               `json:"reasoning,omitempty"`
	Done      bool                 `json:"done,omitempty"`
	State     ParserState          `json:"-"`
	Err       *ReasoningParseError `json:"-"`
}

// Client talks to one provider API with a single credential
type Client interface {
	// Name returns the normalized provider name
	Name() string

	// Generate performs a blocking completion
	Generate(ctx context.Context, cfg Config, apiKey string, req Request) (*Response, error)

	// Stream performs a streaming completion, invoking onChunk for every
	// delta, and returns the accumulated response
	Stream(ctx context.Context, cfg Config, apiKey string, req Request, onChunk func(Chunk) error) (*Response, error)
}

// EstimateTokens provides a rough token count estimation for a request
func EstimateTokens(req Request) int {
	totalChars := len(req.System)
	for _, msg := range req.Messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
