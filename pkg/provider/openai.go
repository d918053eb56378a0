package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/respjson"
)

// reasoning fields returned by OpenAI-compatible servers that expose
// native reasoning
var openAIReasoningFields = []string{"reasoning_content", "reasoning"}

// OpenAIClient implements Client for OpenAI and OpenAI-compatible servers
type OpenAIClient struct {
	mu      sync.Mutex
	clients map[string]openai.Client
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient() *OpenAIClient {
	return &OpenAIClient{clients: make(map[string]openai.Client)}
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return OpenAI
}

// Warm builds the SDK client for apiKey
func (c *OpenAIClient) Warm(cfg Config, apiKey string) error {
	c.sdk(cfg, apiKey)
	return nil
}

func (c *OpenAIClient) sdk(cfg Config, apiKey string) openai.Client {
	cacheKey := cfg.Params.BaseURL + "\x00" + apiKey
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[cacheKey]; ok {
		return cl
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.Params.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Params.BaseURL))
	}
	cl := openai.NewClient(opts...)
	c.clients[cacheKey] = cl
	return cl
}

// Generate makes a blocking call to the chat completions API
func (c *OpenAIClient) Generate(ctx context.Context, cfg Config, apiKey string, req Request) (*Response, error) {
	params, err := c.buildParams(cfg, req)
	if err != nil {
		return nil, err
	}
	cl := c.sdk(cfg, apiKey)
	completion, err := cl.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, malformed(OpenAI, "no response choices returned")
	}

	msg := completion.Choices[0].Message
	resp := &Response{
		Model:     completion.Model,
		Content:   msg.Content,
		Reasoning: reasoningField(msg.JSON.ExtraFields),
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	calls, err := convertOpenAIToolCalls(msg.ToolCalls)
	if err != nil {
		return nil, err
	}
	resp.ToolCalls = calls
	return resp, nil
}

// Stream makes a streaming call; reasoning_content deltas are forwarded as
// native reasoning
func (c *OpenAIClient) Stream(ctx context.Context, cfg Config, apiKey string, req Request, onChunk func(Chunk) error) (*Response, error) {
	params, err := c.buildParams(cfg, req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	cl := c.sdk(cfg, apiKey)
	stream := cl.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	var reasoning strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if r := reasoningField(delta.JSON.ExtraFields); r != "" {
			reasoning.WriteString(r)
			if err := onChunk(Chunk{Reasoning: r}); err != nil {
				return nil, err
			}
		}
		if delta.Content != "" {
			if err := onChunk(Chunk{Content: delta.Content}); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if len(acc.Choices) == 0 {
		return nil, malformed(OpenAI, "stream ended without choices")
	}

	msg := acc.Choices[0].Message
	resp := &Response{
		Model:     acc.Model,
		Content:   msg.Content,
		Reasoning: reasoning.String(),
		Usage: Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		},
	}
	calls, err := convertOpenAIToolCalls(msg.ToolCalls)
	if err != nil {
		return nil, err
	}
	resp.ToolCalls = calls
	return resp, nil
}

func (c *OpenAIClient) buildParams(cfg Config, req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Args)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(cfg.Params.Model),
		Messages: messages,
	}
	if cfg.Params.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(cfg.Params.MaxTokens))
	}
	if cfg.Params.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Params.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.Parameters),
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func convertOpenAIToolCalls(in []openai.ChatCompletionMessageToolCall) ([]ToolCall, error) {
	var out []ToolCall
	for _, tc := range in {
		var args map[string]any
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, malformed(OpenAI, fmt.Sprintf("tool arguments for %s: %v", tc.Function.Name, err))
			}
		}
		out = append(out, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out, nil
}

func reasoningField(fields map[string]respjson.Field) string {
	for _, key := range openAIReasoningFields {
		field, ok := fields[key]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(field.Raw())
		if raw == "" || raw == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			return s
		}
		return raw
	}
	return ""
}
