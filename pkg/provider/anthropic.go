package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicThinkingBudget = 2048

// AnthropicClient implements Client for Anthropic Claude
type AnthropicClient struct {
	mu      sync.Mutex
	clients map[string]anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient() *AnthropicClient {
	return &AnthropicClient{clients: make(map[string]anthropic.Client)}
}

// Name returns the provider name
func (c *AnthropicClient) Name() string {
	return Anthropic
}

// Warm builds the SDK client for apiKey
func (c *AnthropicClient) Warm(cfg Config, apiKey string) error {
	c.sdk(cfg, apiKey)
	return nil
}

func (c *AnthropicClient) sdk(cfg Config, apiKey string) anthropic.Client {
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
	cl := anthropic.NewClient(opts...)
	c.clients[cacheKey] = cl
	return cl
}

// Generate makes a blocking call to Anthropic Claude
func (c *AnthropicClient) Generate(ctx context.Context, cfg Config, apiKey string, req Request) (*Response, error) {
	params := c.buildParams(cfg, req)
	cl := c.sdk(cfg, apiKey)
	message, err := cl.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return c.toResponse(message)
}

// Stream makes a streaming call, forwarding text and thinking deltas
func (c *AnthropicClient) Stream(ctx context.Context, cfg Config, apiKey string, req Request, onChunk func(Chunk) error) (*Response, error) {
	params := c.buildParams(cfg, req)
	cl := c.sdk(cfg, apiKey)
	stream := cl.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, malformed(Anthropic, err.Error())
		}
		variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text != "" {
				if err := onChunk(Chunk{Content: delta.Text}); err != nil {
					return nil, err
				}
			}
		case anthropic.ThinkingDelta:
			if delta.Thinking != "" {
				if err := onChunk(Chunk{Reasoning: delta.Thinking}); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return c.toResponse(&message)
}

func (c *AnthropicClient) buildParams(cfg Config, req Request) anthropic.MessageNewParams {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// System messages handled separately
		case RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := cfg.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Params.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	// Extended thinking requires the default temperature and a budget below
	// max_tokens.
	if req.Thinking && maxTokens > anthropicThinkingBudget {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(anthropicThinkingBudget)
	} else if cfg.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Params.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.Parameters["properties"],
					Required:   requiredFields(spec.Parameters),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}
	return params
}

func (c *AnthropicClient) toResponse(message *anthropic.Message) (*Response, error) {
	resp := &Response{
		Model: string(message.Model),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}

	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ThinkingBlock:
			resp.Reasoning += b.Thinking
		case anthropic.ToolUseBlock:
			var args map[string]any
			if raw := b.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, malformed(Anthropic, fmt.Sprintf("tool input for %s: %v", b.Name, err))
				}
			} else if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, malformed(Anthropic, fmt.Sprintf("tool input for %s: %v", b.Name, err))
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Args: args})
		}
	}
	return resp, nil
}

func requiredFields(schema map[string]any) []string {
	switch required := schema["required"].(type) {
	case []string:
		return append([]string(nil), required...)
	case []any:
		out := make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
