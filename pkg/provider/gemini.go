package provider

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient() *GeminiClient {
	return &GeminiClient{clients: make(map[string]*genai.Client)}
}

// Name returns the provider name
func (c *GeminiClient) Name() string {
	return Gemini
}

// Warm builds the SDK client for apiKey
func (c *GeminiClient) Warm(cfg Config, apiKey string) error {
	_, err := c.sdk(context.Background(), cfg, apiKey)
	return err
}

func (c *GeminiClient) sdk(ctx context.Context, cfg Config, apiKey string) (*genai.Client, error) {
	cacheKey := cfg.Params.BaseURL + "\x00" + apiKey
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[cacheKey]; ok {
		return cl, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Params.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Params.BaseURL}
	}
	cl, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	c.clients[cacheKey] = cl
	return cl, nil
}

// Generate makes a blocking call to Gemini
func (c *GeminiClient) Generate(ctx context.Context, cfg Config, apiKey string, req Request) (*Response, error) {
	cl, err := c.sdk(ctx, cfg, apiKey)
	if err != nil {
		return nil, err
	}
	result, err := cl.Models.GenerateContent(ctx, cfg.Params.Model, convertGeminiContents(req.Messages), c.buildConfig(cfg, req))
	if err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 {
		return nil, malformed(Gemini, "no candidates returned")
	}

	resp := &Response{Model: cfg.Params.Model}
	accumulateGemini(resp, result, nil)
	return resp, nil
}

// Stream makes a streaming call; parts flagged Thought are native reasoning
func (c *GeminiClient) Stream(ctx context.Context, cfg Config, apiKey string, req Request, onChunk func(Chunk) error) (*Response, error) {
	cl, err := c.sdk(ctx, cfg, apiKey)
	if err != nil {
		return nil, err
	}

	resp := &Response{Model: cfg.Params.Model}
	for result, err := range cl.Models.GenerateContentStream(ctx, cfg.Params.Model, convertGeminiContents(req.Messages), c.buildConfig(cfg, req)) {
		if err != nil {
			return nil, err
		}
		if err := accumulateGemini(resp, result, onChunk); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func accumulateGemini(resp *Response, result *genai.GenerateContentResponse, onChunk func(Chunk) error) error {
	if result == nil {
		return nil
	}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(result.Candidates) == 0 {
		return nil
	}
	candidate := result.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return nil
	}

	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			chunk := Chunk{Content: part.Text}
			if part.Thought {
				chunk = Chunk{Reasoning: part.Text}
			}
			resp.Content += chunk.Content
			resp.Reasoning += chunk.Reasoning
			if onChunk != nil {
				if err := onChunk(chunk); err != nil {
					return err
				}
			}
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("gemini_call_%d", len(resp.ToolCalls)+1)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   id,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	return nil
}

func (c *GeminiClient) buildConfig(cfg Config, req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if cfg.Params.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(cfg.Params.MaxTokens, math.MaxInt32))
	}
	if cfg.Params.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(cfg.Params.Temperature))
	}
	if req.Thinking {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	if len(req.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  toGeminiSchema(spec.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	return config
}

func convertGeminiContents(messages []Message) []*genai.Content {
	callNames := make(map[string]string)
	var out []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Name
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args},
				})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		case RoleTool:
			out = append(out, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     callNames[msg.ToolCallID],
						Response: map[string]any{"output": msg.Content},
					},
				}},
			})
		default:
			out = append(out, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return out
}

func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	s.Required = requiredFields(schema)
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	return s
}
