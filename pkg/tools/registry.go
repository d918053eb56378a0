package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024
)

// Invoker runs a tool by name. The agent loop depends only on this.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  []Parameter   `json:"parameters"`
	Timeout     time.Duration `json:"-"`
	// Blocking handlers run with the lane released
	Blocking bool    `json:"-"`
	Handler  Handler `json:"-"`
}

// Result represents the result of a tool execution
type Result struct {
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type entry struct {
	def    Definition
	schema map[string]any
	valid  *gojsonschema.Schema
}

// Registry manages and executes tools
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger,
	}
}

// Register adds or replaces a tool
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	r.tools[def.Name] = &entry{def: def, schema: schemaMap, valid: schema}
	r.mu.Unlock()

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool definition by name
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// List returns all registered tool names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

// Specs returns the model-facing tool descriptions admitted by policy
func (r *Registry) Specs(policy *Policy) []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var specs []provider.ToolSpec
	for _, name := range r.sortedNamesLocked() {
		if !policy.Allows(name) {
			continue
		}
		e := r.tools[name]
		specs = append(specs, provider.ToolSpec{
			Name:        name,
			Description: e.def.Description,
			Parameters:  e.schema,
		})
	}
	return specs
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke implements Invoker
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := r.Execute(ctx, name, args)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// Execute validates args and runs the tool, returning a detailed result
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "agentrt.tools", "tools.execute", attribute.String("tool", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", name).Logger()

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrToolNotFound, name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Error: err.Error()}, err
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(name, e.valid, args); err != nil {
		logger.Warn().Err(err).Msg("Tool argument validation failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Error: err.Error()}, err
	}

	timeout := e.def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	start := time.Now()
	output, err := r.run(ctx, e.def, args, timeout)
	duration := time.Since(start)
	observability.RecordToolExecution(name, duration, err == nil)

	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Error: err.Error(), Duration: duration}, err
	}

	text, truncated := truncate(output)
	if truncated {
		logger.Warn().Int("original", len(output)).Msg("Tool output truncated")
	}
	logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
	span.SetStatus(codes.Ok, "")
	return Result{Success: true, Output: text, Truncated: truncated, Duration: duration}, nil
}

func (r *Registry) run(ctx context.Context, def Definition, args map[string]any, timeout time.Duration) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := func(ctx context.Context) (string, error) {
		v, err := def.Handler(ctx, args)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w after %v", ErrToolTimeout, timeout)
			}
			return "", err
		}
		return stringify(v)
	}

	if def.Blocking {
		return scheduler.SuspendValue(timeoutCtx, call)
	}
	return call(timeoutCtx)
}

// Restrict wraps an Invoker so only tools admitted by policy run
func Restrict(inv Invoker, policy *Policy) Invoker {
	return &restricted{inner: inv, policy: policy}
}

type restricted struct {
	inner  Invoker
	policy *Policy
}

func (r *restricted) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if !r.policy.Allows(name) {
		return "", fmt.Errorf("%w: %s", ErrToolNotAllowed, name)
	}
	return r.inner.Invoke(ctx, name, args)
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

func buildSchema(def Definition) map[string]any {
	properties := make(map[string]any, len(def.Parameters))
	required := []any{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateArgs(tool string, schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: tool, Issues: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return &ValidationError{Tool: tool, Issues: issues}
}

func stringify(v any) (string, error) {
	switch out := v.(type) {
	case nil:
		return "", nil
	case string:
		return out, nil
	case []byte:
		return string(out), nil
	case fmt.Stringer:
		return out.String(), nil
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("failed to encode tool output: %w", err)
		}
		return string(data), nil
	}
}

func truncate(s string) (string, bool) {
	if len(s) <= maxOutputSize {
		return s, false
	}
	return s[:maxOutputSize] + "\n... [output truncated]", true
}
