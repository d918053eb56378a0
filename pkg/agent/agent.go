package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/prompts"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/harun/agentrt/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Loop tools handled by the agent itself
const (
	ResponseTool = "response"
	DelegateTool = "call_subordinate"
)

// Agent is one participant in a context's delegation tree. Its superior is
// a non-owning id into the context arena; subordinates are owned.
type Agent struct {
	ID        string
	Profile   *Profile
	CreatedAt time.Time

	depth int
	actx  *AgentContext

	// guarded by actx.mu
	superior     string
	subordinates []*Agent
	history      []provider.Message
	state        State
	cancel       context.CancelFunc
}

// Name is the short display name, A0 for the root, A1 for its subordinates...
func (a *Agent) Name() string {
	return fmt.Sprintf("A%d", a.depth)
}

// Depth is the distance from the root agent
func (a *Agent) Depth() int { return a.depth }

// Context returns the owning context
func (a *Agent) Context() *AgentContext { return a.actx }

// Superior returns the superior's id, "" for the root
func (a *Agent) Superior() string {
	a.actx.mu.Lock()
	defer a.actx.mu.Unlock()
	return a.superior
}

// Subordinates returns the direct subordinates in creation order
func (a *Agent) Subordinates() []*Agent {
	a.actx.mu.Lock()
	defer a.actx.mu.Unlock()
	return append([]*Agent(nil), a.subordinates...)
}

// State returns the agent's lifecycle state
func (a *Agent) State() State {
	a.actx.mu.Lock()
	defer a.actx.mu.Unlock()
	return a.state
}

// History returns a copy of the agent's conversation
func (a *Agent) History() []provider.Message {
	a.actx.mu.Lock()
	defer a.actx.mu.Unlock()
	return append([]provider.Message(nil), a.history...)
}

func (a *Agent) appendHistory(msgs ...provider.Message) {
	a.actx.mu.Lock()
	a.history = append(a.history, msgs...)
	if a.superior == "" {
		a.actx.dirty = true
	}
	a.actx.mu.Unlock()
}

func (a *Agent) setState(from, to State) {
	a.actx.mu.Lock()
	if a.state == from {
		a.state = to
	}
	a.actx.mu.Unlock()
}

// SpawnSubordinate creates a subordinate running profile, or the agent's
// own profile when nil. Past the context's depth limit it fails with a
// depth_exceeded DelegationError.
func (a *Agent) SpawnSubordinate(profile *Profile) (*Agent, error) {
	if profile == nil {
		profile = a.Profile
	}
	c := a.actx

	c.mu.Lock()
	defer c.mu.Unlock()

	if a.state == StateTerminated || c.state == ContextTerminated {
		return nil, ErrTerminated
	}
	depth := a.depth + 1
	if depth > c.deps.maxDepth {
		return nil, &DelegationError{Kind: KindDepthExceeded, Depth: depth}
	}

	sub := &Agent{
		ID:        newID(),
		Profile:   profile,
		CreatedAt: time.Now(),
		depth:     depth,
		actx:      c,
		superior:  a.ID,
		state:     StateIdle,
	}
	a.subordinates = append(a.subordinates, sub)
	c.arena[sub.ID] = sub

	c.deps.logger.Debug().
		Str("context_id", c.ID).
		Str("superior", a.ID).
		Str("agent_id", sub.ID).
		Int("depth", depth).
		Msg("Subordinate spawned")
	return sub, nil
}

// Terminate stops the agent and all its descendants, children first, and
// cancels any run in flight. It is safe from any state.
func (a *Agent) Terminate() {
	a.actx.mu.Lock()
	cancels := a.terminateLocked(nil)
	a.actx.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (a *Agent) terminateLocked(cancels []context.CancelFunc) []context.CancelFunc {
	for i := len(a.subordinates) - 1; i >= 0; i-- {
		cancels = a.subordinates[i].terminateLocked(cancels)
	}
	if a.state != StateTerminated {
		a.state = StateTerminated
		if a.cancel != nil {
			cancels = append(cancels, a.cancel)
		}
	}
	return cancels
}

// Run drives the message loop for input until a final answer, a failure or
// termination. The returned Output is always terminal; err is non-nil
// unless Output.Status is finished.
func (a *Agent) Run(ctx context.Context, input string) (Output, error) {
	c := a.actx
	d := c.deps

	c.mu.Lock()
	switch {
	case a.state == StateTerminated:
		c.mu.Unlock()
		return a.output(StatusTerminated, "", "", 0, ErrTerminated), ErrTerminated
	case a.state.Active():
		c.mu.Unlock()
		return a.output(StatusFailed, "", "", 0, ErrAgentBusy), ErrAgentBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.state = StateRunning
	isRoot := a.superior == ""
	c.mu.Unlock()
	defer cancel()

	runCtx = tracing.WithContextID(runCtx, c.ID)
	if isRoot {
		runCtx = tracing.WithAgentID(runCtx, a.ID)
	} else {
		runCtx = tracing.PropagateToSubordinate(runCtx, a.ID)
	}
	runCtx, span := tracing.StartSpan(
		runCtx,
		"agentrt.agent",
		"agent.run",
		attribute.String("context_id", c.ID),
		attribute.String("agent_id", a.ID),
		attribute.String("profile", a.Profile.Name),
		attribute.Int("depth", a.depth),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(runCtx, d.logger)
	start := time.Now()

	if isRoot {
		if err := c.loadHistory(runCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to load history, starting empty")
		}
	}

	text, reasoning, iterations, err := a.loop(runCtx, input, logger)

	c.mu.Lock()
	var status Status
	switch {
	case a.state == StateTerminated:
		status = StatusTerminated
		err = ErrTerminated
	case err != nil:
		status = StatusFailed
		a.state = StateFailed
	default:
		status = StatusFinished
		a.state = StateFinished
	}
	a.cancel = nil
	c.mu.Unlock()

	out := a.output(status, text, reasoning, iterations, err)
	observability.RecordAgentRun(a.Profile.Name, time.Since(start), string(status))

	if isRoot {
		if serr := c.saveHistory(tracing.Detach(runCtx)); serr != nil {
			logger.Error().Err(serr).Msg("Failed to save history")
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if status == StatusFailed {
			c.Log.Add(LogError, a.ID, fmt.Sprintf("%s failed", a.Name()), err.Error(), map[string]any{"kind": out.ErrorKind})
		}
		logger.Info().
			Str("status", string(status)).
			Err(err).
			Int("iterations", iterations).
			Msg("Agent run ended")
		return out, err
	}

	c.Log.Add(LogResponse, a.ID, fmt.Sprintf("%s: response", a.Name()), text, nil)
	logger.Info().
		Int("iterations", iterations).
		Dur("duration", time.Since(start)).
		Msg("Agent run finished")
	return out, nil
}

func (a *Agent) output(status Status, text, reasoning string, iterations int, err error) Output {
	out := Output{
		ContextID:  a.actx.ID,
		AgentID:    a.ID,
		Status:     status,
		Text:       text,
		Reasoning:  reasoning,
		Iterations: iterations,
	}
	if err != nil {
		out.Error = err.Error()
		out.ErrorKind = errorKind(err)
	}
	return out
}

func (a *Agent) loop(ctx context.Context, input string, logger zerolog.Logger) (text, reasoning string, iterations int, err error) {
	c := a.actx
	d := c.deps
	profile := a.Profile

	cfg, err := d.resolve(profile)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to resolve provider config: %w", err)
	}
	lib := d.prompts.ForProfile(profile.PromptsDir())
	invoker := tools.Restrict(d.toolbox, profile.Tools)

	maxIterations := profile.MaxIterations
	if maxIterations <= 0 {
		maxIterations = d.maxIterations
	}

	a.appendHistory(provider.Message{Role: provider.RoleUser, Content: input})

	for iterations = 1; iterations <= maxIterations; iterations++ {
		if err := c.waitIfPaused(ctx); err != nil {
			return "", reasoning, iterations, err
		}
		if err := ctx.Err(); err != nil {
			return "", reasoning, iterations, err
		}

		for _, msg := range c.takeInterventions() {
			c.Log.Add(LogIntervention, a.ID, "Intervention", msg, nil)
			a.appendHistory(provider.Message{
				Role:    provider.RoleUser,
				Content: render(lib, prompts.Intervention, map[string]any{"message": msg}, msg),
			})
		}

		specs := a.toolSpecs()
		system, err := lib.Render(prompts.AgentSystem, a.promptVars(specs))
		if err != nil {
			return "", reasoning, iterations, fmt.Errorf("failed to render system prompt: %w", err)
		}

		resp, ex, err := a.complete(ctx, cfg, provider.Request{
			System:   system,
			Messages: a.History(),
			Tools:    specs,
			Thinking: profile.Thinking,
		})
		if err != nil {
			return "", reasoning, iterations, err
		}

		if ex.Reasoning != "" {
			reasoning = ex.Reasoning
			c.Log.Add(LogReasoning, a.ID, fmt.Sprintf("%s: reasoning", a.Name()), ex.Reasoning, map[string]any{
				"source": string(ex.Source),
				"state":  ex.State.String(),
			})
		}
		if ex.Err != nil {
			logger.Warn().Int("offset", ex.Err.Offset).Msg("Reasoning block was not terminated")
		}

		calls, thoughts, native := interpret(resp, ex.Content)
		if len(thoughts) > 0 {
			c.Log.Add(LogAgent, a.ID, fmt.Sprintf("%s: thinking", a.Name()), strings.Join(thoughts, "\n"), nil)
		}

		if len(calls) == 0 {
			a.appendHistory(provider.Message{Role: provider.RoleAssistant, Content: ex.Content})
			return strings.TrimSpace(ex.Content), reasoning, iterations, nil
		}
		if calls[0].Name == ResponseTool {
			text := responseText(calls[0].Args)
			a.appendHistory(provider.Message{Role: provider.RoleAssistant, Content: text})
			return text, reasoning, iterations, nil
		}

		if native {
			a.appendHistory(provider.Message{Role: provider.RoleAssistant, Content: ex.Content, ToolCalls: calls})
		} else {
			a.appendHistory(provider.Message{Role: provider.RoleAssistant, Content: ex.Content})
		}

		for i, call := range calls {
			if call.Name == ResponseTool {
				text := responseText(call.Args)
				a.appendToolResult(native, call, text)
				a.closeToolCalls(native, calls[i+1:], toolSkipped)
				return text, reasoning, iterations, nil
			}
			result, err := a.handleTool(ctx, lib, invoker, call)
			if err != nil {
				a.closeToolCalls(native, calls[i:], toolCancelled)
				return "", reasoning, iterations, err
			}
			a.appendToolResult(native, call, result)
		}
	}

	return "", reasoning, maxIterations, fmt.Errorf("%w (%d)", ErrMaxIterations, maxIterations)
}

// complete asks the model for the next turn. Streaming callers push every
// delta into the context log; the extraction then comes from the stream's
// own parser, including its terminal state.
func (a *Agent) complete(ctx context.Context, cfg provider.Config, req provider.Request) (*provider.Response, provider.Extraction, error) {
	c := a.actx
	s, ok := c.deps.caller.(Streamer)
	if !ok {
		resp, err := c.deps.caller.Call(ctx, cfg, req)
		if err != nil {
			return nil, provider.Extraction{}, err
		}
		return resp, provider.ExtractReasoning(resp), nil
	}

	var (
		content, reasoning strings.Builder
		final              provider.Delta
	)
	heading := fmt.Sprintf("%s: streaming", a.Name())
	resp, err := s.Stream(ctx, cfg, req, func(delta provider.Delta) error {
		if delta.Reasoning != "" {
			reasoning.WriteString(delta.Reasoning)
			c.Log.Add(LogStream, a.ID, heading, delta.Reasoning, map[string]any{"kind": "reasoning"})
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			c.Log.Add(LogStream, a.ID, heading, delta.Content, map[string]any{"kind": "content"})
		}
		if delta.Done {
			final = delta
		}
		return nil
	})
	if err != nil {
		return nil, provider.Extraction{}, err
	}
	if !final.Done {
		return resp, provider.ExtractReasoning(resp), nil
	}

	ex := provider.Extraction{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Source:    provider.SourceNone,
		State:     final.State,
		Err:       final.Err,
	}
	switch {
	case strings.TrimSpace(resp.Reasoning) != "":
		ex.Source = provider.SourceNative
	case ex.Reasoning != "" || ex.Err != nil:
		ex.Source = provider.SourceTagged
	}
	return resp, ex, nil
}

const (
	toolCancelled = "Tool call cancelled before it completed."
	toolSkipped   = "Tool call skipped: the response was already given."
)

// closeToolCalls answers native tool calls that will never run, so the
// assistant message stays paired with a result for every call id.
func (a *Agent) closeToolCalls(native bool, calls []provider.ToolCall, note string) {
	if !native {
		return
	}
	for _, call := range calls {
		a.appendToolResult(native, call, note)
	}
}

func (a *Agent) appendToolResult(native bool, call provider.ToolCall, result string) {
	if native {
		a.appendHistory(provider.Message{Role: provider.RoleTool, Content: result, ToolCallID: call.ID})
		return
	}
	a.appendHistory(provider.Message{Role: provider.RoleUser, Content: result})
}

// handleTool runs one non-final tool call. Tool failures come back as text
// for the model; only cancellation is returned as an error.
func (a *Agent) handleTool(ctx context.Context, lib *prompts.Library, invoker tools.Invoker, call provider.ToolCall) (string, error) {
	c := a.actx

	if call.Name == DelegateTool && a.Profile.Delegates() {
		return a.delegate(ctx, lib, call.Args)
	}

	c.Log.Add(LogTool, a.ID, fmt.Sprintf("%s: using tool %s", a.Name(), call.Name), "", call.Args)
	result, err := invoker.Invoke(ctx, call.Name, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.Log.Add(LogError, a.ID, fmt.Sprintf("%s: tool %s failed", a.Name(), call.Name), err.Error(), nil)
		return render(lib, prompts.ToolError, map[string]any{
			"tool_name": call.Name,
			"error":     err.Error(),
		}, err.Error()), nil
	}

	c.Log.Add(LogTool, a.ID, fmt.Sprintf("%s: tool %s result", a.Name(), call.Name), result, nil)
	return render(lib, prompts.ToolResult, map[string]any{
		"tool_name": call.Name,
		"result":    result,
	}, result), nil
}

// delegate hands message to a subordinate and blocks until it finishes.
// Subordinate failures are returned as a message for this agent's model.
func (a *Agent) delegate(ctx context.Context, lib *prompts.Library, args map[string]any) (string, error) {
	c := a.actx

	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return render(lib, prompts.ToolError, map[string]any{
			"tool_name": DelegateTool,
			"error":     "message is required",
		}, "message is required"), nil
	}
	profileName, _ := args["profile"].(string)
	reset, _ := args["reset"].(bool)

	sub, err := a.subordinateFor(profileName, reset)
	if err != nil {
		if errors.Is(err, ErrTerminated) {
			return "", err
		}
		var derr *DelegationError
		if !errors.As(err, &derr) {
			derr = &DelegationError{Kind: KindSubordinateFailed, Depth: a.depth + 1, Err: err}
		}
		observability.RecordDelegation(string(derr.Kind))
		c.Log.Add(LogError, a.ID, fmt.Sprintf("%s: delegation failed", a.Name()), derr.Error(), map[string]any{"kind": string(derr.Kind)})
		return a.delegationFailure(lib, derr), nil
	}

	c.Log.Add(LogDelegation, a.ID, fmt.Sprintf("%s: delegating to %s", a.Name(), sub.Name()), message, map[string]any{
		"subordinate": sub.ID,
		"profile":     sub.Profile.Name,
	})

	a.setState(StateRunning, StateAwaitingSubordinate)
	out, err := sub.Run(ctx, message)
	a.setState(StateAwaitingSubordinate, StateRunning)

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		derr := &DelegationError{Kind: KindSubordinateFailed, AgentID: sub.ID, Depth: sub.depth, Err: err}
		observability.RecordDelegation(string(derr.Kind))
		return a.delegationFailure(lib, derr), nil
	}

	observability.RecordDelegation("ok")
	return out.Text, nil
}

// subordinateFor reuses the latest live subordinate unless reset is set or
// a different profile is requested.
func (a *Agent) subordinateFor(profileName string, reset bool) (*Agent, error) {
	c := a.actx

	c.mu.Lock()
	var last *Agent
	if n := len(a.subordinates); n > 0 {
		last = a.subordinates[n-1]
	}
	c.mu.Unlock()

	if last != nil && last.State() != StateTerminated {
		if reset {
			last.Terminate()
		} else if profileName == "" || profileName == last.Profile.Name {
			return last, nil
		}
	}

	var profile *Profile
	if profileName != "" {
		p, err := c.deps.profiles.Get(profileName)
		if err != nil {
			return nil, err
		}
		profile = p
	}
	return a.SpawnSubordinate(profile)
}

func (a *Agent) delegationFailure(lib *prompts.Library, derr *DelegationError) string {
	cause := ""
	if derr.Err != nil {
		cause = derr.Err.Error()
	}
	return render(lib, prompts.SubordinateFailed, map[string]any{
		"agent_id": derr.AgentID,
		"kind":     string(derr.Kind),
		"error":    cause,
	}, derr.Error())
}

func (a *Agent) canDelegate() bool {
	return a.Profile.Delegates() && a.depth < a.actx.deps.maxDepth
}

func (a *Agent) toolSpecs() []provider.ToolSpec {
	specs := []provider.ToolSpec{responseSpec}
	if a.canDelegate() {
		specs = append(specs, delegateSpec)
	}
	for _, spec := range a.actx.deps.toolbox.Specs(a.Profile.Tools) {
		if spec.Name == ResponseTool || spec.Name == DelegateTool {
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

func (a *Agent) promptVars(specs []provider.ToolSpec) map[string]any {
	return map[string]any{
		"agent_name":   a.Name(),
		"context_id":   a.actx.ID,
		"superior":     a.Superior(),
		"role":         a.Profile.Role,
		"can_delegate": a.canDelegate(),
		"tools":        specs,
	}
}

var responseSpec = provider.ToolSpec{
	Name:        ResponseTool,
	Description: "Ends the task and returns the final answer to the user or superior.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "The final answer"},
		},
		"required": []string{"text"},
	},
}

var delegateSpec = provider.ToolSpec{
	Name:        DelegateTool,
	Description: "Delegates a subtask to a subordinate agent and returns its answer.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "description": "Task for the subordinate"},
			"profile": map[string]any{"type": "string", "description": "Agent profile for a new subordinate"},
			"reset":   map[string]any{"type": "boolean", "description": "Start a fresh subordinate"},
		},
		"required": []string{"message"},
	},
}

// toolRequest is the JSON object an agent writes when it calls a tool in text
type toolRequest struct {
	Thoughts any            `json:"thoughts"`
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
}

// interpret returns the tool calls of a reply: native calls when present,
// otherwise one parsed from a JSON object in the text.
func interpret(resp *provider.Response, content string) (calls []provider.ToolCall, thoughts []string, native bool) {
	if len(resp.ToolCalls) > 0 {
		return resp.ToolCalls, nil, true
	}
	req, ok := parseToolRequest(content)
	if !ok {
		return nil, nil, false
	}
	return []provider.ToolCall{{Name: req.ToolName, Args: req.ToolArgs}}, thoughtLines(req.Thoughts), false
}

func parseToolRequest(content string) (toolRequest, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return toolRequest{}, false
	}
	var req toolRequest
	if err := json.Unmarshal([]byte(content[start:end+1]), &req); err != nil {
		return toolRequest{}, false
	}
	if req.ToolName == "" {
		return toolRequest{}, false
	}
	if req.ToolArgs == nil {
		req.ToolArgs = map[string]any{}
	}
	return req, true
}

func thoughtLines(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func responseText(args map[string]any) string {
	for _, key := range []string{"text", "message", "answer"} {
		if s, ok := args[key].(string); ok {
			return s
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

func render(lib *prompts.Library, id string, vars map[string]any, fallback string) string {
	out, err := lib.Render(id, vars)
	if err != nil {
		return fallback
	}
	return out
}

func errorKind(err error) string {
	var perr *provider.ProviderError
	var derr *DelegationError
	var serr *scheduler.SchedulingError
	switch {
	case errors.As(err, &perr):
		return string(perr.Kind)
	case errors.As(err, &derr):
		return string(derr.Kind)
	case errors.As(err, &serr):
		return string(serr.Kind)
	case errors.Is(err, ErrTerminated):
		return "terminated"
	case errors.Is(err, ErrMaxIterations):
		return "max_iterations"
	case errors.Is(err, ErrAgentBusy):
		return "busy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}
