package agent

import (
	"context"

	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/tools"
)

// State is the lifecycle state of one agent
type State string

const (
	StateIdle                State = "IDLE"
	StateRunning             State = "RUNNING"
	StateAwaitingSubordinate State = "AWAITING_SUBORDINATE"
	StateFinished            State = "FINISHED"
	StateFailed              State = "FAILED"
	StateTerminated          State = "TERMINATED"
)

// Active reports whether a run is in progress
func (s State) Active() bool {
	return s == StateRunning || s == StateAwaitingSubordinate
}

// ContextState is the lifecycle state of an AgentContext
type ContextState string

const (
	ContextRunning    ContextState = "RUNNING"
	ContextIdle       ContextState = "IDLE"
	ContextTerminated ContextState = "TERMINATED"
)

// Status is the outcome recorded in an Output
type Status string

const (
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Output is the terminal result of one Run
type Output struct {
	ContextID  string `json:"context_id"`
	AgentID    string `json:"agent_id"`
	Status     Status `json:"status"`
	Text       string `json:"text,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
	Iterations int    `json:"iterations"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// OK reports a finished run
func (o Output) OK() bool {
	return o.Status == StatusFinished
}

// Caller performs one model call. *provider.Dispatcher implements it.
type Caller interface {
	Call(ctx context.Context, cfg provider.Config, req provider.Request) (*provider.Response, error)
}

// Streamer is implemented by callers that can stream a completion. Agents
// prefer it over Call so deltas reach the context log as they arrive.
type Streamer interface {
	Stream(ctx context.Context, cfg provider.Config, req provider.Request, onDelta func(provider.Delta) error) (*provider.Response, error)
}

var _ Streamer = (*provider.Dispatcher)(nil)

// Toolbox runs tools and describes them to the model. *tools.Registry
// implements it.
type Toolbox interface {
	tools.Invoker
	Specs(policy *tools.Policy) []provider.ToolSpec
}

// ConfigResolver turns a profile into a provider configuration
type ConfigResolver func(p *Profile) (provider.Config, error)

// EnvResolver resolves profiles against env with the given per-provider
// overrides layered under the profile's own model settings.
func EnvResolver(env provider.EnvFunc, overrides map[string]provider.Overrides) ConfigResolver {
	return func(p *Profile) (provider.Config, error) {
		name := provider.NormalizeName(p.Provider)
		ov := overrides[name]
		if p.Model != "" {
			ov.Model = p.Model
		}
		if p.Temperature != nil {
			ov.Temperature = p.Temperature
		}
		if p.MaxTokens > 0 {
			ov.MaxTokens = p.MaxTokens
		}
		return provider.ResolveConfig(p.Provider, env, ov)
	}
}
