package tracing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ContextIDKey is the context key for the agent context ID
	ContextIDKey ContextKey = "context_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// SessionRefKey is the context key for the authenticated session's
	// reference. The session ID itself is a credential and is never stored.
	SessionRefKey ContextKey = "session_ref"
	// TaskIDKey is the context key for the scheduler task ID
	TaskIDKey ContextKey = "task_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	ContextID  string
	AgentID    string
	SessionRef string
	TaskID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithContextID adds an agent context ID to the context
func WithContextID(ctx context.Context, contextID string) context.Context {
	return context.WithValue(ctx, ContextIDKey, contextID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// SessionRef returns a short one-way reference for a session ID, safe to
// log and audit.
func SessionRef(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:4])
}

// WithSession records the reference of sessionID in the context
func WithSession(ctx context.Context, sessionID string) context.Context {
	return withSessionRef(ctx, SessionRef(sessionID))
}

func withSessionRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, SessionRefKey, ref)
}

// WithTaskID adds a scheduler task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetContextID retrieves the agent context ID from the context
func GetContextID(ctx context.Context) string {
	return stringValue(ctx, ContextIDKey)
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	return stringValue(ctx, AgentIDKey)
}

// GetSessionRef retrieves the session reference from the context
func GetSessionRef(ctx context.Context) string {
	return stringValue(ctx, SessionRefKey)
}

// GetTaskID retrieves the scheduler task ID from the context
func GetTaskID(ctx context.Context) string {
	return stringValue(ctx, TaskIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		ContextID:  GetContextID(ctx),
		AgentID:    GetAgentID(ctx),
		SessionRef: GetSessionRef(ctx),
		TaskID:     GetTaskID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ContextID != "" {
		ctx = WithContextID(ctx, tc.ContextID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.SessionRef != "" {
		ctx = withSessionRef(ctx, tc.SessionRef)
	}
	if tc.TaskID != "" {
		ctx = WithTaskID(ctx, tc.TaskID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
