package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubordinate derives the context a subordinate agent runs under.
// The trace and agent context are kept; the agent ID is replaced.
func PropagateToSubordinate(ctx context.Context, subordinateID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithAgentID(ctx, subordinateID)
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.ContextID != "" {
		lc = lc.Str("context_id", tc.ContextID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.SessionRef != "" {
		lc = lc.Str("session_ref", tc.SessionRef)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context carrying the tracing values of ctx
// but none of its cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
