package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Names of the runtime's periodic jobs
const (
	JobHistoryFlush = "history-flush"
	JobContextSweep = "context-sweep"
	JobSessionSweep = "session-sweep"
)

// Flusher persists unsaved conversation history
type Flusher interface {
	FlushAll(ctx context.Context) (int, error)
}

// IdleSweeper removes contexts idle for longer than a ttl
type IdleSweeper interface {
	SweepIdle(ctx context.Context, ttl time.Duration) []string
}

// SessionSweeper expires stale login sessions
type SessionSweeper interface {
	Sweep() int
}

// HistoryFlush saves history of contexts that changed since their last save.
func HistoryFlush(f Flusher, logger zerolog.Logger) Func {
	return func(ctx context.Context) error {
		n, err := f.FlushAll(ctx)
		if n > 0 {
			logger.Debug().Int("contexts", n).Msg("Flushed conversation history")
		}
		return err
	}
}

// ContextSweep removes contexts idle for longer than ttl. A non-positive
// ttl disables it.
func ContextSweep(s IdleSweeper, ttl time.Duration, logger zerolog.Logger) Func {
	return func(ctx context.Context) error {
		if removed := s.SweepIdle(ctx, ttl); len(removed) > 0 {
			logger.Info().Strs("context_ids", removed).Msg("Removed idle contexts")
		}
		return nil
	}
}

// SessionSweep expires login sessions past their ttl.
func SessionSweep(s SessionSweeper, logger zerolog.Logger) Func {
	return func(context.Context) error {
		if n := s.Sweep(); n > 0 {
			logger.Info().Int("sessions", n).Msg("Expired sessions")
		}
		return nil
	}
}
