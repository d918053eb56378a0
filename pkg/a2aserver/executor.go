package a2aserver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/agent"
	"github.com/rs/zerolog"
)

// MetaProfile selects the agent profile of a new context
const MetaProfile = "profile"

// Contexts is the part of the agent registry the executor drives
type Contexts interface {
	GetOrCreate(ctx context.Context, id, profileName string) (*agent.AgentContext, error)
	Profiles() *agent.Profiles
}

// Executor maps A2A tasks onto agent contexts. The A2A context id is the
// agent context id, so follow-up tasks continue the same conversation.
type Executor struct {
	contexts Contexts
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[a2a.TaskID]context.CancelFunc
}

// NewExecutor creates an executor over contexts
func NewExecutor(contexts Contexts, logger zerolog.Logger) *Executor {
	return &Executor{
		contexts: contexts,
		logger:   logger,
		running:  make(map[a2a.TaskID]context.CancelFunc),
	}
}

// Execute implements a2asrv.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	msg := reqCtx.Message
	if msg == nil {
		return fmt.Errorf("message not provided")
	}
	text := messageText(msg)
	if text == "" {
		return queue.Write(ctx, failedEvent(reqCtx, "message has no text parts"))
	}

	profile := ""
	if msg.Metadata != nil {
		profile, _ = msg.Metadata[MetaProfile].(string)
	}

	ac, err := e.contexts.GetOrCreate(ctx, reqCtx.ContextID, profile)
	if err != nil {
		return queue.Write(ctx, failedEvent(reqCtx, err.Error()))
	}

	ctx = tracing.WithContextID(ctx, ac.ID)
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("task_id", string(reqCtx.TaskID)).Logger()

	if err := queue.Write(ctx, a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.track(reqCtx.TaskID, cancel)
	defer e.untrack(reqCtx.TaskID)

	logger.Debug().Msg("A2A task started")
	out, _ := ac.Send(runCtx, text)
	if runCtx.Err() != nil && ctx.Err() == nil {
		// cancelled through Cancel, which writes the terminal event
		return nil
	}

	if !out.OK() {
		logger.Warn().Str("error_kind", out.ErrorKind).Str("error", out.Error).Msg("A2A task failed")
		return queue.Write(ctx, failedEvent(reqCtx, out.Error))
	}

	if err := queue.Write(ctx, a2a.NewArtifactEvent(reqCtx, a2a.TextPart{Text: out.Text})); err != nil {
		return err
	}
	done := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCompleted, nil)
	done.Final = true
	logger.Debug().Int("iterations", out.Iterations).Msg("A2A task completed")
	return queue.Write(ctx, done)
}

// Cancel implements a2asrv.AgentExecutor.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	e.mu.Lock()
	cancel, ok := e.running[reqCtx.TaskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	return queue.Write(ctx, event)
}

func (e *Executor) track(id a2a.TaskID, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[id] = cancel
}

func (e *Executor) untrack(id a2a.TaskID) {
	e.mu.Lock()
	cancel, ok := e.running[id]
	delete(e.running, id)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func messageText(msg *a2a.Message) string {
	var parts []string
	for _, p := range msg.Parts {
		switch tp := p.(type) {
		case a2a.TextPart:
			parts = append(parts, tp.Text)
		case *a2a.TextPart:
			parts = append(parts, tp.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func failedEvent(reqCtx *a2asrv.RequestContext, reason string) *a2a.TaskStatusUpdateEvent {
	msg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: reason})
	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, msg)
	ev.Final = true
	return ev
}

var _ a2asrv.AgentExecutor = (*Executor)(nil)
