package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit categories
const (
	AuditAuth    = "auth"
	AuditContext = "context"
	AuditConfig  = "config"
)

// AuditEvent is one line of the audit log
type AuditEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"time"`
	Actor     string                 `json:"actor,omitempty"` // client address, user or component
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger appends audit events as JSON lines. Writes are serialized so
// concurrent requests never interleave within a line.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the process audit logger. Until InitAuditLogger
// succeeds events are dropped.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger sends audit events to path, replacing and closing the
// previous destination.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	next := &AuditLogger{
		logger: zerolog.New(file),
		closer: file,
	}
	auditMu.Lock()
	prev := auditInst
	auditInst = next
	auditMu.Unlock()

	return prev.Close()
}

// Record writes event, stamping the time and the active trace. The event
// is also attached to the span so traces show who did what.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		trace.SpanFromContext(ctx).AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("time", event.Timestamp).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close releases the audit file. A closed logger drops further events, and
// when it is the process logger the process logger reverts to dropping too.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	closer := a.closer
	a.closer = nil
	a.logger = zerolog.Nop()
	a.mu.Unlock()

	auditMu.Lock()
	if auditInst == a {
		auditInst = &AuditLogger{logger: zerolog.Nop()}
	}
	auditMu.Unlock()

	if closer != nil {
		return closer.Close()
	}
	return nil
}

// RecordAuthAudit records a login, logout or rejected credential
func RecordAuthAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditAuth,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordContextAudit records the creation or removal of an agent context
func RecordContextAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditContext,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

// RecordConfigAudit records a saved or reloaded configuration
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditConfig,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
