package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/provider"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SQLiteStore keeps histories in a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite history store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			context_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (context_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_context ON messages(context_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) guard() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// LoadHistory reads a context's messages in order
func (s *SQLiteStore) LoadHistory(ctx context.Context, contextID string) ([]provider.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "agentrt.history", "history.load",
		attribute.String("context_id", contextID),
		attribute.String("driver", DriverSQLite),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordHistoryLoad(time.Since(start))
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, failSpan(span, err)
	}
	if err := validateContextID(contextID); err != nil {
		return nil, failSpan(span, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id FROM messages WHERE context_id = ? ORDER BY seq`,
		contextID,
	)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to query history: %w", err))
	}
	defer rows.Close()

	messages := []provider.Message{}
	for rows.Next() {
		var (
			msg        provider.Message
			toolCalls  sql.NullString
			toolCallID sql.NullString
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &toolCallID); err != nil {
			return nil, failSpan(span, fmt.Errorf("failed to scan message: %w", err))
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				log := tracing.LoggerFromContext(ctx, s.logger)
				log.Warn().
					Str("context_id", contextID).
					Err(err).
					Msg("Failed to decode tool calls, dropping them")
			}
		}
		msg.ToolCallID = toolCallID.String
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to read history: %w", err))
	}
	return messages, nil
}

// SaveHistory replaces a context's history in one transaction
func (s *SQLiteStore) SaveHistory(ctx context.Context, contextID string, messages []provider.Message) error {
	ctx, span := tracing.StartSpan(ctx, "agentrt.history", "history.save",
		attribute.String("context_id", contextID),
		attribute.String("driver", DriverSQLite),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordHistorySave(time.Since(start))
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return failSpan(span, err)
	}
	if err := validateContextID(contextID); err != nil {
		return failSpan(span, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE context_id = ?`, contextID); err != nil {
		return failSpan(span, fmt.Errorf("failed to clear history: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (context_id, seq, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i, msg := range messages {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return failSpan(span, fmt.Errorf("failed to encode tool calls: %w", err))
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, contextID, i, msg.Role, msg.Content, toolCalls, msg.ToolCallID, now); err != nil {
			return failSpan(span, fmt.Errorf("failed to insert message: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return failSpan(span, fmt.Errorf("failed to commit history: %w", err))
	}
	return nil
}

// DeleteHistory removes a context's messages
func (s *SQLiteStore) DeleteHistory(ctx context.Context, contextID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE context_id = ?`, contextID); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// ListHistories returns the stored context ids, sorted
func (s *SQLiteStore) ListHistories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT context_id FROM messages ORDER BY context_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
