package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentrt/pkg/provider"
	"github.com/rs/zerolog"
)

// Store driver names
const (
	DriverJSONL  = "jsonl"
	DriverSQLite = "sqlite"
)

// ErrClosed is returned by stores after Close
var ErrClosed = errors.New("history store closed")

// Store loads and saves the message history of an agent context
type Store interface {
	LoadHistory(ctx context.Context, contextID string) ([]provider.Message, error)
	SaveHistory(ctx context.Context, contextID string, messages []provider.Message) error
	DeleteHistory(ctx context.Context, contextID string) error
	ListHistories(ctx context.Context) ([]string, error)
	Close() error
}

// Config selects and configures a store
type Config struct {
	Driver string
	// Dir holds JSONL files
	Dir string
	// Path is the SQLite database file
	Path   string
	Logger zerolog.Logger
}

// Open creates the store named by cfg.Driver
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverJSONL:
		s, err := NewJSONLStore(cfg.Dir, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := NewSQLiteStore(cfg.Path, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
}

// record is the persisted form of a message
type record struct {
	Role       string              `json:"role"`
	Content    string              `json:"content"`
	ToolCalls  []provider.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

func (r record) message() provider.Message {
	return provider.Message{
		Role:       r.Role,
		Content:    r.Content,
		ToolCalls:  r.ToolCalls,
		ToolCallID: r.ToolCallID,
	}
}

func (r record) valid() bool {
	if r.Role == "" {
		return false
	}
	return r.Content != "" || len(r.ToolCalls) > 0 || r.Role == provider.RoleTool
}

// validateContextID rejects ids that could escape the store directory
func validateContextID(contextID string) error {
	if contextID == "" {
		return fmt.Errorf("context id cannot be empty")
	}
	if strings.Contains(contextID, "..") {
		return fmt.Errorf("context id cannot contain '..'")
	}
	if strings.ContainsAny(contextID, "/\\") {
		return fmt.Errorf("context id cannot contain path separators")
	}
	if strings.Contains(contextID, "\x00") {
		return fmt.Errorf("context id cannot contain null bytes")
	}
	return nil
}
