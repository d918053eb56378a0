package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const jsonlExt = ".jsonl"

// JSONLStore keeps one JSONL file per context
type JSONLStore struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

// NewJSONLStore creates the store, making dir if needed
func NewJSONLStore(dir string, logger zerolog.Logger) (*JSONLStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".agentrt", "history")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("JSONL history store initialized")
	return &JSONLStore{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *JSONLStore) path(contextID string) string {
	return filepath.Join(s.dir, contextID+jsonlExt)
}

func (s *JSONLStore) writeLock(contextID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if lock, ok := s.writeLocks[contextID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[contextID] = lock
	return lock
}

// LoadHistory reads a context's messages. A missing file is an empty history;
// unparseable lines are skipped.
func (s *JSONLStore) LoadHistory(ctx context.Context, contextID string) ([]provider.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "agentrt.history", "history.load",
		attribute.String("context_id", contextID),
		attribute.String("driver", DriverJSONL),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("context_id", contextID).Logger()
	start := time.Now()
	defer func() {
		observability.RecordHistoryLoad(time.Since(start))
	}()

	if err := validateContextID(contextID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.path(contextID))
	if os.IsNotExist(err) {
		return []provider.Message{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	messages := []provider.Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if !rec.valid() {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		messages = append(messages, rec.message())
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	logger.Debug().Int("messages", len(messages)).Msg("History loaded")
	return messages, nil
}

// SaveHistory replaces a context's history atomically
func (s *JSONLStore) SaveHistory(ctx context.Context, contextID string, messages []provider.Message) error {
	ctx, span := tracing.StartSpan(ctx, "agentrt.history", "history.save",
		attribute.String("context_id", contextID),
		attribute.String("driver", DriverJSONL),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("context_id", contextID).Logger()
	start := time.Now()
	defer func() {
		observability.RecordHistorySave(time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := validateContextID(contextID); err != nil {
		return fail(err)
	}

	lock := s.writeLock(contextID)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := os.CreateTemp(s.dir, contextID+".*.tmp")
	if err != nil {
		return fail(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	now := time.Now().UTC()
	for _, msg := range messages {
		rec := record{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
			Timestamp:  now,
		}
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return fail(fmt.Errorf("failed to encode message: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fail(fmt.Errorf("failed to write history: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fail(fmt.Errorf("failed to sync history: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("failed to close history: %w", err))
	}
	if err := os.Rename(tmpPath, s.path(contextID)); err != nil {
		return fail(fmt.Errorf("failed to replace history: %w", err))
	}

	logger.Debug().Int("messages", len(messages)).Msg("History saved")
	return nil
}

// DeleteHistory removes a context's file
func (s *JSONLStore) DeleteHistory(ctx context.Context, contextID string) error {
	if err := validateContextID(contextID); err != nil {
		return err
	}
	lock := s.writeLock(contextID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(contextID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, contextID)
	s.locksMu.Unlock()

	log := tracing.LoggerFromContext(ctx, s.logger)
	log.Debug().Str("context_id", contextID).Msg("History deleted")
	return nil
}

// ListHistories returns the stored context ids, sorted
func (s *JSONLStore) ListHistories(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jsonlExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), jsonlExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op; files are closed after every operation
func (s *JSONLStore) Close() error {
	return nil
}
