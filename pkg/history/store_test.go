package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory() []provider.Message {
	return []provider.Message{
		{Role: provider.RoleUser, Content: "what time is it?"},
		{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{ID: "c1", Name: "current_time", Args: map[string]any{"timezone": "UTC"}}}},
		{Role: provider.RoleTool, ToolCallID: "c1", Content: "2026-01-01T00:00:00Z"},
		{Role: provider.RoleAssistant, Content: "midnight"},
	}
}

func storeSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("should return empty history for unknown context", func(t *testing.T) {
		s := open(t)
		msgs, err := s.LoadHistory(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("should round-trip messages in order", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveHistory(ctx, "ctx1", sampleHistory()))

		msgs, err := s.LoadHistory(ctx, "ctx1")
		require.NoError(t, err)
		require.Len(t, msgs, 4)
		assert.Equal(t, "what time is it?", msgs[0].Content)
		assert.Equal(t, "current_time", msgs[1].ToolCalls[0].Name)
		assert.Equal(t, "UTC", msgs[1].ToolCalls[0].Args["timezone"])
		assert.Equal(t, "c1", msgs[2].ToolCallID)
		assert.Equal(t, "midnight", msgs[3].Content)
	})

	t.Run("should replace on save", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveHistory(ctx, "ctx1", sampleHistory()))
		require.NoError(t, s.SaveHistory(ctx, "ctx1", sampleHistory()[:1]))

		msgs, err := s.LoadHistory(ctx, "ctx1")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("should list and delete", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveHistory(ctx, "b", sampleHistory()))
		require.NoError(t, s.SaveHistory(ctx, "a", sampleHistory()))

		ids, err := s.ListHistories(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)

		require.NoError(t, s.DeleteHistory(ctx, "a"))
		ids, err = s.ListHistories(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids)
	})

	t.Run("should reject unsafe ids", func(t *testing.T) {
		s := open(t)
		for _, id := range []string{"", "../escape", "a/b", "a\x00b"} {
			_, err := s.LoadHistory(ctx, id)
			assert.Error(t, err, "%q", id)
			assert.Error(t, s.SaveHistory(ctx, id, nil), "%q", id)
		}
	})
}

func TestJSONLStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := NewJSONLStore(t.TempDir(), zerolog.Nop())
		require.NoError(t, err)
		return s
	})

	t.Run("should skip corrupt lines", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewJSONLStore(dir, zerolog.Nop())
		require.NoError(t, err)

		data := `{"role":"user","content":"kept"}
not json
{"role":"","content":"no role"}

{"role":"assistant","content":"also kept"}
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "c.jsonl"), []byte(data), 0600))

		msgs, err := s.LoadHistory(context.Background(), "c")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "kept", msgs[0].Content)
		assert.Equal(t, "also kept", msgs[1].Content)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})

	t.Run("should fail after close", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, s.Close())

		_, err = s.LoadHistory(context.Background(), "x")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Driver: DriverJSONL, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &JSONLStore{}, s)

	s, err = Open(Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = Open(Config{Driver: "postgres"})
	assert.Error(t, err)
}

func TestDeferred(t *testing.T) {
	ctx := context.Background()

	t.Run("should block until resolved", func(t *testing.T) {
		d := NewDeferred()
		_, err := d.TryStore()
		assert.ErrorIs(t, err, ErrNotReady)

		loaded := make(chan []provider.Message, 1)
		go func() {
			msgs, err := d.LoadHistory(ctx, "c")
			assert.NoError(t, err)
			loaded <- msgs
		}()

		select {
		case <-loaded:
			t.Fatal("load returned before the store was resolved")
		case <-time.After(20 * time.Millisecond):
		}

		inner, err := NewJSONLStore(t.TempDir(), zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, inner.SaveHistory(ctx, "c", sampleHistory()))
		d.Resolve(inner, nil)

		select {
		case msgs := <-loaded:
			assert.Len(t, msgs, 4)
		case <-time.After(time.Second):
			t.Fatal("load did not complete after resolve")
		}
	})

	t.Run("should surface the init error", func(t *testing.T) {
		d := NewDeferred()
		d.Resolve(nil, os.ErrPermission)
		d.Resolve(nil, nil)

		_, err := d.LoadHistory(ctx, "c")
		assert.ErrorIs(t, err, os.ErrPermission)
	})

	t.Run("should honour cancellation", func(t *testing.T) {
		d := NewDeferred()
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := d.LoadHistory(cctx, "c")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("should release the lane while waiting", func(t *testing.T) {
		pool := scheduler.NewPool(scheduler.PoolConfig{})
		defer pool.Shutdown(ctx)
		lane := pool.SpawnLane("history-test")

		d := NewDeferred()
		waiting := lane.Submit(ctx, func(ctx context.Context) (any, error) {
			return d.LoadHistory(ctx, "c")
		}, nil)

		inner, err := NewJSONLStore(t.TempDir(), zerolog.Nop())
		require.NoError(t, err)
		resolver := lane.Submit(ctx, func(context.Context) (any, error) {
			d.Resolve(inner, nil)
			return nil, nil
		}, nil)

		_, err = resolver.Await(ctx)
		require.NoError(t, err)
		_, err = waiting.Await(ctx)
		require.NoError(t, err)
	})
}
