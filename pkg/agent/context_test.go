package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	t.Run("should return items newer than a version", func(t *testing.T) {
		l := NewLog()
		l.Add(LogUser, "a0", "User message", "one", nil)
		l.Add(LogResponse, "a0", "A0: response", "two", nil)
		mark := l.Version()
		l.Add(LogInfo, "a0", "Paused", "", nil)

		items, version := l.Since(mark)
		require.Len(t, items, 1)
		assert.Equal(t, LogInfo, items[0].Type)
		assert.Equal(t, int64(3), version)
		assert.Equal(t, 2, items[0].No)

		all, _ := l.Since(0)
		assert.Len(t, all, 3)
		none, _ := l.Since(version)
		assert.Empty(t, none)
	})

	t.Run("should fan out to subscribers until closed", func(t *testing.T) {
		l := NewLog()
		ch, cancel := l.Subscribe(4)
		defer cancel()

		l.Add(LogUser, "a0", "", "hello", nil)
		select {
		case item := <-ch:
			assert.Equal(t, "hello", item.Content)
		case <-time.After(time.Second):
			t.Fatal("no item delivered")
		}

		l.Close()
		_, open := <-ch
		assert.False(t, open)

		late, _ := l.Subscribe(1)
		_, open = <-late
		assert.False(t, open)
	})

	t.Run("should not block on a full subscriber", func(t *testing.T) {
		l := NewLog()
		_, cancel := l.Subscribe(1)
		defer cancel()
		for i := 0; i < 10; i++ {
			l.Add(LogInfo, "", "", "x", nil)
		}
		assert.Equal(t, int64(10), l.Version())
	})
}

func TestRegistry(t *testing.T) {
	caller := callerFunc(func(context.Context, provider.Request) (*provider.Response, error) {
		return reply("ok"), nil
	})

	t.Run("should give each context its own lane", func(t *testing.T) {
		reg, pool := newTestRegistry(t, caller)
		ctx := testCtx(t)
		a, err := reg.Create(ctx, "")
		require.NoError(t, err)
		b, err := reg.Create(ctx, "")
		require.NoError(t, err)

		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, "context-"+a.ID, a.Lane().Name())
		_, ok := pool.Lane("context-" + b.ID)
		assert.True(t, ok)
		assert.Equal(t, 2, reg.Len())
		assert.ElementsMatch(t, []*AgentContext{a, b}, reg.List())
	})

	t.Run("should reject unknown profiles and duplicate ids", func(t *testing.T) {
		reg, _ := newTestRegistry(t, caller)
		ctx := testCtx(t)
		_, err := reg.Create(ctx, "nope")
		assert.ErrorIs(t, err, ErrProfileNotFound)

		_, err = reg.CreateWithID(ctx, "fixed", "")
		require.NoError(t, err)
		_, err = reg.CreateWithID(ctx, "fixed", "")
		assert.ErrorIs(t, err, ErrContextExists)

		same, err := reg.GetOrCreate(ctx, "fixed", "")
		require.NoError(t, err)
		assert.Equal(t, "fixed", same.ID)
	})

	t.Run("should shut down the lane on remove", func(t *testing.T) {
		reg, pool := newTestRegistry(t, caller)
		ctx := testCtx(t)
		a, err := reg.Create(ctx, "")
		require.NoError(t, err)

		require.NoError(t, reg.Remove(ctx, a.ID))
		assert.Equal(t, ContextTerminated, a.State())
		_, ok := pool.Lane("context-" + a.ID)
		assert.False(t, ok)
		_, err = reg.Get(a.ID)
		assert.ErrorIs(t, err, ErrContextNotFound)
		assert.ErrorIs(t, reg.Remove(ctx, a.ID), ErrContextNotFound)
	})

	t.Run("should sweep only idle contexts past the ttl", func(t *testing.T) {
		reg, _ := newTestRegistry(t, caller)
		ctx := testCtx(t)
		old, err := reg.Create(ctx, "")
		require.NoError(t, err)
		old.mu.Lock()
		old.lastActive = time.Now().Add(-time.Hour)
		old.mu.Unlock()
		fresh, err := reg.Create(ctx, "")
		require.NoError(t, err)

		removed := reg.SweepIdle(ctx, 30*time.Minute)
		assert.Equal(t, []string{old.ID}, removed)
		_, err = reg.Get(fresh.ID)
		assert.NoError(t, err)
	})

	t.Run("should not sweep a context whose message is still queued", func(t *testing.T) {
		reg, _ := newTestRegistry(t, caller)
		ctx := testCtx(t)
		actx, err := reg.Create(ctx, "")
		require.NoError(t, err)
		actx.mu.Lock()
		actx.lastActive = time.Now().Add(-time.Hour)
		actx.mu.Unlock()

		// Hold the lane so the message waits in the queue with the
		// context still idle.
		hold := make(chan struct{})
		holding := make(chan struct{})
		blocker := actx.Lane().Submit(ctx, func(context.Context) (any, error) {
			close(holding)
			<-hold
			return nil, nil
		}, nil)
		<-holding
		task := actx.Dispatch(ctx, "queued")
		assert.Equal(t, ContextIdle, actx.State())

		assert.Empty(t, reg.SweepIdle(ctx, 30*time.Minute))
		close(hold)
		_, err = blocker.Await(ctx)
		require.NoError(t, err)

		v, err := task.Await(ctx)
		require.NoError(t, err)
		assert.True(t, v.(Output).OK())
		_, err = reg.Get(actx.ID)
		assert.NoError(t, err)
	})

	t.Run("should not sweep a context with a run in progress", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		reg, _ := newTestRegistry(t, callerFunc(func(ctx context.Context, _ provider.Request) (*provider.Response, error) {
			close(started)
			select {
			case <-release:
				return reply("done"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
		ctx := testCtx(t)
		actx, err := reg.Create(ctx, "")
		require.NoError(t, err)

		task := actx.Dispatch(ctx, "work")
		<-started
		actx.mu.Lock()
		actx.lastActive = time.Now().Add(-time.Hour)
		actx.mu.Unlock()

		assert.False(t, actx.terminateIdle(time.Now()))
		assert.Empty(t, reg.SweepIdle(ctx, 30*time.Minute))
		close(release)

		v, err := task.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, "done", v.(Output).Text)
	})
}

func TestRegistry_AuditActor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, observability.InitAuditLogger(path))
	defer observability.GetAuditLogger().Close()

	reg, _ := newTestRegistry(t, callerFunc(func(context.Context, provider.Request) (*provider.Response, error) {
		return reply("ok"), nil
	}))
	const sessionID = "c2Vzc2lvbi1zZWNyZXQtdmFsdWUtMTIzNDU2"
	ctx := tracing.WithSession(testCtx(t), sessionID)

	actx, err := reg.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, reg.Remove(ctx, actx.ID))
	_, err = reg.Create(testCtx(t), "")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	t.Run("should name the session by its reference only", func(t *testing.T) {
		assert.NotContains(t, string(data), sessionID)
		for _, line := range lines[:2] {
			var event map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &event))
			assert.Equal(t, "session:"+tracing.SessionRef(sessionID), event["actor"])
		}
	})

	t.Run("should fall back to system without a session", func(t *testing.T) {
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[2]), &event))
		assert.Equal(t, "system", event["actor"])
	})
}

func TestTermination_IsolatedAcrossContexts(t *testing.T) {
	type gate struct {
		started chan struct{}
		release chan struct{}
	}
	var (
		mu    sync.Mutex
		gates = map[string]*gate{}
	)
	gateFor := func(contextID string) *gate {
		mu.Lock()
		defer mu.Unlock()
		return gates[contextID]
	}

	reg, _ := newTestRegistry(t, callerFunc(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		if agentDepth(req) == 0 {
			if len(req.Messages) == 1 {
				return jsonCall(DelegateTool, map[string]any{"message": "long job"}), nil
			}
			return reply("root saw: " + lastContent(req)), nil
		}
		g := gateFor(tracing.GetContextID(ctx))
		close(g.started)
		select {
		case <-g.release:
			return reply("sub done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	ctx := testCtx(t)

	a, err := reg.Create(ctx, "")
	require.NoError(t, err)
	b, err := reg.Create(ctx, "")
	require.NoError(t, err)
	mu.Lock()
	gates[a.ID] = &gate{started: make(chan struct{}), release: make(chan struct{})}
	gates[b.ID] = &gate{started: make(chan struct{}), release: make(chan struct{})}
	mu.Unlock()

	taskA := a.Dispatch(ctx, "start a")
	taskB := b.Dispatch(ctx, "start b")
	for _, id := range []string{a.ID, b.ID} {
		select {
		case <-gateFor(id).started:
		case <-ctx.Done():
			t.Fatal("subordinate never started")
		}
	}

	subsA := a.Root().Subordinates()
	require.Len(t, subsA, 1)
	subsB := b.Root().Subordinates()
	require.Len(t, subsB, 1)
	subA, subB := subsA[0], subsB[0]
	assert.Equal(t, StateRunning, subA.State())
	assert.Equal(t, StateRunning, subB.State())

	subA.Terminate()

	v, err := taskA.Await(ctx)
	require.NoError(t, err)
	outA := v.(Output)

	t.Run("should hand the terminated subordinate to its superior as data", func(t *testing.T) {
		assert.Equal(t, StatusFinished, outA.Status)
		assert.Contains(t, outA.Text, "root saw:")
		assert.Contains(t, outA.Text, string(KindSubordinateFailed))
		assert.Equal(t, StateTerminated, subA.State())
		assert.Equal(t, StateFinished, a.Root().State())
		assert.Equal(t, ContextIdle, a.State())
	})

	t.Run("should leave the other context's subordinate running", func(t *testing.T) {
		assert.Equal(t, StateRunning, subB.State())
		assert.Equal(t, StateAwaitingSubordinate, b.Root().State())
		assert.Equal(t, ContextRunning, b.State())
		assert.Equal(t, 1, b.LiveSubordinates())
	})

	close(gateFor(b.ID).release)
	v, err = taskB.Await(ctx)
	require.NoError(t, err)

	t.Run("should finish the other context normally once released", func(t *testing.T) {
		outB := v.(Output)
		assert.True(t, outB.OK())
		assert.Equal(t, "root saw: sub done", outB.Text)
		assert.Equal(t, StateFinished, subB.State())
		assert.Equal(t, StateFinished, b.Root().State())
	})
}
