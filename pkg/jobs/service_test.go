package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) actions() []EventAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventAction, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Action)
	}
	return out
}

func newTestService(t *testing.T, mutate ...func(*Config)) (*Service, *eventLog) {
	t.Helper()
	events := &eventLog{}
	cfg := Config{OnEvent: events.record, Logger: zerolog.Nop()}
	for _, m := range mutate {
		m(&cfg)
	}
	svc := NewService(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc, events
}

func TestService(t *testing.T) {
	t.Run("should run jobs on their interval after start", func(t *testing.T) {
		svc, _ := newTestService(t)
		var runs atomic.Int32
		require.NoError(t, svc.Add("tick", Every(20*time.Millisecond), func(context.Context) error {
			runs.Add(1)
			return nil
		}))

		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, int32(0), runs.Load(), "jobs must not fire before Start")

		require.NoError(t, svc.Start())
		assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

		state, err := svc.State("tick")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, state.LastStatus)
		assert.True(t, state.NextRunAt.After(state.LastRunAt))
	})

	t.Run("should record failures and reset on success", func(t *testing.T) {
		svc, events := newTestService(t)
		fail := true
		require.NoError(t, svc.Add("flaky", Every(time.Hour), func(context.Context) error {
			if fail {
				return errors.New("disk full")
			}
			return nil
		}))

		state, err := svc.RunNow(context.Background(), "flaky")
		require.NoError(t, err)
		assert.Equal(t, StatusError, state.LastStatus)
		assert.Equal(t, "disk full", state.LastError)
		_, err = svc.RunNow(context.Background(), "flaky")
		require.NoError(t, err)
		state, _ = svc.State("flaky")
		assert.Equal(t, 2, state.ConsecutiveErrors)

		fail = false
		state, err = svc.RunNow(context.Background(), "flaky")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, state.LastStatus)
		assert.Empty(t, state.LastError)
		assert.Zero(t, state.ConsecutiveErrors)
		assert.Equal(t, 3, state.Runs)

		assert.Equal(t, []EventAction{
			EventActionAdded,
			EventActionStarted, EventActionFinished,
			EventActionStarted, EventActionFinished,
			EventActionStarted, EventActionFinished,
		}, events.actions())
	})

	t.Run("should skip a tick while the previous run is in progress", func(t *testing.T) {
		svc, _ := newTestService(t)
		release := make(chan struct{})
		started := make(chan struct{})
		require.NoError(t, svc.Add("slow", Every(time.Hour), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}))

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = svc.RunNow(context.Background(), "slow")
		}()
		<-started

		state, err := svc.RunNow(context.Background(), "slow")
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, state.LastStatus)
		assert.True(t, state.Running)

		close(release)
		<-done
		state, _ = svc.State("slow")
		assert.Equal(t, StatusOK, state.LastStatus)
		assert.Equal(t, 1, state.Runs)
	})

	t.Run("should bound runs with the timeout", func(t *testing.T) {
		svc, _ := newTestService(t, func(c *Config) { c.Timeout = 20 * time.Millisecond })
		require.NoError(t, svc.Add("stuck", Every(time.Hour), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
		state, err := svc.RunNow(context.Background(), "stuck")
		require.NoError(t, err)
		assert.Equal(t, StatusError, state.LastStatus)
		assert.Contains(t, state.LastError, "deadline exceeded")
	})

	t.Run("should run bodies on the configured lane", func(t *testing.T) {
		nop := zerolog.Nop()
		pool := scheduler.NewPool(scheduler.PoolConfig{Logger: &nop})
		t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
		lane := pool.SpawnLane("jobs")
		svc, _ := newTestService(t, func(c *Config) { c.Lane = lane })

		var seen string
		require.NoError(t, svc.Add("where", Every(time.Hour), func(ctx context.Context) error {
			seen = scheduler.CurrentLane(ctx)
			return nil
		}))
		_, err := svc.RunNow(context.Background(), "where")
		require.NoError(t, err)
		assert.Equal(t, "jobs", seen)
	})

	t.Run("should list, replace and remove jobs", func(t *testing.T) {
		svc, _ := newTestService(t)
		noop := func(context.Context) error { return nil }
		require.NoError(t, svc.Add("b", Every(time.Minute), noop))
		require.NoError(t, svc.Add("a", Cron("@daily"), noop))
		require.NoError(t, svc.Add("b", Every(2*time.Minute), noop))

		list := svc.List()
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].Name)
		assert.Equal(t, 2*time.Minute, list[1].Schedule.Every)

		require.NoError(t, svc.Remove("a"))
		assert.Error(t, svc.Remove("a"))
		_, err := svc.RunNow(context.Background(), "a")
		assert.Error(t, err)
	})

	t.Run("should validate input and refuse work after stop", func(t *testing.T) {
		svc, _ := newTestService(t)
		noop := func(context.Context) error { return nil }
		assert.Error(t, svc.Add("", Every(time.Minute), noop))
		assert.Error(t, svc.Add("x", Every(time.Minute), nil))
		assert.Error(t, svc.Add("x", Cron("bogus"), noop))

		require.NoError(t, svc.Stop(context.Background()))
		assert.Error(t, svc.Add("x", Every(time.Minute), noop))
		assert.Error(t, svc.Start())
		assert.NoError(t, svc.Stop(context.Background()))
	})
}

type fakeFlusher struct {
	n   int
	err error
}

func (f fakeFlusher) FlushAll(context.Context) (int, error) { return f.n, f.err }

type fakeSweeper struct{ ttl time.Duration }

func (f *fakeSweeper) SweepIdle(_ context.Context, ttl time.Duration) []string {
	f.ttl = ttl
	return []string{"abc"}
}

type fakeSessions struct{ calls int }

func (f *fakeSessions) Sweep() int {
	f.calls++
	return 1
}

func TestBuiltinJobs(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("should propagate flush errors", func(t *testing.T) {
		assert.NoError(t, HistoryFlush(fakeFlusher{n: 2}, logger)(ctx))
		assert.Error(t, HistoryFlush(fakeFlusher{err: errors.New("io")}, logger)(ctx))
	})

	t.Run("should pass the ttl to the sweeper", func(t *testing.T) {
		s := &fakeSweeper{}
		require.NoError(t, ContextSweep(s, time.Hour, logger)(ctx))
		assert.Equal(t, time.Hour, s.ttl)
	})

	t.Run("should sweep sessions", func(t *testing.T) {
		s := &fakeSessions{}
		require.NoError(t, SessionSweep(s, logger)(ctx))
		assert.Equal(t, 1, s.calls)
	})
}
