package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *scheduler.Pool {
	logger := zerolog.Nop()
	pool := scheduler.NewPool(scheduler.PoolConfig{Logger: &logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func TestBootstrap(t *testing.T) {
	t.Run("should start each stage after the previous one finished", func(t *testing.T) {
		var mu sync.Mutex
		var order []string
		stage := func(name string, d time.Duration) Stage {
			return Stage{Name: name, Run: func(ctx context.Context) error {
				// Sleeping outside the lane lets later stages try to jump ahead
				_ = scheduler.Suspend(ctx, func(context.Context) error {
					time.Sleep(d)
					return nil
				})
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			}}
		}

		b := NewBootstrap(newTestPool(t), []Stage{
			stage("slow", 50*time.Millisecond),
			stage("fast", 0),
			stage("medium", 20*time.Millisecond),
		}, zerolog.Nop())
		assert.False(t, b.Done())

		b.Start(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Wait(ctx))

		assert.True(t, b.Done())
		assert.Equal(t, []string{"slow", "fast", "medium"}, order)

		records := b.Records()
		for i := 1; i < len(records); i++ {
			assert.False(t, records[i].StartedAt.Before(records[i-1].FinishedAt))
			assert.Equal(t, "done", records[i].State)
		}
	})

	t.Run("should keep going after a failed stage", func(t *testing.T) {
		ran := false
		b := NewBootstrap(newTestPool(t), []Stage{
			{Name: "broken", Run: func(context.Context) error { return errors.New("disk gone") }},
			{Name: "after", Run: func(context.Context) error { ran = true; return nil }},
		}, zerolog.Nop())

		b.Start(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := b.Wait(ctx)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken: disk gone")
		assert.True(t, ran)
		records := b.Records()
		assert.Equal(t, "failed", records[0].State)
		assert.Equal(t, "done", records[1].State)
	})

	t.Run("should mark stages cancelled before they ran", func(t *testing.T) {
		release := make(chan struct{})
		b := NewBootstrap(newTestPool(t), []Stage{
			{Name: "blocking", Run: func(ctx context.Context) error {
				return scheduler.Suspend(ctx, func(ctx context.Context) error {
					select {
					case <-release:
					case <-ctx.Done():
					}
					return ctx.Err()
				})
			}},
			{Name: "never", Run: func(context.Context) error { return nil }},
		}, zerolog.Nop())

		b.Start(context.Background())
		require.Eventually(t, func() bool {
			return b.Records()[0].State == "running"
		}, 5*time.Second, 5*time.Millisecond)

		b.Cancel()
		close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.Error(t, b.Wait(ctx))
		assert.Equal(t, "cancelled", b.Records()[1].State)
	})

	t.Run("should finish immediately without stages", func(t *testing.T) {
		b := NewBootstrap(newTestPool(t), nil, zerolog.Nop())
		b.Start(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, b.Wait(ctx))
	})
}
