package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter_RequestsBlock(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(OpenAI, Limits{RPM: 2, Mode: RateModeBlock}, WithClock(clock.Now, clock.Sleep))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		waited, err := l.Acquire(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, waited)
	}

	clock.Advance(10 * time.Second)
	waited, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Second, waited)
	assert.Equal(t, []time.Duration{50 * time.Second}, clock.slept)
}

func TestRateLimiter_RequestsReject(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(Anthropic, Limits{RPM: 1, Mode: RateModeReject}, WithClock(clock.Now, clock.Sleep))
	ctx := context.Background()

	_, err := l.Acquire(ctx, 0)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Empty(t, clock.slept)

	t.Run("should admit again once the window slides", func(t *testing.T) {
		clock.Advance(time.Minute)
		_, err := l.Acquire(ctx, 0)
		assert.NoError(t, err)
	})
}

func TestRateLimiter_Tokens(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(Gemini, Limits{TPM: 100, Mode: RateModeBlock}, WithClock(clock.Now, clock.Sleep))
	ctx := context.Background()

	_, err := l.Acquire(ctx, 60)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	waited, err := l.Acquire(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, waited)

	t.Run("should count recorded usage", func(t *testing.T) {
		clock := newFakeClock()
		l := NewRateLimiter(Gemini, Limits{TPM: 100, Mode: RateModeReject}, WithClock(clock.Now, clock.Sleep))
		_, err := l.Acquire(ctx, 10)
		require.NoError(t, err)
		l.RecordUsage(85)

		_, err = l.Acquire(ctx, 10)
		assert.True(t, errors.Is(err, ErrRateLimited))
	})

	t.Run("should admit an oversized request into an empty window", func(t *testing.T) {
		clock := newFakeClock()
		l := NewRateLimiter(Gemini, Limits{TPM: 100, Mode: RateModeReject}, WithClock(clock.Now, clock.Sleep))
		_, err := l.Acquire(ctx, 500)
		assert.NoError(t, err)
	})
}

func TestRateLimiter_Unlimited(t *testing.T) {
	l := NewRateLimiter(OpenAI, Limits{})
	for i := 0; i < 100; i++ {
		_, err := l.Acquire(context.Background(), 1000)
		require.NoError(t, err)
	}
}

func TestRateLimiter_BlockHonoursContext(t *testing.T) {
	l := NewRateLimiter(OpenAI, Limits{RPM: 1, Mode: RateModeBlock})
	_, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
