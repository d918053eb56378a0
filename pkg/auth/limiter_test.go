package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoginLimiter(t *testing.T) {
	newLimiter := func() (*LoginLimiter, *time.Time) {
		now := time.Unix(1_700_000_000, 0)
		l := NewLoginLimiter(3, time.Minute)
		l.now = func() time.Time { return now }
		return l, &now
	}

	t.Run("should lock a client out after max failures", func(t *testing.T) {
		l, _ := newLimiter()
		for i := 1; i <= 3; i++ {
			assert.True(t, l.Allowed("10.0.0.1"))
			assert.Equal(t, i, l.RecordFailure("10.0.0.1"))
		}
		assert.False(t, l.Allowed("10.0.0.1"))
		assert.True(t, l.Allowed("10.0.0.2"))
	})

	t.Run("should forget failures outside the window", func(t *testing.T) {
		l, now := newLimiter()
		for i := 0; i < 3; i++ {
			l.RecordFailure("10.0.0.1")
		}
		*now = now.Add(2 * time.Minute)

		assert.True(t, l.Allowed("10.0.0.1"))
		assert.Empty(t, l.failures)
	})

	t.Run("should not grow when checking clients without failures", func(t *testing.T) {
		l, _ := newLimiter()
		for i := 0; i < 1000; i++ {
			assert.True(t, l.Allowed(fmt.Sprintf("10.0.%d.%d", i/256, i%256)))
		}
		assert.Empty(t, l.failures)
	})

	t.Run("should sweep expired clients and keep recent ones", func(t *testing.T) {
		l, now := newLimiter()
		l.RecordFailure("old")
		*now = now.Add(45 * time.Second)
		l.RecordFailure("recent")
		*now = now.Add(30 * time.Second)

		l.Sweep()
		assert.Len(t, l.failures, 1)
		assert.Contains(t, l.failures, "recent")
	})

	t.Run("should clear a client on reset", func(t *testing.T) {
		l, _ := newLimiter()
		l.RecordFailure("10.0.0.1")
		l.Reset("10.0.0.1")
		assert.Empty(t, l.failures)
		assert.True(t, l.Allowed("10.0.0.1"))
	})
}
