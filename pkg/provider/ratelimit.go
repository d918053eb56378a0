package provider

import (
	"context"
	"sync"
	"time"
)

const rateWindow = time.Minute

type tokenEntry struct {
	at     time.Time
	tokens int
}

// RateLimiter enforces a sliding one-minute window of requests and tokens.
// It is safe for concurrent use; the Dispatcher keeps one per provider.
type RateLimiter struct {
	mu       sync.Mutex
	provider string
	limits   Limits
	requests []time.Time
	tokens   []tokenEntry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// RateLimiterOption customizes a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithClock injects the time source and sleep function
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) RateLimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// NewRateLimiter creates a limiter for provider
func NewRateLimiter(provider string, limits Limits, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		provider: provider,
		limits:   limits,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimits replaces the budget, keeping the recorded window
func (l *RateLimiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

// Limits returns the current budget
func (l *RateLimiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// Acquire reserves one request and estTokens tokens. In block mode it waits
// until the window has room; in reject mode it fails with a rate_limited
// ProviderError. It returns how long it waited.
func (l *RateLimiter) Acquire(ctx context.Context, estTokens int) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		wait := l.waitLocked(now, estTokens)
		if wait <= 0 {
			l.requests = append(l.requests, now)
			if estTokens > 0 {
				l.tokens = append(l.tokens, tokenEntry{at: now, tokens: estTokens})
			}
			l.mu.Unlock()
			return waited, nil
		}
		mode := l.limits.Mode
		l.mu.Unlock()

		if mode == RateModeReject {
			return waited, &ProviderError{
				Kind:     KindRateLimited,
				Provider: l.provider,
				Message:  "retry after " + wait.Round(time.Millisecond).String(),
			}
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// RecordUsage adds tokens consumed beyond the estimate passed to Acquire
func (l *RateLimiter) RecordUsage(extraTokens int) {
	if extraTokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, tokenEntry{at: l.now(), tokens: extraTokens})
}

func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	l.requests = l.requests[i:]

	j := 0
	for j < len(l.tokens) && !l.tokens[j].at.After(cutoff) {
		j++
	}
	l.tokens = l.tokens[j:]
}

// waitLocked returns how long until a request of estTokens fits, or 0
func (l *RateLimiter) waitLocked(now time.Time, estTokens int) time.Duration {
	var wait time.Duration
	if l.limits.RPM > 0 && len(l.requests) >= l.limits.RPM {
		idx := len(l.requests) - l.limits.RPM
		wait = l.requests[idx].Add(rateWindow).Sub(now)
	}
	if l.limits.TPM > 0 && len(l.tokens) > 0 {
		used := 0
		for _, e := range l.tokens {
			used += e.tokens
		}
		// A single request larger than the whole budget waits for an empty
		// window rather than forever.
		need := min(estTokens, l.limits.TPM)
		excess := used + need - l.limits.TPM
		if excess > 0 {
			freed := 0
			for _, e := range l.tokens {
				freed += e.tokens
				if freed >= excess {
					if w := e.at.Add(rateWindow).Sub(now); w > wait {
						wait = w
					}
					break
				}
			}
		}
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
