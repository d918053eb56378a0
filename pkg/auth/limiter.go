package auth

import (
	"sync"
	"time"
)

// LoginLimiter implements sliding window failed-login counting per client
type LoginLimiter struct {
	mu          sync.Mutex
	maxFailures int
	window      time.Duration
	failures    map[string][]time.Time
	now         func() time.Time
}

// NewLoginLimiter creates a limiter that locks a client out after
// maxFailures failures inside window.
func NewLoginLimiter(maxFailures int, window time.Duration) *LoginLimiter {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LoginLimiter{
		maxFailures: maxFailures,
		window:      window,
		failures:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allowed reports whether client may attempt another login.
func (l *LoginLimiter) Allowed(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(client)) < l.maxFailures
}

// RecordFailure counts a failed attempt and returns the failures in the window.
func (l *LoginLimiter) RecordFailure(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	valid := append(l.pruneLocked(client), l.now())
	l.failures[client] = valid
	return len(valid)
}

// Reset clears a client's failures after a successful login.
func (l *LoginLimiter) Reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, client)
}

// Sweep drops clients with no failures inside the window.
func (l *LoginLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for client := range l.failures {
		l.pruneLocked(client)
	}
}

// pruneLocked drops expired failures. Clients left with none are removed so
// checks from many addresses do not grow the map.
func (l *LoginLimiter) pruneLocked(client string) []time.Time {
	prior, ok := l.failures[client]
	if !ok {
		return nil
	}
	cutoff := l.now().Add(-l.window)
	valid := make([]time.Time, 0, len(prior))
	for _, at := range prior {
		if at.After(cutoff) {
			valid = append(valid, at)
		}
	}
	if len(valid) == 0 {
		delete(l.failures, client)
	} else {
		l.failures[client] = valid
	}
	return valid
}
