package provider

import (
	"sync"
	"sync/atomic"
)

// Rotator hands out credential indices round-robin from one shared counter
// per provider, so concurrent callers spread evenly over the keys.
type Rotator struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewRotator creates an empty rotator
func NewRotator() *Rotator {
	return &Rotator{counters: make(map[string]*atomic.Uint64)}
}

// Next returns the next index in [0, n) for provider
func (r *Rotator) Next(provider string, n int) int {
	if n <= 1 {
		return 0
	}
	return int((r.counter(provider).Add(1) - 1) % uint64(n))
}

func (r *Rotator) counter(provider string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[provider]
	if !ok {
		c = &atomic.Uint64{}
		r.counters[provider] = c
	}
	return c
}
