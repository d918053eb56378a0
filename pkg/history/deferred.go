package history

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
)

// ErrNotReady is returned by TryStore before Resolve
var ErrNotReady = errors.New("history store not ready")

// Deferred is a Store whose backing store is supplied later, typically by
// the persistence init stage. Calls block until Resolve, releasing the
// caller's lane while they wait.
type Deferred struct {
	ready chan struct{}
	once  sync.Once
	store Store
	err   error
}

// NewDeferred creates an unresolved store
func NewDeferred() *Deferred {
	return &Deferred{ready: make(chan struct{})}
}

// Resolve supplies the backing store or the error that prevented opening
// it. Only the first call has an effect.
func (d *Deferred) Resolve(store Store, err error) {
	d.once.Do(func() {
		d.store = store
		d.err = err
		if store == nil && err == nil {
			d.err = errors.New("history store resolved to nil")
		}
		close(d.ready)
	})
}

// Ready is closed once Resolve has been called
func (d *Deferred) Ready() <-chan struct{} {
	return d.ready
}

// TryStore returns the backing store without waiting
func (d *Deferred) TryStore() (Store, error) {
	select {
	case <-d.ready:
		return d.store, d.err
	default:
		return nil, ErrNotReady
	}
}

// Wait blocks until the store is resolved or ctx ends
func (d *Deferred) Wait(ctx context.Context) (Store, error) {
	select {
	case <-d.ready:
		return d.store, d.err
	default:
	}
	err := scheduler.Suspend(ctx, func(ctx context.Context) error {
		select {
		case <-d.ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}
	return d.store, d.err
}

func (d *Deferred) LoadHistory(ctx context.Context, contextID string) ([]provider.Message, error) {
	s, err := d.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return s.LoadHistory(ctx, contextID)
}

func (d *Deferred) SaveHistory(ctx context.Context, contextID string, messages []provider.Message) error {
	s, err := d.Wait(ctx)
	if err != nil {
		return err
	}
	return s.SaveHistory(ctx, contextID, messages)
}

func (d *Deferred) DeleteHistory(ctx context.Context, contextID string) error {
	s, err := d.Wait(ctx)
	if err != nil {
		return err
	}
	return s.DeleteHistory(ctx, contextID)
}

func (d *Deferred) ListHistories(ctx context.Context) ([]string, error) {
	s, err := d.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return s.ListHistories(ctx)
}

// Close closes the backing store if one was resolved
func (d *Deferred) Close() error {
	s, err := d.TryStore()
	if err != nil || s == nil {
		return nil
	}
	return s.Close()
}
