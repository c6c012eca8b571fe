// Package lockreg grants mutual exclusion per dataset instance id.
//
// One Registry is shared by every session and worker in a process, so two
// workers from unrelated sessions never populate the same cached dataset at
// the same time. Lock never blocks; contenders poll with Wait.
package lockreg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridharvest/internal/notify"
)

var (
	// ErrAlreadyLocked is returned by Lock when the id is held.
	ErrAlreadyLocked = errors.New("dataset already locked")
	// ErrNotLocked is returned by Release when the id is not held.
	ErrNotLocked = errors.New("dataset not locked")
)

// DefaultPollInterval is the re-check interval used by Wait when none is
// given.
const DefaultPollInterval = 2 * time.Second

// Registry is a table of held dataset locks.
type Registry struct {
	mu       sync.Mutex
	held     map[string]struct{}
	released *notify.Signal
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		held:     make(map[string]struct{}),
		released: notify.NewSignal(),
	}
}

// Lock marks id as held.
func (r *Registry) Lock(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLocked, id)
	}
	r.held[id] = struct{}{}
	return nil
}

// Release clears the lock on id.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	if _, ok := r.held[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLocked, id)
	}
	delete(r.held, id)
	r.mu.Unlock()
	r.released.Notify()
	return nil
}

// IsLocked reports whether id is held.
func (r *Registry) IsLocked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[id]
	return ok
}

// Held returns the number of held locks.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// Wait blocks until id is not held, re-checking every interval and after
// every release. It does not acquire the lock: another contender may win
// the race, so callers retry Lock and wait again on ErrAlreadyLocked.
func (r *Registry) Wait(ctx context.Context, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return r.released.WaitFor(ctx, interval, func() bool { return !r.IsLocked(id) })
}
