// Package notify provides broadcast notification primitives.
//
// A Signal wakes every goroutine waiting on it. The lock registry uses one
// to wake workers polling for a dataset lock, and sessions use one to wake
// callers blocked in Wait when a dataset reaches a terminal status.
package notify

import (
	"context"
	"sync"
	"time"
)

// Signal is a broadcast notification mechanism. Callers wait on C(),
// and any call to Notify() wakes all waiters by closing the channel
// and creating a fresh one.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel that is closed on the next Notify() call.
// Callers should re-call C() after each wakeup to get the next channel.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

// Wait blocks until the next Notify, until d elapses, or until ctx is done.
// It reports whether it was woken by Notify. A non-positive d waits without
// a timeout.
func (s *Signal) Wait(ctx context.Context, d time.Duration) bool {
	ch := s.C()
	if d <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// WaitFor blocks until cond returns true, re-evaluating it after every
// Notify and at least every poll interval. It returns ctx's error if ctx
// ends first.
func (s *Signal) WaitFor(ctx context.Context, poll time.Duration, cond func() bool) error {
	for {
		// Take the channel before checking so a Notify between the check
		// and the wait is not lost.
		ch := s.C()
		if cond() {
			return nil
		}
		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if poll > 0 {
			timer = time.NewTimer(poll)
			tick = timer.C
		}
		select {
		case <-ch:
		case <-tick:
		case <-ctx.Done():
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
