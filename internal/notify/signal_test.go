package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyWakesAllWaiters(t *testing.T) {
	s := NewSignal()
	const n = 5
	var woken atomic.Int32
	var ready, done sync.WaitGroup
	for range n {
		ready.Add(1)
		done.Go(func() {
			ch := s.C()
			ready.Done()
			<-ch
			woken.Add(1)
		})
	}
	ready.Wait()
	s.Notify()
	done.Wait()
	if got := woken.Load(); got != n {
		t.Fatalf("woke %d waiters, want %d", got, n)
	}
}

func TestWaitTimeout(t *testing.T) {
	s := NewSignal()
	if s.Wait(context.Background(), 10*time.Millisecond) {
		t.Fatal("Wait reported a notification that never happened")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Notify()
	}()
	if !s.Wait(context.Background(), time.Second) {
		t.Fatal("Wait missed the notification")
	}
}

func TestWaitFor(t *testing.T) {
	s := NewSignal()
	var flag atomic.Bool

	go func() {
		time.Sleep(10 * time.Millisecond)
		flag.Store(true)
		s.Notify()
	}()
	// A long poll interval proves the Notify, not the ticker, ends the wait.
	if err := s.WaitFor(context.Background(), time.Minute, flag.Load); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitFor(ctx, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Fatal("expected context error")
	}
}
