package callgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32
	started := make(chan struct{})

	fn := func() (int, error) {
		calls.Add(1)
		close(started)
		time.Sleep(50 * time.Millisecond)
		return 42, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result[int], n)

	// First caller starts the work.
	wg.Go(func() {
		results[0] = <-g.DoChan("q", fn)
	})

	// Wait for fn to start, then pile on.
	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			results[i] = <-g.DoChan("q", fn)
		})
	}

	wg.Wait()

	for i, r := range results {
		if r.Err != nil {
			t.Errorf("caller %d got error: %v", i, r.Err)
		}
		if r.Val != 42 {
			t.Errorf("caller %d got %d, want 42", i, r.Val)
		}
	}
	if results[0].Shared {
		t.Error("initiating caller marked as shared")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []int{1, 2, 3} {
		wg.Go(func() {
			r := <-g.DoChan(key, func() (int, error) {
				calls.Add(1)
				return key * 10, nil
			})
			if r.Val != key*10 {
				t.Errorf("key %d got %d", key, r.Val)
			}
		})
	}

	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int, string]
	sentinel := errors.New("failed")
	started := make(chan struct{})

	ch1 := g.DoChan(1, func() (string, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "", sentinel
	})
	<-started

	if !g.InFlight(1) {
		t.Error("expected call in flight")
	}

	ch2 := g.DoChan(1, func() (string, error) {
		t.Error("should not execute")
		return "", nil
	})

	r1 := <-ch1
	r2 := <-ch2

	if !errors.Is(r1.Err, sentinel) {
		t.Errorf("caller 1: got %v, want %v", r1.Err, sentinel)
	}
	if !errors.Is(r2.Err, sentinel) || !r2.Shared {
		t.Errorf("caller 2: got %v shared=%v, want %v", r2.Err, r2.Shared, sentinel)
	}
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		return int(calls.Add(1)), nil
	}

	if r := <-g.DoChan(1, fn); r.Err != nil || r.Val != 1 {
		t.Fatalf("first call: %+v", r)
	}
	// The key is forgotten once the call returns; give the cleanup goroutine
	// a moment to run.
	deadline := time.Now().Add(time.Second)
	for g.InFlight(1) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r := <-g.DoChan(1, fn); r.Err != nil || r.Val != 2 {
		t.Fatalf("second call: %+v", r)
	}
}

func TestDoCallerCancel(t *testing.T) {
	var g Group[string, string]
	release := make(chan struct{})
	fn := func() (string, error) {
		<-release
		return "body", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "u", fn)
		first <- err
	}()
	for !g.InFlight("u") {
		time.Sleep(time.Millisecond)
	}

	second := make(chan Result[string], 1)
	go func() {
		v, shared, err := g.Do(context.Background(), "u", fn)
		second <- Result[string]{Val: v, Shared: shared, Err: err}
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: expected context.Canceled, got %v", err)
	}
	if !g.InFlight("u") {
		t.Fatal("shared call should survive the cancelled caller")
	}

	close(release)
	r := <-second
	if r.Err != nil || r.Val != "body" {
		t.Fatalf("second caller: got %+v", r)
	}
}
