package lockreg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockRelease(t *testing.T) {
	r := New()

	if err := r.Lock("ds1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !r.IsLocked("ds1") {
		t.Fatal("ds1 should be locked")
	}
	if err := r.Lock("ds1"); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Lock: got %v, want ErrAlreadyLocked", err)
	}
	if err := r.Lock("ds2"); err != nil {
		t.Fatalf("Lock other id: %v", err)
	}
	if got := r.Held(); got != 2 {
		t.Errorf("Held: got %d, want 2", got)
	}

	if err := r.Release("ds1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if r.IsLocked("ds1") {
		t.Fatal("ds1 should be released")
	}
	if err := r.Release("ds1"); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("second Release: got %v, want ErrNotLocked", err)
	}
}

func TestWaitWokenByRelease(t *testing.T) {
	r := New()
	if err := r.Lock("ds"); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Release("ds")
	}()

	start := time.Now()
	// The poll interval is far longer than the test; only the release
	// notification can end the wait in time.
	if err := r.Wait(context.Background(), "ds", time.Minute); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait took %v", elapsed)
	}
}

func TestWaitContext(t *testing.T) {
	r := New()
	if err := r.Lock("ds"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, "ds", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	r := New()
	var holders, maxHolders atomic.Int32

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for {
				if err := r.Lock("shared"); err == nil {
					break
				}
				if err := r.Wait(context.Background(), "shared", time.Millisecond); err != nil {
					t.Error(err)
					return
				}
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			if err := r.Release("shared"); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	if got := maxHolders.Load(); got != 1 {
		t.Fatalf("max concurrent holders: got %d, want 1", got)
	}
}
