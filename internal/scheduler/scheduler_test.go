package scheduler

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gridharvest/internal/logging"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := NewPool(size, logging.Discard())
	t.Cleanup(p.Close)
	return p
}

func waitStatus(t *testing.T, p *Pool, id string, want JobStatus) JobInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := p.GetJob(id); ok && info.Status == want {
			return info
		}
		time.Sleep(time.Millisecond)
	}
	info, _ := p.GetJob(id)
	t.Fatalf("job %s: status %v, want %v", id, info.Status, want)
	return info
}

func TestPool_SubmitAndGet(t *testing.T) {
	p := newTestPool(t, 2)

	id := p.Submit("ok", func(ctx context.Context) error { return nil })
	if id == "" {
		t.Fatal("expected non-empty job ID")
	}
	info := waitStatus(t, p, id, JobCompleted)
	if info.Name != "ok" {
		t.Errorf("name = %q, want ok", info.Name)
	}
	if info.Started.IsZero() || info.Finished.IsZero() {
		t.Errorf("timestamps not set: %+v", info)
	}

	failID := p.Submit("fail", func(ctx context.Context) error { return errors.New("boom") })
	info = waitStatus(t, p, failID, JobFailed)
	if info.Error != "boom" {
		t.Errorf("error = %q, want boom", info.Error)
	}

	if jobs := p.Jobs(); len(jobs) != 2 || jobs[0].ID != id {
		t.Errorf("Jobs: got %+v", jobs)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const size = 3
	p := newTestPool(t, size)

	var running, peak atomic.Int32
	release := make(chan struct{})
	for range 10 {
		p.Submit("busy", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				m := peak.Load()
				if n <= m || peak.CompareAndSwap(m, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Running() < size && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.Running(); got != size {
		t.Fatalf("running = %d, want %d", got, size)
	}
	close(release)
	p.Wait()

	if got := peak.Load(); got != size {
		t.Errorf("peak concurrency = %d, want %d", got, size)
	}
}

func TestPool_QueueDoesNotParkGoroutines(t *testing.T) {
	const size, jobs = 2, 1000
	p := newTestPool(t, size)

	before := runtime.NumGoroutine()
	release := make(chan struct{})
	for range jobs {
		p.Submit("blocked", func(ctx context.Context) error {
			<-release
			return nil
		})
	}

	if got := p.Queued(); got != jobs-size {
		t.Errorf("queued = %d, want %d", got, jobs-size)
	}
	if grew := runtime.NumGoroutine() - before; grew > size+10 {
		t.Errorf("%d goroutines started for %d queued jobs", grew, jobs)
	}

	close(release)
	p.Wait()
	if p.Queued() != 0 || p.Running() != 0 {
		t.Errorf("after Wait: queued %d running %d", p.Queued(), p.Running())
	}
}

func TestPool_RunsInSubmissionOrder(t *testing.T) {
	p := newTestPool(t, 1)

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})
	p.Submit("gate", func(ctx context.Context) error {
		<-gate
		return nil
	})
	for i := range 5 {
		p.Submit("ordered", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	close(gate)
	p.Wait()

	if !slices.Equal(order, []int{0, 1, 2, 3, 4}) {
		t.Errorf("order = %v", order)
	}
}

func TestPool_CloseCancels(t *testing.T) {
	p := NewPool(1, logging.Discard())

	started := make(chan struct{})
	running := p.Submit("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	queued := p.Submit("queued", func(ctx context.Context) error {
		t.Error("queued job should never run")
		return nil
	})

	p.Close()

	for _, id := range []string{running, queued} {
		info, ok := p.GetJob(id)
		if !ok || info.Status != JobCancelled {
			t.Errorf("job %s: %+v, want cancelled", id, info)
		}
	}

	late := p.Submit("late", func(ctx context.Context) error { return nil })
	if info, _ := p.GetJob(late); info.Status != JobCancelled {
		t.Errorf("job submitted after Close: %v, want cancelled", info.Status)
	}
}

func TestCron_AddRemoveUpdate(t *testing.T) {
	c, err := NewCron(logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	if err := c.AddJob("retry", "0 */5 * * * *", func() {}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := c.AddJob("retry", "0 */5 * * * *", func() {}); err == nil {
		t.Fatal("expected duplicate job error")
	}
	if err := c.AddJob("bad", "not a cron", func() {}); err == nil {
		t.Fatal("expected invalid expression error")
	}
	if !c.HasJob("retry") {
		t.Fatal("retry job missing")
	}

	if err := c.UpdateJob("retry", "0 0 * * * *", func() {}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	jobs := c.ListJobs()
	if len(jobs) != 1 || jobs[0].Schedule != "0 0 * * * *" {
		t.Fatalf("ListJobs: %+v", jobs)
	}

	c.RemoveJob("retry")
	c.RemoveJob("retry")
	if c.HasJob("retry") {
		t.Fatal("retry job still registered")
	}
}

func TestCron_Runs(t *testing.T) {
	c, err := NewCron(logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	fired := make(chan struct{}, 1)
	if err := c.AddJob("tick", "* * * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}
	c.Start()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron job never fired")
	}
}

func TestValidateCron(t *testing.T) {
	if err := ValidateCron("0 */10 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateCron("every tuesday"); err == nil {
		t.Error("invalid expression accepted")
	}
}
