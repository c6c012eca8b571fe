// Package scheduler runs background work: a bounded pool shared by every
// search session for harvesting and download jobs, and a cron scheduler
// for periodic maintenance such as retrying failed datasets.
package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"gridharvest/internal/logging"
)

// DefaultPoolSize is the number of jobs run concurrently by default.
const DefaultPoolSize = 7

// maxRetainedJobs bounds how many finished jobs stay inspectable.
const maxRetainedJobs = 1000

// JobStatus is the lifecycle state of a pool job.
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Finished reports whether s is terminal.
func (s JobStatus) Finished() bool {
	return s >= JobCompleted
}

// JobInfo is a snapshot of one job.
type JobInfo struct {
	ID        string
	Name      string
	Status    JobStatus
	Error     string
	Submitted time.Time
	Started   time.Time
	Finished  time.Time
}

// Pool runs submitted jobs with bounded concurrency. It is shared, not
// owned: sessions and the download coordinator submit to one pool.
//
// Submitted jobs wait in a FIFO queue; at most size goroutines exist at any
// time, however many jobs are queued.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	jobs     map[string]*JobInfo
	finished []string
	running  int
	pending  []pendingJob
}

type pendingJob struct {
	info *JobInfo
	fn   func(ctx context.Context) error
}

// NewPool creates a pool running at most size jobs at once. A non-positive
// size selects DefaultPoolSize.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.Default(logger).With("component", "scheduler"),
		now:    time.Now,
		jobs:   make(map[string]*JobInfo),
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int { return p.size }

// Submit queues fn and returns the job id. fn receives a context that is
// cancelled when the pool closes. Jobs submitted after Close are recorded
// as cancelled and never run.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) string {
	id := uuid.Must(uuid.NewV7()).String()
	info := &JobInfo{ID: id, Name: name, Status: JobQueued, Submitted: p.now()}

	p.mu.Lock()
	p.jobs[id] = info
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		p.finish(info, JobCancelled, p.ctx.Err())
		return id
	}
	p.wg.Add(1)
	p.pending = append(p.pending, pendingJob{info: info, fn: fn})
	p.mu.Unlock()

	p.dispatch()
	return id
}

// dispatch starts queued jobs while a slot is free. A job that finishes
// frees its slot before dispatching again, so a queued job is never left
// behind with an idle slot.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 || !p.sem.TryAcquire(1) {
			p.mu.Unlock()
			return
		}
		job := p.pending[0]
		p.pending[0] = pendingJob{}
		p.pending = p.pending[1:]
		p.mu.Unlock()

		go p.run(job)
	}
}

func (p *Pool) run(job pendingJob) {
	defer p.wg.Done()
	defer p.dispatch()
	defer p.sem.Release(1)

	info := job.info
	if err := p.ctx.Err(); err != nil {
		p.finish(info, JobCancelled, err)
		return
	}

	p.mu.Lock()
	info.Status = JobRunning
	info.Started = p.now()
	p.running++
	p.mu.Unlock()

	err := job.fn(p.ctx)

	p.mu.Lock()
	p.running--
	p.mu.Unlock()

	status := JobCompleted
	switch {
	case err != nil && p.ctx.Err() != nil:
		status = JobCancelled
	case err != nil:
		status = JobFailed
	}
	p.finish(info, status, err)
}

func (p *Pool) finish(info *JobInfo, status JobStatus, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info.Status = status
	info.Finished = p.now()
	if err != nil {
		info.Error = err.Error()
	}
	p.finished = append(p.finished, info.ID)
	for len(p.finished) > maxRetainedJobs {
		delete(p.jobs, p.finished[0])
		p.finished = p.finished[1:]
	}
	if status == JobFailed {
		p.logger.Debug("job failed", "job", info.ID, "name", info.Name, "error", err)
	}
}

// GetJob returns a snapshot of one job.
func (p *Pool) GetJob(id string) (JobInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return *info, true
}

// Jobs returns snapshots of every known job, oldest first.
func (p *Pool) Jobs() []JobInfo {
	p.mu.Lock()
	out := make([]JobInfo, 0, len(p.jobs))
	for _, info := range p.jobs {
		out = append(out, *info)
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b JobInfo) int {
		return a.Submitted.Compare(b.Submitted)
	})
	return out
}

// Queued returns the number of jobs waiting for a slot.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close cancels queued and running jobs and waits for them to return.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, job := range queued {
		p.finish(job.info, JobCancelled, p.ctx.Err())
		p.wg.Done()
	}
	p.wg.Wait()
}
