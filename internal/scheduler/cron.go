package scheduler

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"gridharvest/internal/logging"
)

// CronJobInfo describes a registered cron job for external inspection.
type CronJobInfo struct {
	ID       string    // unique job ID (gocron UUID)
	Name     string    // human-readable name (e.g. "retry:cmip5-tas")
	Schedule string    // cron expression
	LastRun  time.Time // zero if never run
	NextRun  time.Time // zero if not scheduled
}

// Cron runs named jobs on cron schedules. Expressions include a seconds
// field.
type Cron struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job // name → job
	schedules map[string]string     // name → cron expression (for ListJobs)
	logger    *slog.Logger
}

// NewCron creates a stopped cron scheduler.
func NewCron(logger *slog.Logger) (*Cron, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Cron{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		schedules: make(map[string]string),
		logger:    logging.Default(logger).With("component", "scheduler"),
	}, nil
}

// AddJob registers a named cron job. Names are unique.
func (c *Cron) AddJob(name, cronExpr string, fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := c.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	c.jobs[name] = j
	c.schedules[name] = cronExpr
	c.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// RemoveJob stops and removes a named job. No-op if the job doesn't exist.
func (c *Cron) RemoveJob(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[name]
	if !ok {
		return
	}
	if err := c.scheduler.RemoveJob(j.ID()); err != nil {
		c.logger.Warn("failed to remove scheduled job", "name", name, "error", err)
	}
	delete(c.jobs, name)
	delete(c.schedules, name)
	c.logger.Info("scheduled job removed", "name", name)
}

// UpdateJob replaces a named job with a new schedule, creating it if
// missing.
func (c *Cron) UpdateJob(name, cronExpr string, fn func()) error {
	c.RemoveJob(name)
	return c.AddJob(name, cronExpr, fn)
}

// HasJob reports whether a job with the given name exists.
func (c *Cron) HasJob(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[name]
	return ok
}

// ListJobs returns info about all registered jobs, ordered by name.
func (c *Cron) ListJobs() []CronJobInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]CronJobInfo, 0, len(c.jobs))
	for name, j := range c.jobs {
		info := CronJobInfo{
			ID:       j.ID().String(),
			Name:     name,
			Schedule: c.schedules[name],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b CronJobInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return infos
}

// Start begins executing all registered jobs.
func (c *Cron) Start() {
	c.scheduler.Start()
	c.logger.Info("scheduler started", "jobs", len(c.jobs))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (c *Cron) Stop() error {
	return c.scheduler.Shutdown()
}

// ValidateCron reports whether expr is a valid cron expression with a
// seconds field.
func ValidateCron(expr string) error {
	if err := gocron.NewDefaultCron(true).IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
