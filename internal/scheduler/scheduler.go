// Package scheduler runs pipeline jobs on fixed intervals and on demand. A job never
// overlaps with itself: runs are collapsed in-process with singleflight and across
// processes with a domain.JobLock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const releaseTimeout = 5 * time.Second

// RunFunc is one execution of a job, usually a use case's RunOnce.
type RunFunc func(ctx context.Context) error

// JobStatus is the last known state of a registered job.
type JobStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	LastStarted  *time.Time    `json:"last_started,omitempty"`
	LastFinished *time.Time    `json:"last_finished,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int           `json:"runs"`
}

type job struct {
	name     string
	interval time.Duration
	run      RunFunc

	mu     sync.Mutex
	status JobStatus
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Scheduler owns the timing of every registered job.
type Scheduler struct {
	lock    domain.JobLock
	lockTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group
	jobs  map[string]*job

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a scheduler. lock may be nil when a single process runs the jobs.
func New(lock domain.JobLock, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		lock:    lock,
		lockTTL: lockTTL,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		jobs:    make(map[string]*job),
		baseCtx: context.Background(),
	}
}

// Register adds a job. An interval <= 0 registers a job that only runs on demand.
// Register must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, run RunFunc) {
	s.jobs[name] = &job{
		name:     name,
		interval: interval,
		run:      run,
		status:   JobStatus{Name: name, Interval: interval},
	}
}

// Start runs every periodic job once and then on its interval, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	for _, j := range s.jobs {
		if j.interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if err := s.RunNow(ctx, j.name); err != nil && !errors.Is(err, domain.ErrJobInProgress) && ctx.Err() == nil {
			s.logger.Error("Scheduled job failed", "job", j.name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until all job loops and triggered runs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow runs the job and waits for it. If the job is already running in this process
// the caller joins that run and receives its result.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownJob, name)
	}
	_, err, _ := s.group.Do(name, func() (interface{}, error) {
		return nil, s.execute(ctx, j)
	})
	return err
}

// Trigger starts the job in the background. It fails fast when the job is unknown or
// already running in this process.
func (s *Scheduler) Trigger(name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownJob, name)
	}
	if j.snapshot().Running {
		return fmt.Errorf("%w: %s", domain.ErrJobInProgress, name)
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RunNow(ctx, name); err != nil && !errors.Is(err, domain.ErrJobInProgress) {
			s.logger.Error("Triggered job failed", "job", name, "error", err)
		}
	}()
	return nil
}

// Jobs returns the status of every registered job, ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	logger := s.logger.With("job", j.name, "run_id", uuid.NewString())

	if s.lock != nil {
		release, acquired, err := s.lock.Acquire(ctx, j.name, s.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire job lock: %w", err)
		}
		if !acquired {
			logger.Info("Job is running in another process, skipping")
			return fmt.Errorf("%w: %s", domain.ErrJobInProgress, j.name)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				logger.Warn("Failed to release job lock", "error", err)
			}
		}()
	}

	started := s.now().UTC()
	j.mu.Lock()
	j.status.Running = true
	j.status.LastStarted = &started
	j.mu.Unlock()

	logger.Info("Job started")
	err := j.run(ctx)

	finished := s.now().UTC()
	j.mu.Lock()
	j.status.Running = false
	j.status.LastFinished = &finished
	j.status.Runs++
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		return err
	}
	logger.Info("Job finished", "duration", finished.Sub(started))
	return nil
}
