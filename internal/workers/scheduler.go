// Package workers provides the background job scheduler for periodic
// maintenance tasks such as reconciliation sweeps.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function into a Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// SchedulerError is a scheduler failure.
type SchedulerError struct {
	Message string
}

func (e *SchedulerError) Error() string { return e.Message }

var (
	ErrSchedulerStopped = &SchedulerError{Message: "scheduler is stopped"}
	ErrShutdownTimeout  = &SchedulerError{Message: "shutdown timed out"}
)

// Config configures the scheduler.
type Config struct {
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		JobTimeout:      2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats tracks scheduler activity.
type Stats struct {
	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
	Panics   int64 `json:"panics"`
}

type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler runs registered jobs at fixed intervals, one goroutine per
// job so a slow sweep never delays another.
type Scheduler struct {
	logger *zap.Logger
	config Config

	mu      sync.Mutex
	entries []entry

	runs     atomic.Int64
	failures atomic.Int64
	panics   atomic.Int64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *zap.Logger, config Config) *Scheduler {
	return &Scheduler{
		logger: logger.Named("scheduler"),
		config: config,
	}
}

// Schedule registers a job to run every interval. Must be called
// before Start.
func (s *Scheduler) Schedule(job Job, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Start launches the job loops.
func (s *Scheduler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(e)
	}
	count := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("scheduler started", zap.Int("jobs", count))
}

// RunNow executes a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	if !s.running.Load() {
		return ErrSchedulerStopped
	}

	s.mu.Lock()
	var job Job
	for _, e := range s.entries {
		if e.job.Name() == name {
			job = e.job
			break
		}
	}
	s.mu.Unlock()

	if job == nil {
		return &SchedulerError{Message: "unknown job: " + name}
	}

	s.execute(ctx, job)
	return nil
}

// Stop shuts the scheduler down, waiting for in-flight jobs.
func (s *Scheduler) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

// GetStats returns current counters.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		Runs:     s.runs.Load(),
		Failures: s.failures.Load(),
		Panics:   s.panics.Load(),
	}
}

func (s *Scheduler) loop(e entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.execute(s.ctx, e.job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("job panic",
				zap.String("job", job.Name()),
				zap.Any("panic", r))
		}
	}()

	start := time.Now()
	s.runs.Add(1)

	if err := job.Run(runCtx); err != nil {
		s.failures.Add(1)
		s.logger.Warn("job failed",
			zap.String("job", job.Name()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}

	s.logger.Debug("job completed",
		zap.String("job", job.Name()),
		zap.Duration("elapsed", time.Since(start)))
}
