// Package scheduler runs periodic maintenance jobs, such as the changed-member
// recalculation, once per interval across every running instance.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/lock"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrUnknownJob              = errors.New("unknown scheduled job")
)

const (
	DefaultPollInterval = 5 * time.Minute
	DefaultLockTTL      = 30 * time.Minute

	// LockKeyPrefix is the prefix for scheduler locks
	LockKeyPrefix = "scheduler:job:"
)

// Job is one periodic unit of work. Run should be idempotent; a run that
// overlaps another instance's is skipped by the job lock.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often every job is attempted
	PollInterval time.Duration
	// LockTTL bounds how long a crashed instance can block a job
	LockTTL time.Duration
}

// Scheduler triggers its jobs every poll interval
type Scheduler struct {
	jobs   []Job
	locker lock.Locker
	config Config
	logger ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewScheduler(locker lock.Locker, config Config, logger ectologger.Logger, jobs ...Job) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Scheduler{
		jobs:     jobs,
		locker:   locker,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start runs every job once and then on each tick until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s jobs=%d", s.config.PollInterval, len(s.jobs))

	go s.pollLoop(context.WithoutCancel(ctx))
	return nil
}

// Stop waits for the in-progress cycle, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	for _, job := range s.jobs {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if _, err := s.run(ctx, job); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("job", job.Name).Error("Scheduled job failed")
		}
	}
}

// RunNow runs the named job immediately. ran is false when another instance
// holds the job lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.run(ctx, job)
		}
	}
	return false, ErrUnknownJob
}

func (s *Scheduler) run(ctx context.Context, job Job) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Scheduler.run")
	defer span.End()

	held, err := s.locker.Acquire(ctx, LockKeyPrefix+job.Name, s.config.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.logger.WithContext(ctx).WithField("job", job.Name).Debug("Job is running elsewhere, skipping")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("job", job.Name).Warn("Failed to release job lock")
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return true, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"job":      job.Name,
		"duration": time.Since(start).String(),
	}).Info("Scheduled job completed")
	return true, nil
}
