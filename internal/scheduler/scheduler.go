// Package scheduler runs the worker pool that claims and executes tasks,
// plus a janitor goroutine that prunes old log files on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/store"
)

// TaskRunner is the subset of *runner.TaskRunner the scheduler depends on.
// Defined here rather than imported directly so scheduler tests can supply
// a fake without pulling in the real agent-subprocess machinery.
type TaskRunner interface {
	RunTask(task *model.Task, workerID string)
	Cancel(taskID string)
}

// Scheduler owns a fixed pool of worker goroutines, each of which polls the
// store for the next claimable task, plus a janitor goroutine that deletes
// logs older than the configured retention window.
type Scheduler struct {
	store   *store.JSONStore
	runner  TaskRunner
	logger  *slog.Logger

	workers           int
	logsRetentionDays int
	pollInterval      time.Duration
	janitorInterval   time.Duration
}

// Option configures optional Scheduler behavior; without options, New
// uses a 1s poll interval and a 1h janitor interval.
type Option func(*Scheduler)

// WithPollInterval overrides the idle-poll backoff between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithJanitorInterval overrides how often the janitor sweeps old logs.
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.janitorInterval = d }
}

// New builds a Scheduler with workers worker goroutines and a janitor that
// prunes run logs older than logsRetentionDays.
func New(s *store.JSONStore, runner TaskRunner, workers, logsRetentionDays int, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	sched := &Scheduler{
		store:             s,
		runner:            runner,
		logger:            logger.With("component", "scheduler"),
		workers:           workers,
		logsRetentionDays: logsRetentionDays,
		pollInterval:      time.Second,
		janitorInterval:   time.Hour,
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// Run starts the worker pool and janitor loop, blocking until ctx is
// cancelled. All goroutines exit before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("starting scheduler", "workers", s.workers)

	done := make(chan struct{}, s.workers+1)
	for i := 0; i < s.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			s.workerLoop(ctx, workerID)
			done <- struct{}{}
		}()
	}
	go func() {
		s.janitorLoop(ctx)
		done <- struct{}{}
	}()

	<-ctx.Done()
	for i := 0; i < s.workers+1; i++ {
		<-done
	}
	s.logger.Info("scheduler stopped")
}

// RequestCancel forwards a cancellation request to the runner for taskID.
func (s *Scheduler) RequestCancel(taskID string) {
	s.logger.Info("cancel requested", "task_id", taskID)
	s.runner.Cancel(taskID)
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID string) {
	s.logger.Info("worker loop started", "worker_id", workerID)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := s.store.ClaimNextTask(workerID)
		if err != nil {
			s.logger.Error("claim next task failed", "worker_id", workerID, "err", err)
			task = nil
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		s.logger.Info("worker claimed task", "worker_id", workerID, "task_id", task.ID, "mode", task.Mode)
		s.safeRun(workerID, task)
	}
}

func (s *Scheduler) safeRun(workerID string, task *model.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker crashed while running task", "worker_id", workerID, "task_id", task.ID, "panic", r)
			_, _ = s.store.UpdateTask(task.ID, map[string]interface{}{
				"status":        string(model.StatusFailed),
				"error_code":    "SCHEDULER_CRASH",
				"error_message": fmt.Sprintf("%v", r),
			})
		}
	}()
	s.runner.RunTask(task, workerID)
}

func (s *Scheduler) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		deleted, err := s.store.CleanupOldLogs(s.logsRetentionDays)
		if err != nil {
			s.logger.Error("log cleanup failed", "err", err)
		} else if deleted > 0 {
			s.logger.Info("log cleanup deleted files", "count", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
