// Package scheduler periodically surveys persisted scheduled tasks and
// hands each due one to the group queue for execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/groupgate/internal/bus"
	"github.com/basket/groupgate/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), matching the teacher's cron scheduler.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Queue is the subset of *groupqueue.Queue the scheduler needs.
type Queue interface {
	EnqueueTask(chatJID, taskID string, run func(ctx context.Context))
}

// TaskRunner executes one due task's turn (snapshot writing, restricted-path
// validation, container invocation). The scheduler owns discovery and
// cursor advancement only; execution is injected so this package stays
// free of container/registry dependencies.
type TaskRunner interface {
	RunTask(ctx context.Context, task persistence.ScheduledTask) error
}

// Config bundles the scheduler's collaborators.
type Config struct {
	Store    *persistence.Store
	Queue    Queue
	Runner   TaskRunner
	IsQuiet  func() bool
	Timezone *time.Location
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration
}

// Scheduler is the due-task discovery loop.
type Scheduler struct {
	store    *persistence.Store
	queue    Queue
	runner   TaskRunner
	isQuiet  func() bool
	tz       *time.Location
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tz := cfg.Timezone
	if tz == nil {
		tz = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isQuiet := cfg.IsQuiet
	if isQuiet == nil {
		isQuiet = func() bool { return false }
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		runner:   cfg.Runner,
		isQuiet:  isQuiet,
		tz:       tz,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler's tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// RunPendingSweep runs one discovery tick immediately, independent of the
// ticker's schedule. The router calls this once at boot, asynchronously,
// so tasks that came due while the process was down fire without waiting
// for the first regular tick.
func (s *Scheduler) RunPendingSweep(ctx context.Context) {
	s.tick(ctx)
}

// tick discovers due tasks and enqueues each; a quiet period defers the
// entire tick without touching next_run, so tasks fire on the first tick
// after the quiet period ends rather than being missed.
func (s *Scheduler) tick(ctx context.Context) {
	if s.isQuiet() {
		return
	}
	now := time.Now().In(s.tz)
	due, err := s.store.DueTasks(ctx, now.Format(time.RFC3339))
	if err != nil {
		s.logger.Error("scheduler: due task query failed", "error", err)
		return
	}
	for _, task := range due {
		s.fire(ctx, task, now)
	}
}

// fire re-reads the task (it may have been paused/cancelled since the due
// query), advances next_run before enqueueing so the next tick cannot
// rediscover a still-running task, then hands it to the group queue.
func (s *Scheduler) fire(ctx context.Context, task persistence.ScheduledTask, now time.Time) {
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		s.logger.Error("scheduler: re-read task failed", "task_id", task.ID, "error", err)
		return
	}
	if fresh.Status != "active" {
		return
	}

	nextRun, err := s.computeNextRun(fresh, now)
	if err != nil {
		s.logger.Error("scheduler: compute next run failed", "task_id", fresh.ID, "error", err)
		_ = s.store.SetTaskStatus(ctx, fresh.ID, "paused")
		return
	}
	if err := s.store.AdvanceNextRun(ctx, fresh.ID, nextRun); err != nil {
		s.logger.Error("scheduler: advance next run failed", "task_id", fresh.ID, "error", err)
		return
	}

	s.publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{TaskID: fresh.ID, GroupFolder: fresh.GroupFolder, NextRun: nextRun})
	s.queue.EnqueueTask(fresh.ChatJID, fresh.ID, func(ctx context.Context) {
		s.runTaskJob(ctx, fresh)
	})
}

// computeNextRun returns the task's next scheduled run, or "" for a
// one-shot task (which clears next_run so it is never rediscovered).
func (s *Scheduler) computeNextRun(task persistence.ScheduledTask, now time.Time) (string, error) {
	switch task.ScheduleType {
	case persistence.ScheduleOnce:
		return "", nil
	case persistence.ScheduleInterval:
		d, err := time.ParseDuration(task.ScheduleValue)
		if err != nil {
			return "", fmt.Errorf("invalid interval %q: %w", task.ScheduleValue, err)
		}
		return now.Add(d).Format(time.RFC3339), nil
	case persistence.ScheduleCron:
		sched, err := cronParser.Parse(task.ScheduleValue)
		if err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %w", task.ScheduleValue, err)
		}
		return sched.Next(now).Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", task.ScheduleType)
	}
}

// runTaskJob executes one task turn, records the outcome, and for a
// one-shot task marks it completed.
func (s *Scheduler) runTaskJob(ctx context.Context, task persistence.ScheduledTask) {
	runID, err := s.store.StartTaskRun(ctx, task.ID)
	if err != nil {
		s.logger.Error("scheduler: start task run failed", "task_id", task.ID, "error", err)
		return
	}

	runErr := s.runner.RunTask(ctx, task)

	outcome := "success"
	errMsg := ""
	if runErr != nil {
		outcome = "error"
		errMsg = runErr.Error()
		s.logger.Error("scheduler: task run failed", "task_id", task.ID, "error", runErr)
	}
	if err := s.store.FinishTaskRun(ctx, runID, outcome, errMsg); err != nil {
		s.logger.Error("scheduler: finish task run failed", "task_id", task.ID, "error", err)
	}

	if runErr == nil && task.ScheduleType == persistence.ScheduleOnce {
		if err := s.store.SetTaskStatus(ctx, task.ID, "completed"); err != nil {
			s.logger.Error("scheduler: mark completed failed", "task_id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
