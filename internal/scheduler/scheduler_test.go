package scheduler_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/scheduler"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "groupgate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []struct{ chatJID, taskID string }
	run   func(ctx context.Context)
}

func (f *fakeQueue) EnqueueTask(chatJID, taskID string, run func(ctx context.Context)) {
	f.mu.Lock()
	f.calls = append(f.calls, struct{ chatJID, taskID string }{chatJID, taskID})
	f.mu.Unlock()
	run(context.Background())
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRunner struct {
	mu       sync.Mutex
	ran      []string
	failFor  map[string]bool
}

func (f *fakeRunner) RunTask(ctx context.Context, task persistence.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, task.ID)
	if f.failFor[task.ID] {
		return fmt.Errorf("simulated failure for %s", task.ID)
	}
	return nil
}

func insertTask(t *testing.T, store *persistence.Store, task persistence.ScheduledTask) {
	t.Helper()
	if err := store.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
}

func TestTick_SkipsWhenQuiet(t *testing.T) {
	store := openTestStore(t)
	queue := &fakeQueue{}
	runner := &fakeRunner{}
	insertTask(t, store, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "team", ChatJID: "g1@g.us", ScheduleType: persistence.ScheduleOnce,
		NextRun: time.Now().Add(-time.Minute).Format(time.RFC3339),
	})

	s := scheduler.New(scheduler.Config{
		Store: store, Queue: queue, Runner: runner,
		IsQuiet: func() bool { return true },
	})

	// Exercise the tick directly via a very short interval loop instead of
	// reaching into the unexported tick method: start/stop quickly and
	// confirm nothing was enqueued.
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	s.Stop()

	if got := queue.count(); got != 0 {
		t.Fatalf("expected no enqueue while quiet, got %d", got)
	}
}

func TestOnceTask_FiresAndMarksCompleted(t *testing.T) {
	store := openTestStore(t)
	queue := &fakeQueue{}
	runner := &fakeRunner{}
	insertTask(t, store, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "team", ChatJID: "g1@g.us", ScheduleType: persistence.ScheduleOnce,
		NextRun: time.Now().Add(-time.Minute).Format(time.RFC3339),
	})

	s := scheduler.New(scheduler.Config{Store: store, Queue: queue, Runner: runner, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitForCondition(t, func() bool { return queue.count() == 1 })
	cancel()
	s.Stop()

	task, err := store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "completed" {
		t.Fatalf("status = %q, want completed", task.Status)
	}
	if task.NextRun != "" {
		t.Fatalf("expected next_run cleared for a fired once task, got %q", task.NextRun)
	}
}

func TestIntervalTask_AdvancesNextRunAndStaysActive(t *testing.T) {
	store := openTestStore(t)
	queue := &fakeQueue{}
	runner := &fakeRunner{}
	past := time.Now().Add(-time.Minute)
	insertTask(t, store, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "team", ChatJID: "g1@g.us",
		ScheduleType: persistence.ScheduleInterval, ScheduleValue: "1h",
		NextRun: past.Format(time.RFC3339),
	})

	s := scheduler.New(scheduler.Config{Store: store, Queue: queue, Runner: runner, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitForCondition(t, func() bool { return queue.count() >= 1 })
	cancel()
	s.Stop()

	task, err := store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "active" {
		t.Fatalf("status = %q, want active", task.Status)
	}
	nextRun, err := time.Parse(time.RFC3339, task.NextRun)
	if err != nil {
		t.Fatalf("parse next_run: %v", err)
	}
	if !nextRun.After(past.Add(30 * time.Minute)) {
		t.Fatalf("expected next_run advanced roughly an hour out, got %v", nextRun)
	}
}

func TestPausedTask_NotRediscoveredAfterReread(t *testing.T) {
	store := openTestStore(t)
	queue := &fakeQueue{}
	runner := &fakeRunner{}
	insertTask(t, store, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "team", ChatJID: "g1@g.us", ScheduleType: persistence.ScheduleOnce,
		NextRun: time.Now().Add(-time.Minute).Format(time.RFC3339),
		Status:  "paused",
	})

	s := scheduler.New(scheduler.Config{Store: store, Queue: queue, Runner: runner, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(40 * time.Millisecond)
	cancel()
	s.Stop()

	if got := queue.count(); got != 0 {
		t.Fatalf("expected a paused task never to be enqueued, got %d", got)
	}
}

func TestRunTaskJob_FailureRecordsErrorRun(t *testing.T) {
	store := openTestStore(t)
	queue := &fakeQueue{}
	runner := &fakeRunner{failFor: map[string]bool{"t1": true}}
	insertTask(t, store, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "team", ChatJID: "g1@g.us", ScheduleType: persistence.ScheduleOnce,
		NextRun: time.Now().Add(-time.Minute).Format(time.RFC3339),
	})

	s := scheduler.New(scheduler.Config{Store: store, Queue: queue, Runner: runner, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitForCondition(t, func() bool { return queue.count() == 1 })
	cancel()
	s.Stop()

	// A failed once-task is NOT marked completed — only a successful run clears it.
	task, err := store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status == "completed" {
		t.Fatal("expected a failed once-task to remain uncompleted")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
