package groupqueue_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/groupgate/internal/container"
	"github.com/basket/groupgate/internal/groupqueue"
)

type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.buf.Write(p)
}

func (f *fakeStdin) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStdin) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func TestEnqueueMessageCheck_RunsProcessOncePerJob(t *testing.T) {
	var calls atomic.Int32
	q := groupqueue.New(func(ctx context.Context, chatJID string) {
		calls.Add(1)
	}, nil, nil)

	q.EnqueueMessageCheck("group-1")
	waitFor(t, func() bool { return calls.Load() == 1 })
}

func TestEnqueueMessageCheck_CoalescesWhilePending(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	q := groupqueue.New(func(ctx context.Context, chatJID string) {
		calls.Add(1)
		<-release
	}, nil, nil)

	q.EnqueueMessageCheck("group-1")
	waitFor(t, func() bool { return calls.Load() == 1 })
	// Job is running (blocked on release); duplicate enqueue must coalesce
	// into the job already in flight rather than queuing a second run.
	q.EnqueueMessageCheck("group-1")
	q.EnqueueMessageCheck("group-1")
	close(release)

	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected process invoked exactly once, got %d", got)
	}
}

func TestSendMessage_NoLiveWorkerReturnsFalse(t *testing.T) {
	q := groupqueue.New(nil, nil, nil)
	if q.SendMessage("unknown-group", "hi") {
		t.Fatal("expected false for a group with no registered process")
	}
}

func TestSendMessage_PipesToRegisteredProcess(t *testing.T) {
	q := groupqueue.New(nil, nil, nil)
	stdin := &fakeStdin{}
	proc := container.NewProcess("c1", stdin)
	q.RegisterProcess("group-1", proc, "c1", "team")

	if !q.SendMessage("group-1", "hello agent") {
		t.Fatal("expected SendMessage to succeed against a registered process")
	}
	if got := stdin.String(); got != "hello agent\n" {
		t.Fatalf("stdin = %q, want %q", got, "hello agent\n")
	}
	if !q.IsActive("group-1") {
		t.Fatal("expected IsActive true while process is registered")
	}
}

func TestCloseStdin_ClosesRegisteredProcess(t *testing.T) {
	q := groupqueue.New(nil, nil, nil)
	stdin := &fakeStdin{}
	proc := container.NewProcess("c1", stdin)
	q.RegisterProcess("group-1", proc, "c1", "team")

	q.CloseStdin("group-1")
	if q.SendMessage("group-1", "too late") {
		t.Fatal("expected SendMessage to fail after CloseStdin")
	}
}

func TestNotifyIdle_LetsNextJobStartBeforeFirstCompletes(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var secondRan atomic.Bool

	var q *groupqueue.Queue
	callCount := 0
	q = groupqueue.New(func(ctx context.Context, chatJID string) {
		callCount++
		if callCount == 1 {
			close(firstStarted)
			q.NotifyIdle(chatJID)
			<-releaseFirst
			return
		}
		secondRan.Store(true)
	}, nil, nil)

	q.EnqueueMessageCheck("group-1")
	<-firstStarted

	// NotifyIdle already fired; queue the second job and confirm it runs
	// even though the first job's callback is still blocked on releaseFirst.
	q.EnqueueMessageCheck("group-1")
	waitFor(t, func() bool { return secondRan.Load() })
	close(releaseFirst)
}

func TestIsActive_FalseForUnknownGroup(t *testing.T) {
	q := groupqueue.New(nil, nil, nil)
	if q.IsActive("never-seen") {
		t.Fatal("expected false for an unknown group")
	}
}

func TestEnqueueTask_RunsAfterPendingMessageCheck(t *testing.T) {
	var order []string
	var mu sync.Mutex
	done := make(chan struct{})

	q := groupqueue.New(func(ctx context.Context, chatJID string) {
		mu.Lock()
		order = append(order, "message_check")
		mu.Unlock()
	}, nil, nil)

	q.EnqueueMessageCheck("group-1")
	q.EnqueueTask("group-1", "task-1", func(ctx context.Context) {
		mu.Lock()
		order = append(order, "task")
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task job")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "message_check" || order[1] != "task" {
		t.Fatalf("unexpected FIFO order: %v", order)
	}
}

func TestShutdown_KillsLiveWorkerAfterDeadline(t *testing.T) {
	q := groupqueue.New(func(ctx context.Context, chatJID string) {
		<-ctx.Done()
	}, nil, nil)

	stdin := &fakeStdin{}
	proc := container.NewProcess("c1", stdin)
	q.EnqueueMessageCheck("group-1")
	q.RegisterProcess("group-1", proc, "c1", "team")

	// Shutdown with a short timeout; the worker never exits on its own
	// because fakeClient-free Process.Kill is a no-op (cli is nil), so this
	// just exercises that Shutdown returns promptly rather than blocking
	// forever.
	done := make(chan struct{})
	go func() {
		q.Shutdown(30 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return within the test deadline")
	}
}

func waitFor(t *testing.T, cond func() bool) {
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
