// Package groupqueue serializes work per chat group while allowing
// cross-group parallelism, and gives the container runner a fast path to
// pipe new messages straight into an already-live agent process.
package groupqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/groupgate/internal/bus"
	"github.com/basket/groupgate/internal/container"
)

// InFlightWorker is the live-container record SendMessage and IsActive
// consult. It is installed by RegisterProcess and cleared when the job
// that owns it finishes draining.
type InFlightWorker struct {
	Proc          *container.Process
	ContainerName string
	GroupFolder   string
}

type jobKind int

const (
	jobMessageCheck jobKind = iota
	jobTask
)

type job struct {
	kind   jobKind
	taskID string
	run    func(ctx context.Context)
}

// groupState holds one group's FIFO and the bookkeeping needed to
// coalesce duplicate message-check jobs and expose the live worker.
type groupState struct {
	mu                  sync.Mutex
	jobs                []job
	messageCheckPending bool
	running             bool
	inFlight            *InFlightWorker
	idleCh              chan struct{}
}

// ProcessFunc is invoked once per message-check job for chatJID. It is the
// dispatcher's processGroupMessages.
type ProcessFunc func(ctx context.Context, chatJID string)

// Queue dispatches one job at a time per group, across any number of groups
// concurrently.
type Queue struct {
	mu       sync.Mutex
	groups   map[string]*groupState
	process  ProcessFunc
	bus      *bus.Bus
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// New creates a group queue that calls process for every message-check job.
func New(process ProcessFunc, eventBus *bus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		groups:  make(map[string]*groupState),
		process: process,
		bus:     eventBus,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (q *Queue) state(chatJID string) *groupState {
	q.mu.Lock()
	defer q.mu.Unlock()
	gs, ok := q.groups[chatJID]
	if !ok {
		gs = &groupState{}
		q.groups[chatJID] = gs
	}
	return gs
}

func (q *Queue) existingState(chatJID string) (*groupState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	gs, ok := q.groups[chatJID]
	return gs, ok
}

// EnqueueMessageCheck queues a message-check job for chatJID, coalescing
// with an already-pending or running one.
func (q *Queue) EnqueueMessageCheck(chatJID string) {
	gs := q.state(chatJID)
	gs.mu.Lock()
	if gs.messageCheckPending {
		gs.mu.Unlock()
		return
	}
	gs.messageCheckPending = true
	gs.jobs = append(gs.jobs, job{kind: jobMessageCheck})
	gs.mu.Unlock()
	q.ensureWorker(chatJID, gs)
}

// EnqueueTask queues a scheduled-task job for chatJID behind any other
// in-flight work for that group.
func (q *Queue) EnqueueTask(chatJID, taskID string, run func(ctx context.Context)) {
	gs := q.state(chatJID)
	gs.mu.Lock()
	gs.jobs = append(gs.jobs, job{kind: jobTask, taskID: taskID, run: run})
	gs.mu.Unlock()
	q.ensureWorker(chatJID, gs)
}

func (q *Queue) ensureWorker(chatJID string, gs *groupState) {
	gs.mu.Lock()
	if gs.running || q.shutdown {
		gs.mu.Unlock()
		return
	}
	gs.running = true
	gs.mu.Unlock()

	q.wg.Add(1)
	go q.runWorker(chatJID, gs)
}

func (q *Queue) runWorker(chatJID string, gs *groupState) {
	defer q.wg.Done()
	for {
		gs.mu.Lock()
		if len(gs.jobs) == 0 {
			gs.running = false
			gs.mu.Unlock()
			return
		}
		j := gs.jobs[0]
		gs.jobs = gs.jobs[1:]
		if j.kind == jobMessageCheck {
			gs.messageCheckPending = false
		}
		idleCh := make(chan struct{}, 1)
		gs.idleCh = idleCh
		gs.mu.Unlock()

		q.runJob(chatJID, gs, j, idleCh)
	}
}

// runJob runs one job to completion, but returns early if the job calls
// NotifyIdle — the spec's documented early-start shortcut: the next job
// may begin before the previous container has fully exited. The job's
// goroutine keeps running and clears inFlight itself when it actually
// finishes.
func (q *Queue) runJob(chatJID string, gs *groupState, j job, idleCh chan struct{}) {
	kind := "message_check"
	if j.kind == jobTask {
		kind = "task"
	}
	q.publish(bus.TopicQueueJobStarted, bus.QueueJobEvent{ChatJID: chatJID, JobKind: kind, JobID: j.taskID})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer q.clearInFlight(gs)
		if j.kind == jobMessageCheck {
			if q.process != nil {
				q.process(q.ctx, chatJID)
			}
		} else if j.run != nil {
			j.run(q.ctx)
		}
		q.publish(bus.TopicQueueJobFinished, bus.QueueJobEvent{ChatJID: chatJID, JobKind: kind, JobID: j.taskID})
	}()

	select {
	case <-done:
	case <-idleCh:
		q.publish(bus.TopicQueueNotifyIdle, bus.QueueJobEvent{ChatJID: chatJID, JobKind: kind, JobID: j.taskID})
	case <-q.ctx.Done():
		<-done
	}
}

func (q *Queue) clearInFlight(gs *groupState) {
	gs.mu.Lock()
	gs.inFlight = nil
	gs.idleCh = nil
	gs.mu.Unlock()
}

func (q *Queue) publish(topic string, payload interface{}) {
	if q.bus != nil {
		q.bus.Publish(topic, payload)
	}
}

// RegisterProcess installs the live-container record a spawned process
// uses for SendMessage/IsActive. Called by the container runner's
// onProcess callback.
func (q *Queue) RegisterProcess(chatJID string, proc *container.Process, containerName, groupFolder string) {
	gs := q.state(chatJID)
	gs.mu.Lock()
	gs.inFlight = &InFlightWorker{Proc: proc, ContainerName: containerName, GroupFolder: groupFolder}
	gs.mu.Unlock()
}

// SendMessage pipes formattedMessages into chatJID's live container stdin.
// It never blocks: if there is no live worker, or the write would block,
// it returns false and the caller should re-enqueue a message-check job.
func (q *Queue) SendMessage(chatJID, formattedMessages string) bool {
	gs, ok := q.existingState(chatJID)
	if !ok {
		return false
	}
	gs.mu.Lock()
	inFlight := gs.inFlight
	gs.mu.Unlock()
	if inFlight == nil || inFlight.Proc == nil {
		return false
	}
	return inFlight.Proc.SendMessage(formattedMessages)
}

// CloseStdin closes the live container's stdin as a graceful shutdown hint.
func (q *Queue) CloseStdin(chatJID string) {
	gs, ok := q.existingState(chatJID)
	if !ok {
		return
	}
	gs.mu.Lock()
	inFlight := gs.inFlight
	gs.mu.Unlock()
	if inFlight != nil && inFlight.Proc != nil {
		inFlight.Proc.CloseStdin()
	}
}

// NotifyIdle lets the current job's caller signal that the queue may begin
// the group's next job even though the container has not exited yet.
func (q *Queue) NotifyIdle(chatJID string) {
	gs, ok := q.existingState(chatJID)
	if !ok {
		return
	}
	gs.mu.Lock()
	ch := gs.idleCh
	gs.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// IsActive reports whether chatJID currently has a live container.
func (q *Queue) IsActive(chatJID string) bool {
	gs, ok := q.existingState(chatJID)
	if !ok {
		return false
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.inFlight != nil
}

// Shutdown stops accepting new jobs and waits up to timeout for workers to
// drain, killing any live container that has not exited by the deadline.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.shutdown = true
	groups := make([]*groupState, 0, len(q.groups))
	for _, gs := range q.groups {
		groups = append(groups, gs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return
	case <-time.After(timeout):
	}

	for _, gs := range groups {
		gs.mu.Lock()
		inFlight := gs.inFlight
		gs.mu.Unlock()
		if inFlight != nil && inFlight.Proc != nil {
			if err := inFlight.Proc.Kill(context.Background()); err != nil {
				q.logger.Warn("groupqueue shutdown: kill worker", "container_id", inFlight.Proc.ContainerID, "error", err)
			}
		}
	}
	q.cancel()
}
