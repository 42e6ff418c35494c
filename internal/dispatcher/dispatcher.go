// Package dispatcher turns "new messages exist for group G" into "the
// agent has produced output for G, and cursors are consistent" —
// spawning a container turn, streaming its output to the chat, and
// reconciling the group's cursor pair against however the run ended.
package dispatcher

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/groupgate/internal/bus"
	"github.com/basket/groupgate/internal/channels"
	"github.com/basket/groupgate/internal/container"
	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/registry"
	"github.com/basket/groupgate/internal/statustracker"
)

// ContainerRunner spawns one container turn. container.Runner satisfies
// this; tests supply a fake that never touches Docker.
type ContainerRunner interface {
	Run(ctx context.Context, spec container.Spec, onProcess func(*container.Process), onOutput func(container.Output), onStatus func(container.Result)) (container.Result, error)
}

// Queue is the subset of groupqueue.Queue the dispatcher drives: it
// registers the live process handle for the pipe-to-live-container fast
// path, and signals NotifyIdle once the container turn has produced its
// terminal result so the group's next queued job may start while this
// job's own bookkeeping (cursor/session/status writes) still runs.
type Queue interface {
	RegisterProcess(chatJID string, proc *container.Process, containerName, groupFolder string)
	NotifyIdle(chatJID string)
	CloseStdin(chatJID string)
}

// Config bundles the dispatcher's collaborators.
type Config struct {
	Store       *persistence.Store
	Registry    *registry.Registry
	Tracker     *statustracker.Tracker
	Runner      ContainerRunner
	Queue       Queue
	Channel     channels.ChannelDriver
	IdleTimeout time.Duration
	Bus         *bus.Bus
	Logger      *slog.Logger
}

// Dispatcher implements processGroupMessages as a groupqueue.ProcessFunc.
type Dispatcher struct {
	store       *persistence.Store
	registry    *registry.Registry
	tracker     *statustracker.Tracker
	runner      ContainerRunner
	queue       Queue
	channel     channels.ChannelDriver
	idleTimeout time.Duration
	bus         *bus.Bus
	logger      *slog.Logger
}

// New creates a Dispatcher. Queue may be nil at construction time and
// supplied later via SetQueue — the dispatcher's ProcessGroupMessages
// method is itself the groupqueue.ProcessFunc, so the queue and the
// dispatcher that drives it are built in two steps by the caller.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 20 * time.Minute
	}
	return &Dispatcher{
		store:       cfg.Store,
		registry:    cfg.Registry,
		tracker:     cfg.Tracker,
		runner:      cfg.Runner,
		queue:       cfg.Queue,
		channel:     cfg.Channel,
		idleTimeout: idleTimeout,
		bus:         cfg.Bus,
		logger:      logger,
	}
}

// SetQueue installs the group queue once it has been constructed with
// this Dispatcher's ProcessGroupMessages as its ProcessFunc.
func (d *Dispatcher) SetQueue(q Queue) {
	d.queue = q
}

// matchesTrigger reports whether content mentions @assistantName,
// case-insensitively.
func matchesTrigger(content, assistantName string) bool {
	if assistantName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(content), "@"+strings.ToLower(assistantName))
}

func formatMessages(msgs []persistence.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString("[")
		b.WriteString(m.Timestamp)
		b.WriteString("] ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func userAuthored(msgs []persistence.Message) []persistence.Message {
	out := make([]persistence.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsBotMessage {
			out = append(out, m)
		}
	}
	return out
}

// ProcessGroupMessages is the group queue's message-check job body. It
// loads pending messages for chatJID, runs one container turn, streams
// output to the channel, and reconciles cursors and status records
// against the outcome.
func (d *Dispatcher) ProcessGroupMessages(ctx context.Context, chatJID string) {
	group, ok := d.registry.Get(chatJID)
	if !ok {
		d.logger.Warn("dispatcher: group not registered", "chat_jid", chatJID)
		return
	}

	cursor, err := d.store.GetGroupCursor(ctx, chatJID)
	if err != nil {
		d.logger.Error("dispatcher: read group cursor failed", "chat_jid", chatJID, "error", err)
		return
	}
	preAdvance := cursor.LastAgentTimestamp

	msgs, err := d.store.MessagesForGroupSince(ctx, chatJID, preAdvance)
	if err != nil {
		d.logger.Error("dispatcher: load messages failed", "chat_jid", chatJID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	if !group.IsMain && group.RequiresTrigger {
		triggered := false
		for _, m := range msgs {
			if matchesTrigger(strings.TrimSpace(m.Content), group.AssistantName) {
				triggered = true
				break
			}
		}
		if !triggered {
			return
		}
	}

	newCursor := msgs[len(msgs)-1].Timestamp
	if err := d.store.SetGroupLastAgentTimestamp(ctx, chatJID, newCursor); err != nil {
		d.logger.Error("dispatcher: advance cursor failed", "chat_jid", chatJID, "error", err)
		return
	}

	userMsgs := userAuthored(msgs)
	for _, m := range userMsgs {
		if err := d.tracker.MarkReceived(ctx, m.ID, chatJID, group.IsMain); err != nil {
			d.logger.Warn("dispatcher: mark received failed", "message_id", m.ID, "error", err)
		}
		if err := d.tracker.MarkThinking(ctx, m.ID); err != nil {
			d.logger.Warn("dispatcher: mark thinking failed", "message_id", m.ID, "error", err)
		}
	}

	sessionID, err := d.store.GetSessionID(ctx, group.Folder)
	if err != nil {
		d.logger.Warn("dispatcher: read session id failed", "group_folder", group.Folder, "error", err)
	}

	if d.channel != nil {
		if err := d.channel.SetTyping(ctx, chatJID, true); err != nil {
			d.logger.Warn("dispatcher: set typing failed", "chat_jid", chatJID, "error", err)
		}
	}
	defer func() {
		if d.channel != nil {
			if err := d.channel.SetTyping(ctx, chatJID, false); err != nil {
				d.logger.Warn("dispatcher: clear typing failed", "chat_jid", chatJID, "error", err)
			}
		}
	}()

	idleTimer := time.NewTimer(d.idleTimeout)
	defer idleTimer.Stop()
	go func() {
		select {
		case <-idleTimer.C:
			d.queue.CloseStdin(chatJID)
		case <-ctx.Done():
		}
	}()

	var delivered bool
	var once sync.Once
	spec := container.Spec{
		Prompt:        formatMessages(msgs),
		SessionID:     sessionID,
		GroupFolder:   group.Folder,
		ChatJID:       chatJID,
		IsMain:        group.IsMain,
		AssistantName: group.AssistantName,
	}

	onProcess := func(proc *container.Process) {
		d.queue.RegisterProcess(chatJID, proc, proc.ContainerID, group.Folder)
	}
	onOutput := func(out container.Output) {
		if out.SessionID != "" {
			sessionID = out.SessionID
		}
		if out.Text == "" {
			return
		}
		once.Do(func() {
			for _, m := range userMsgs {
				if err := d.tracker.MarkWorking(ctx, m.ID); err != nil {
					d.logger.Warn("dispatcher: mark working failed", "message_id", m.ID, "error", err)
				}
			}
		})
		delivered = true
		idleTimer.Reset(d.idleTimeout)
		if d.channel != nil {
			if err := d.channel.SendMessage(ctx, chatJID, out.Text); err != nil {
				d.logger.Warn("dispatcher: send message failed", "chat_jid", chatJID, "error", err)
			}
		}
	}

	var idleNotified sync.Once
	onStatus := func(res container.Result) {
		if res.Status == "success" {
			idleNotified.Do(func() { d.queue.NotifyIdle(chatJID) })
		}
	}

	res, runErr := d.runner.Run(ctx, spec, onProcess, onOutput, onStatus)
	idleTimer.Stop()

	if runErr != nil {
		d.handleFailure(ctx, chatJID, preAdvance, runErr.Error(), delivered)
		return
	}

	if res.SessionID != "" {
		sessionID = res.SessionID
	}

	switch res.Status {
	case "success":
		idleNotified.Do(func() { d.queue.NotifyIdle(chatJID) })
		if sessionID != "" {
			if err := d.store.SetSessionID(ctx, group.Folder, sessionID); err != nil {
				d.logger.Warn("dispatcher: persist session id failed", "group_folder", group.Folder, "error", err)
			}
		}
		if err := d.tracker.MarkAllDone(ctx, chatJID); err != nil {
			d.logger.Warn("dispatcher: mark all done failed", "chat_jid", chatJID, "error", err)
		}
	default: // "error" or any other non-success terminal status
		d.handleFailure(ctx, chatJID, preAdvance, res.Error, delivered)
	}
}

// handleFailure implements the three-way rollback on a failed run. The
// cursor read here is live at the time of failure, not the value
// captured at job start — this is deliberate: a concurrent
// pipe-to-live-container send from the poll loop may have set
// cursorBeforePipe after this job started, and the documented
// error-after-output race (only the piped cursor rolls back, not the
// full job) depends on reading the current value rather than a stale
// snapshot.
func (d *Dispatcher) handleFailure(ctx context.Context, chatJID, preAdvance, reason string, delivered bool) {
	cursor, err := d.store.GetGroupCursor(ctx, chatJID)
	if err != nil {
		d.logger.Error("dispatcher: read cursor for failure handling failed", "chat_jid", chatJID, "error", err)
	}

	if cursor.CursorBeforePipe != "" {
		restored, _, err := d.store.RollbackToBeforePipe(ctx, chatJID)
		if err != nil {
			d.logger.Error("dispatcher: rollback to before-pipe failed", "chat_jid", chatJID, "error", err)
		}
		d.publish(bus.TopicDispatchRollback, bus.DispatchRollbackEvent{ChatJID: chatJID, Restored: restored, Reason: reason})
		if err := d.tracker.MarkAllFailed(ctx, chatJID, reason); err != nil {
			d.logger.Warn("dispatcher: mark all failed failed", "chat_jid", chatJID, "error", err)
		}
		return
	}

	if delivered {
		// Output already reached the user and nothing was piped
		// afterward: treat the turn as done rather than replaying it.
		if err := d.tracker.MarkAllDone(ctx, chatJID); err != nil {
			d.logger.Warn("dispatcher: mark all done (post-delivery error) failed", "chat_jid", chatJID, "error", err)
		}
		return
	}

	if err := d.store.SetGroupLastAgentTimestamp(ctx, chatJID, preAdvance); err != nil {
		d.logger.Error("dispatcher: rollback to pre-advance failed", "chat_jid", chatJID, "error", err)
	}
	d.publish(bus.TopicDispatchRetry, bus.DispatchRollbackEvent{ChatJID: chatJID, Restored: preAdvance, Reason: reason})
	if err := d.tracker.MarkAllFailed(ctx, chatJID, reason); err != nil {
		d.logger.Warn("dispatcher: mark all failed failed", "chat_jid", chatJID, "error", err)
	}
}

func (d *Dispatcher) publish(topic string, payload interface{}) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}
