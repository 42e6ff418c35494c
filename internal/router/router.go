// Package router is the session-boot orchestrator: it loads persisted
// state, runs recovery, and drives the poll loop that turns newly
// arrived messages into group-queue jobs.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/groupgate/internal/bus"
	"github.com/basket/groupgate/internal/channels"
	otelgroupgate "github.com/basket/groupgate/internal/otel"
	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/quietperiod"
	"github.com/basket/groupgate/internal/registry"
)

// Queue is the subset of *groupqueue.Queue the router drives directly.
type Queue interface {
	EnqueueMessageCheck(chatJID string)
	SendMessage(chatJID, formattedMessages string) bool
	IsActive(chatJID string) bool
}

// Tracker is the subset of *statustracker.Tracker the router needs at
// boot and on every poll tick.
type Tracker interface {
	MarkReceived(ctx context.Context, messageID, chatJID string, isMain bool) error
	MarkThinking(ctx context.Context, messageID string) error
	Recover(ctx context.Context) error
}

// CredentialService is consulted once at boot, mirroring the runner's own
// per-spawn EnsureFresh call.
type CredentialService interface {
	EnsureFresh(ctx context.Context) error
}

// Sweeper runs the scheduler's one-shot pending-tasks sweep at boot.
type Sweeper interface {
	RunPendingSweep(ctx context.Context)
}

// Config bundles the router's collaborators.
type Config struct {
	Store        *persistence.Store
	Registry     *registry.Registry
	Queue        Queue
	Tracker      Tracker
	QuietPeriod  *quietperiod.QuietPeriod
	Credentials  CredentialService
	Scheduler    Sweeper
	MainChannel  channels.ChannelDriver
	Bus          *bus.Bus
	Logger       *slog.Logger
	Tracer       trace.Tracer
	PollInterval time.Duration
}

// Router is the poll-loop/recovery orchestrator.
type Router struct {
	store       *persistence.Store
	registry    *registry.Registry
	queue       Queue
	tracker     Tracker
	quiet       *quietperiod.QuietPeriod
	creds       CredentialService
	scheduler   Sweeper
	mainChannel channels.ChannelDriver
	bus         *bus.Bus
	logger      *slog.Logger
	tracer      trace.Tracer
	interval    time.Duration

	wasQuiet bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelgroupgate.TracerName)
	}
	return &Router{
		store:       cfg.Store,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		tracker:     cfg.Tracker,
		quiet:       cfg.QuietPeriod,
		creds:       cfg.Credentials,
		scheduler:   cfg.Scheduler,
		mainChannel: cfg.MainChannel,
		bus:         cfg.Bus,
		logger:      logger,
		tracer:      tracer,
		interval:    interval,
	}
}

// Boot runs recovery before the poll loop starts: it rolls
// back any group left mid-pipe by a crash, re-enqueues groups with
// messages pending since their last agent cursor, recovers the status
// tracker's visible reactions, and kicks a one-shot scheduler sweep.
func (r *Router) Boot(ctx context.Context) error {
	if err := r.registry.Load(ctx); err != nil {
		return fmt.Errorf("router boot: load registry: %w", err)
	}

	if r.creds != nil {
		if err := r.creds.EnsureFresh(ctx); err != nil {
			r.logger.Error("router: boot credential refresh failed", "error", err)
		}
	}

	for _, g := range r.registry.All() {
		cursor, err := r.store.GetGroupCursor(ctx, g.JID)
		if err != nil {
			r.logger.Error("router: read cursor during recovery failed", "chat_jid", g.JID, "error", err)
			continue
		}
		if cursor.CursorBeforePipe == "" {
			continue
		}
		if r.queue.IsActive(g.JID) {
			// Improbable at startup (the queue was rehydrated first) but
			// possible; an active worker already owns this cursor.
			continue
		}
		restored, rolledBack, err := r.store.RollbackToBeforePipe(ctx, g.JID)
		if err != nil {
			r.logger.Error("router: rollback to before-pipe during recovery failed", "chat_jid", g.JID, "error", err)
			continue
		}
		if rolledBack {
			r.publish(bus.TopicRecoveryRolledBack, bus.RecoveryEvent{ChatJID: g.JID, RolledBack: restored})
		}
	}

	for _, g := range r.registry.All() {
		cursor, err := r.store.GetGroupCursor(ctx, g.JID)
		if err != nil {
			r.logger.Error("router: read cursor for pending check failed", "chat_jid", g.JID, "error", err)
			continue
		}
		pending, err := r.store.MessagesForGroupSince(ctx, g.JID, cursor.LastAgentTimestamp)
		if err != nil {
			r.logger.Error("router: pending message check failed", "chat_jid", g.JID, "error", err)
			continue
		}
		if len(pending) > 0 {
			r.queue.EnqueueMessageCheck(g.JID)
		}
	}

	if err := r.tracker.Recover(ctx); err != nil {
		r.logger.Error("router: status tracker recovery failed", "error", err)
	}

	if r.scheduler != nil {
		go r.scheduler.RunPendingSweep(ctx)
	}

	if r.quiet != nil {
		r.wasQuiet = r.quiet.IsQuiet(time.Now())
	}
	return nil
}

// Start begins the poll loop in a background goroutine.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop cancels the poll loop and waits for it to exit.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Router) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one poll-loop iteration: quiet-period edge
// detection, global cursor advancement, and per-group trigger/pipe/enqueue
// dispatch. Exported so tests and a one-shot "poll now" admin action can
// drive it directly, outside the ticker's schedule.
func (r *Router) Tick(ctx context.Context) {
	ctx, span := otelgroupgate.StartSpan(ctx, r.tracer, "router.tick")
	defer span.End()

	isQuiet := r.quiet != nil && r.quiet.IsQuiet(time.Now())
	if r.wasQuiet && !isQuiet {
		r.onQuietToActive(ctx)
	}
	r.wasQuiet = isQuiet

	lastTimestamp, err := r.store.RouterLastTimestamp(ctx)
	if err != nil {
		r.logger.Error("router: read global cursor failed", "error", err)
		return
	}
	newMessages, err := r.store.MessagesSince(ctx, lastTimestamp)
	if err != nil {
		r.logger.Error("router: poll messages failed", "error", err)
		return
	}
	if len(newMessages) > 0 {
		newTimestamp := newMessages[len(newMessages)-1].Timestamp
		if err := r.store.AdvanceRouterCursor(ctx, newTimestamp); err != nil {
			r.logger.Error("router: advance global cursor failed", "error", err)
		}
	}

	if isQuiet {
		return
	}

	byGroup := make(map[string][]persistence.Message)
	for _, m := range newMessages {
		byGroup[m.ChatJID] = append(byGroup[m.ChatJID], m)
	}

	for chatJID, msgs := range byGroup {
		group, ok := r.registry.Get(chatJID)
		if !ok {
			continue // unregistered or unowned by any channel
		}
		r.tickGroup(ctx, chatJID, group, msgs)
	}
}

func (r *Router) tickGroup(ctx context.Context, chatJID string, group registry.Group, msgs []persistence.Message) {
	ctx, span := otelgroupgate.StartSpan(ctx, r.tracer, "router.tick.group",
		otelgroupgate.AttrChatJID.String(chatJID), otelgroupgate.AttrGroupFolder.String(group.Folder))
	defer span.End()

	if !group.IsMain && group.RequiresTrigger {
		triggered := false
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), "@"+strings.ToLower(group.AssistantName)) {
				triggered = true
				break
			}
		}
		if !triggered {
			return // accumulation is intentional; lastAgentTimestamp stays put
		}
	}

	for _, m := range msgs {
		if m.IsBotMessage {
			continue
		}
		if err := r.tracker.MarkReceived(ctx, m.ID, chatJID, group.IsMain); err != nil {
			r.logger.Warn("router: mark received failed", "message_id", m.ID, "error", err)
		}
	}

	cursor, err := r.store.GetGroupCursor(ctx, chatJID)
	if err != nil {
		r.logger.Error("router: read group cursor failed", "chat_jid", chatJID, "error", err)
		return
	}
	pending, err := r.store.MessagesForGroupSince(ctx, chatJID, cursor.LastAgentTimestamp)
	if err != nil {
		r.logger.Error("router: load pending messages failed", "chat_jid", chatJID, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	formatted := formatMessages(pending)
	if r.queue.SendMessage(chatJID, formatted) {
		for _, m := range pending {
			if !m.IsBotMessage {
				if err := r.tracker.MarkThinking(ctx, m.ID); err != nil {
					r.logger.Warn("router: mark thinking on pipe failed", "message_id", m.ID, "error", err)
				}
			}
		}
		if cursor.CursorBeforePipe == "" {
			if err := r.store.SetCursorBeforePipe(ctx, chatJID, cursor.LastAgentTimestamp); err != nil {
				r.logger.Error("router: set cursor_before_pipe failed", "chat_jid", chatJID, "error", err)
			}
		}
		newLast := pending[len(pending)-1].Timestamp
		if err := r.store.SetGroupLastAgentTimestamp(ctx, chatJID, newLast); err != nil {
			r.logger.Error("router: advance pipe cursor failed", "chat_jid", chatJID, "error", err)
		}
		return
	}

	r.queue.EnqueueMessageCheck(chatJID)
}

// onQuietToActive produces the catch-up summary to the main
// group and enqueues a message-check for every group with pending
// messages, on the quiet->active edge.
func (r *Router) onQuietToActive(ctx context.Context) {
	r.publish(bus.TopicQuietExited, bus.QuietTransitionEvent{Quiet: false})

	var b strings.Builder
	b.WriteString("good to be back — catching up now.\n")
	anyPending := false
	for _, g := range r.registry.All() {
		cursor, err := r.store.GetGroupCursor(ctx, g.JID)
		if err != nil {
			continue
		}
		pending, err := r.store.MessagesForGroupSince(ctx, g.JID, cursor.LastAgentTimestamp)
		if err != nil || len(pending) == 0 {
			continue
		}
		anyPending = true
		fmt.Fprintf(&b, "• %s: %d messages\n", g.Name, len(pending))
		r.queue.EnqueueMessageCheck(g.JID)
	}
	if anyPending {
		b.WriteString("working through these now.")
	} else {
		b.WriteString("nothing piled up while quiet.")
	}

	if r.mainChannel != nil {
		if main, ok := r.registry.Main(); ok {
			if err := r.mainChannel.SendMessage(ctx, main.JID, b.String()); err != nil {
				r.logger.Warn("router: catch-up summary send failed", "error", err)
			}
		}
	}
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

func (r *Router) publish(topic string, payload interface{}) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}
