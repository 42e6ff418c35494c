// Package statustracker delivers visible feedback to chat users via
// reactions, backed by the persisted status DAG so the right emoji always
// survives a restart.
package statustracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/groupgate/internal/bus"
	"github.com/basket/groupgate/internal/persistence"
)

// emoji maps a DAG state to the reaction shown to the user.
var emoji = map[persistence.StatusState]string{
	persistence.StatusReceived: "👀",
	persistence.StatusThinking: "🤔",
	persistence.StatusWorking:  "⚙️",
	persistence.StatusDone:     "✅",
	persistence.StatusFailed:   "❌",
}

// ReactionSender sets the visible reaction on a chat message.
type ReactionSender interface {
	SendReaction(ctx context.Context, chatJID, messageID, emoji string) error
}

// MessageSender posts a plain text message to a chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatJID, text string) error
}

// Tracker is the persisted status DAG plus the in-flight reaction sends it
// fans out. All side effects are aggregated Promise.allSettled-style: one
// channel failure never propagates to the caller.
type Tracker struct {
	store            *persistence.Store
	reactions        ReactionSender
	messages         MessageSender
	isContainerAlive func(chatJID string) bool
	bus              *bus.Bus
	logger           *slog.Logger

	wg sync.WaitGroup
}

// Config bundles Tracker's collaborators.
type Config struct {
	Store            *persistence.Store
	Reactions        ReactionSender
	Messages         MessageSender
	IsContainerAlive func(chatJID string) bool
	Bus              *bus.Bus
	Logger           *slog.Logger
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:            cfg.Store,
		reactions:        cfg.Reactions,
		messages:         cfg.Messages,
		isContainerAlive: cfg.IsContainerAlive,
		bus:              cfg.Bus,
		logger:           logger,
	}
}

// MarkReceived inserts a new record in the received state. Idempotent:
// a duplicate call for an already-tracked message is rejected silently.
func (t *Tracker) MarkReceived(ctx context.Context, messageID, chatJID string, isMain bool) error {
	existing, err := t.store.GetStatus(ctx, messageID)
	if err != nil {
		return err
	}
	if existing.State != "" {
		return nil
	}
	r := persistence.StatusRecord{MessageID: messageID, ChatJID: chatJID, IsMain: isMain, State: persistence.StatusReceived}
	if err := t.store.SetStatus(ctx, r); err != nil {
		return err
	}
	t.react(chatJID, messageID, persistence.StatusReceived)
	return nil
}

// MarkThinking transitions messageID forward to thinking, if the DAG allows it.
func (t *Tracker) MarkThinking(ctx context.Context, messageID string) error {
	return t.transition(ctx, messageID, persistence.StatusThinking)
}

// MarkWorking transitions messageID forward to working, if the DAG allows it.
func (t *Tracker) MarkWorking(ctx context.Context, messageID string) error {
	return t.transition(ctx, messageID, persistence.StatusWorking)
}

func (t *Tracker) transition(ctx context.Context, messageID string, to persistence.StatusState) error {
	current, err := t.store.GetStatus(ctx, messageID)
	if err != nil {
		return err
	}
	if current.State == "" {
		return fmt.Errorf("statustracker: no record for message %s", messageID)
	}
	if !persistence.CanTransition(current.State, to) {
		return nil
	}
	current.State = to
	if err := t.store.SetStatus(ctx, current); err != nil {
		return err
	}
	t.react(current.ChatJID, messageID, to)
	return nil
}

// MarkAllDone transitions every non-terminal record for chatJID to done.
func (t *Tracker) MarkAllDone(ctx context.Context, chatJID string) error {
	open, err := t.store.OpenStatusesForGroup(ctx, chatJID)
	if err != nil {
		return err
	}
	for _, r := range open {
		r.State = persistence.StatusDone
		if err := t.store.SetStatus(ctx, r); err != nil {
			t.logger.Warn("statustracker: set done failed", "message_id", r.MessageID, "error", err)
			continue
		}
		t.react(chatJID, r.MessageID, persistence.StatusDone)
	}
	return nil
}

// MarkAllFailed transitions every non-terminal record for chatJID to failed
// and sends one apologetic message to the chat.
func (t *Tracker) MarkAllFailed(ctx context.Context, chatJID, reason string) error {
	open, err := t.store.OpenStatusesForGroup(ctx, chatJID)
	if err != nil {
		return err
	}
	for _, r := range open {
		r.State = persistence.StatusFailed
		if err := t.store.SetStatus(ctx, r); err != nil {
			t.logger.Warn("statustracker: set failed failed", "message_id", r.MessageID, "error", err)
			continue
		}
		t.react(chatJID, r.MessageID, persistence.StatusFailed)
		t.publish(bus.TopicStatusFailed, bus.StatusTransitionEvent{MessageID: r.MessageID, ChatJID: chatJID, State: string(persistence.StatusFailed)})
	}
	if len(open) > 0 {
		t.sendMessage(chatJID, "sorry — something went wrong processing that: "+reason)
	}
	return nil
}

// HeartbeatCheck sweeps every chat with an open status record; any message
// stuck in thinking/working whose container is no longer active is
// transitioned to failed.
func (t *Tracker) HeartbeatCheck(ctx context.Context) error {
	chatJIDs, err := t.store.OpenChatJIDs(ctx)
	if err != nil {
		return err
	}
	for _, chatJID := range chatJIDs {
		if t.isContainerAlive != nil && t.isContainerAlive(chatJID) {
			continue
		}
		open, err := t.store.OpenStatusesForGroup(ctx, chatJID)
		if err != nil {
			t.logger.Warn("statustracker: heartbeat open statuses failed", "chat_jid", chatJID, "error", err)
			continue
		}
		for _, r := range open {
			if r.State != persistence.StatusThinking && r.State != persistence.StatusWorking {
				continue
			}
			r.State = persistence.StatusFailed
			if err := t.store.SetStatus(ctx, r); err != nil {
				t.logger.Warn("statustracker: heartbeat set failed", "message_id", r.MessageID, "error", err)
				continue
			}
			t.react(chatJID, r.MessageID, persistence.StatusFailed)
		}
	}
	return nil
}

// Recover re-emits the reaction implied by every persisted status record,
// once channels are connected after a restart. It always re-emits — even
// if the channel already shows the correct emoji — rather than trying to
// detect "already correct", which can itself be wrong after a crash.
func (t *Tracker) Recover(ctx context.Context) error {
	chatJIDs, err := t.store.OpenChatJIDs(ctx)
	if err != nil {
		return err
	}
	for _, chatJID := range chatJIDs {
		open, err := t.store.OpenStatusesForGroup(ctx, chatJID)
		if err != nil {
			t.logger.Warn("statustracker: recover open statuses failed", "chat_jid", chatJID, "error", err)
			continue
		}
		for _, r := range open {
			t.react(r.ChatJID, r.MessageID, r.State)
		}
	}
	return nil
}

// Shutdown awaits in-flight reaction/message sends, swallowing errors —
// a disconnected channel must never block process shutdown.
func (t *Tracker) Shutdown() {
	t.wg.Wait()
}

// react fans out a reaction send without blocking the caller; errors are
// logged, never propagated.
func (t *Tracker) react(chatJID, messageID string, state persistence.StatusState) {
	if t.reactions == nil {
		return
	}
	e, ok := emoji[state]
	if !ok {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.reactions.SendReaction(context.Background(), chatJID, messageID, e); err != nil {
			t.logger.Warn("statustracker: send reaction failed", "chat_jid", chatJID, "message_id", messageID, "error", err)
		}
	}()
	t.publish(bus.TopicStatusTransition, bus.StatusTransitionEvent{MessageID: messageID, ChatJID: chatJID, State: string(state)})
}

func (t *Tracker) sendMessage(chatJID, text string) {
	if t.messages == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.messages.SendMessage(context.Background(), chatJID, text); err != nil {
			t.logger.Warn("statustracker: send message failed", "chat_jid", chatJID, "error", err)
		}
	}()
}

func (t *Tracker) publish(topic string, payload interface{}) {
	if t.bus != nil {
		t.bus.Publish(topic, payload)
	}
}
