package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/groupgate/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel implements Channel (the receive side, polling for
// updates and appending them to chat_messages) and ChannelDriver (the
// send side the dispatcher and router use to reach a chat), backed by a
// single long-lived bot connection.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	msgKeyMu sync.Mutex
	msgKeys  map[string]msgKeyEntry // "chatJID:messageID" -> native ids, for SendReaction
}

type msgKeyEntry struct {
	chatID    int64
	messageID int
}

// NewTelegramChannel creates a Telegram channel. allowedIDs restricts
// which Telegram user IDs may produce messages the gateway acts on; an
// empty allowlist accepts nobody.
func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      store,
		logger:     logger,
		msgKeys:    make(map[string]msgKeyEntry),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// chatJID is the stable string identifier this channel gives a Telegram
// chat; the router, registry, and persistence layers only ever see this
// form, never a raw int64 chat ID.
func chatJID(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

func chatIDFromJID(jid string) (int64, error) {
	id := strings.TrimPrefix(jid, "telegram:")
	return strconv.ParseInt(id, 10, 64)
}

// Start connects to Telegram and polls for updates until ctx is canceled,
// reconnecting with exponential backoff on a dropped long-poll.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the
// channel closes, or no updates arrive within 2.5x the long-poll timeout
// (stall detection — the library blocks rather than closing on a dead
// connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage persists an incoming Telegram message as a chat_messages
// row. It does no routing or dispatch decisions of its own — that is the
// router's job once it next polls. Messages from disallowed senders are
// dropped silently rather than persisted, so an unregistered stranger's
// messages never accumulate in a group's cursor.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	if msg.From == nil {
		return
	}
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}

	jid := chatJID(msg.Chat.ID)
	id := fmt.Sprintf("telegram-%d", msg.MessageID)
	ts := time.Unix(int64(msg.Date), 0).UTC().Format(time.RFC3339Nano)

	if err := t.store.AppendMessage(context.Background(), persistence.Message{
		ID:        id,
		ChatJID:   jid,
		Timestamp: ts,
		Content:   content,
	}); err != nil {
		t.logger.Error("telegram: append message failed", "chat_jid", jid, "error", err)
		return
	}

	t.rememberMsgKey(jid, id, msg.Chat.ID, msg.MessageID)
}

func (t *TelegramChannel) rememberMsgKey(jid, msgKey string, chatID int64, messageID int) {
	t.msgKeyMu.Lock()
	defer t.msgKeyMu.Unlock()
	t.msgKeys[jid+":"+msgKey] = msgKeyEntry{chatID: chatID, messageID: messageID}
}

// SendMessage implements ChannelDriver.
func (t *TelegramChannel) SendMessage(ctx context.Context, jid, text string) error {
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat jid %q: %w", jid, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send message failed: %w", err)
	}
	return nil
}

// SendReaction implements ChannelDriver by attaching an emoji reaction to
// a previously-seen message, identified by the msgKey handleMessage
// recorded it under.
func (t *TelegramChannel) SendReaction(ctx context.Context, jid, msgKey, emoji string) error {
	t.msgKeyMu.Lock()
	entry, ok := t.msgKeys[jid+":"+msgKey]
	t.msgKeyMu.Unlock()
	if !ok {
		return fmt.Errorf("telegram: unknown message key %q for chat %q", msgKey, jid)
	}
	reaction := tgbotapi.SetMessageReactionConfig{
		ChatID:    entry.chatID,
		MessageID: entry.messageID,
		Reaction:  []tgbotapi.ReactionType{{Type: tgbotapi.StickerTypeEmoji, Emoji: emoji}},
	}
	if _, err := t.bot.Request(reaction); err != nil {
		return fmt.Errorf("telegram: set reaction failed: %w", err)
	}
	return nil
}

// SetTyping implements ChannelDriver. Telegram's typing indicator is a
// one-shot action that Telegram itself expires after a few seconds, so a
// false call is a no-op rather than an explicit "stop typing" request.
func (t *TelegramChannel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing {
		return nil
	}
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat jid %q: %w", jid, err)
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		return fmt.Errorf("telegram: set typing failed: %w", err)
	}
	return nil
}

// Disconnect implements ChannelDriver. Start's own ctx cancellation is
// what actually stops the poll loop; Disconnect additionally releases the
// bot's long-poll connection immediately rather than waiting up to the
// next update's timeout.
func (t *TelegramChannel) Disconnect() error {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}
