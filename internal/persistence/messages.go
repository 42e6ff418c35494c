package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// Message is a single row of the append-only chat_messages log.
type Message struct {
	ID           string
	ChatJID      string
	Timestamp    string
	Content      string
	IsFromMe     bool
	IsBotMessage bool
}

// AppendMessage inserts a message. IDs are expected to be unique per
// channel (e.g. the channel's own message id); a duplicate id is treated
// as a benign re-delivery and ignored rather than erroring.
func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO chat_messages (id, chat_jid, timestamp, content, is_from_me, is_bot_message)
			VALUES (?, ?, ?, ?, ?, ?);
		`, m.ID, m.ChatJID, m.Timestamp, m.Content, boolToInt(m.IsFromMe), boolToInt(m.IsBotMessage))
		if err != nil {
			return fmt.Errorf("append message %s: %w", m.ID, err)
		}
		return nil
	})
}

// MessagesSince returns every message across all chats with timestamp
// strictly greater than since, ordered by timestamp ascending. This backs
// the poll loop's "new messages since the global cursor" read.
func (s *Store) MessagesSince(ctx context.Context, since string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, timestamp, content, is_from_me, is_bot_message
		FROM chat_messages WHERE timestamp > ? ORDER BY timestamp ASC;
	`, since)
	if err != nil {
		return nil, fmt.Errorf("messages since %q: %w", since, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesForGroupSince returns messages for a single chat with timestamp
// strictly greater than since, ordered by timestamp ascending. Used by the
// dispatcher to build the prompt batch for a single group's turn.
func (s *Store) MessagesForGroupSince(ctx context.Context, chatJID, since string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, timestamp, content, is_from_me, is_bot_message
		FROM chat_messages WHERE chat_jid = ? AND timestamp > ? ORDER BY timestamp ASC;
	`, chatJID, since)
	if err != nil {
		return nil, fmt.Errorf("messages for group %s since %q: %w", chatJID, since, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var isFromMe, isBotMessage int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Timestamp, &m.Content, &isFromMe, &isBotMessage); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.IsFromMe = isFromMe != 0
		m.IsBotMessage = isBotMessage != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
