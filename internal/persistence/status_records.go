package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// StatusState is one node of the status-tracker DAG
// (received -> thinking -> working -> {done, failed}).
type StatusState string

const (
	StatusReceived StatusState = "received"
	StatusThinking StatusState = "thinking"
	StatusWorking  StatusState = "working"
	StatusDone     StatusState = "done"
	StatusFailed   StatusState = "failed"
)

// allowedTransitions is the status DAG's adjacency: a transition is valid
// only if the target is reachable from the current state.
var allowedTransitions = map[StatusState][]StatusState{
	StatusReceived: {StatusThinking, StatusWorking, StatusDone, StatusFailed},
	StatusThinking: {StatusWorking, StatusDone, StatusFailed},
	StatusWorking:  {StatusDone, StatusFailed},
	StatusDone:     {},
	StatusFailed:   {},
}

// CanTransition reports whether from -> to is a legal DAG edge.
func CanTransition(from, to StatusState) bool {
	if from == "" {
		return true // no prior record: any initial state is legal
	}
	if from == to {
		return false // idempotent re-application handled by the caller, not the DAG
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusRecord is a single row of the status_records table.
type StatusRecord struct {
	MessageID string
	ChatJID   string
	IsMain    bool
	State     StatusState
}

// GetStatus returns the current status record for a message, or the zero
// value with an empty State if none exists yet.
func (s *Store) GetStatus(ctx context.Context, messageID string) (StatusRecord, error) {
	var r StatusRecord
	var isMain int
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_jid, is_main, state FROM status_records WHERE message_id = ?;
	`, messageID).Scan(&r.ChatJID, &isMain, &state)
	if err == sql.ErrNoRows {
		return StatusRecord{MessageID: messageID}, nil
	}
	if err != nil {
		return StatusRecord{}, fmt.Errorf("get status %s: %w", messageID, err)
	}
	r.MessageID = messageID
	r.IsMain = isMain != 0
	r.State = StatusState(state)
	return r, nil
}

// SetStatus writes (or overwrites) the status record for a message. Callers
// are responsible for checking CanTransition before calling this; SetStatus
// itself does not re-validate the DAG, matching the write-once idiom of the
// audit log it pairs with.
func (s *Store) SetStatus(ctx context.Context, r StatusRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO status_records (message_id, chat_jid, is_main, state, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(message_id) DO UPDATE SET
				state = excluded.state,
				updated_at = CURRENT_TIMESTAMP;
		`, r.MessageID, r.ChatJID, boolToInt(r.IsMain), string(r.State))
		if err != nil {
			return fmt.Errorf("set status %s: %w", r.MessageID, err)
		}
		return nil
	})
}

// OpenChatJIDs returns the distinct set of chats that have at least one
// non-terminal status record, used by HeartbeatCheck to scope its sweep
// without every caller needing to enumerate the full group list.
func (s *Store) OpenChatJIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT chat_jid FROM status_records
		WHERE state NOT IN ('done', 'failed');
	`)
	if err != nil {
		return nil, fmt.Errorf("open chat jids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, fmt.Errorf("scan chat jid: %w", err)
		}
		out = append(out, jid)
	}
	return out, rows.Err()
}

// OpenStatusesForGroup returns every status record for a chat that has not
// reached a terminal state (done/failed), used by HeartbeatCheck to find
// stuck messages after a crash.
func (s *Store) OpenStatusesForGroup(ctx context.Context, chatJID string) ([]StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, is_main, state FROM status_records
		WHERE chat_jid = ? AND state NOT IN ('done', 'failed');
	`, chatJID)
	if err != nil {
		return nil, fmt.Errorf("open statuses for %s: %w", chatJID, err)
	}
	defer rows.Close()

	var out []StatusRecord
	for rows.Next() {
		var r StatusRecord
		var isMain int
		var state string
		if err := rows.Scan(&r.MessageID, &isMain, &state); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		r.ChatJID = chatJID
		r.IsMain = isMain != 0
		r.State = StatusState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}
