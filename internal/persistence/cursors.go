package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// RouterLastTimestamp returns the global "seen" cursor (router_cursors.id=1).
func (s *Store) RouterLastTimestamp(ctx context.Context) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT last_timestamp FROM router_cursors WHERE id = 1;`).Scan(&ts)
	if err != nil {
		return "", fmt.Errorf("read router cursor: %w", err)
	}
	return ts, nil
}

// AdvanceRouterCursor moves the global "seen" cursor forward. Callers must
// ensure ts is monotonically non-decreasing relative to prior calls; the
// poll loop is the single writer of this row.
func (s *Store) AdvanceRouterCursor(ctx context.Context, ts string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE router_cursors SET last_timestamp = ? WHERE id = 1;`, ts)
		if err != nil {
			return fmt.Errorf("advance router cursor: %w", err)
		}
		return nil
	})
}

// GroupCursor is the per-group cursor pair tracked in group_cursors.
type GroupCursor struct {
	JID                string
	LastAgentTimestamp string
	CursorBeforePipe   string
}

// GetGroupCursor returns the cursor pair for jid, or the zero value if no
// row exists yet (a group that has never been dispatched to).
func (s *Store) GetGroupCursor(ctx context.Context, jid string) (GroupCursor, error) {
	gc := GroupCursor{JID: jid}
	err := s.db.QueryRowContext(ctx, `
		SELECT last_agent_timestamp, cursor_before_pipe FROM group_cursors WHERE jid = ?;
	`, jid).Scan(&gc.LastAgentTimestamp, &gc.CursorBeforePipe)
	if err == sql.ErrNoRows {
		return gc, nil
	}
	if err != nil {
		return GroupCursor{}, fmt.Errorf("read group cursor %s: %w", jid, err)
	}
	return gc, nil
}

// SetGroupLastAgentTimestamp advances the per-group processed cursor,
// creating the row if it does not yet exist.
func (s *Store) SetGroupLastAgentTimestamp(ctx context.Context, jid, ts string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO group_cursors (jid, last_agent_timestamp, cursor_before_pipe)
			VALUES (?, ?, '')
			ON CONFLICT(jid) DO UPDATE SET last_agent_timestamp = excluded.last_agent_timestamp;
		`, jid, ts)
		if err != nil {
			return fmt.Errorf("set group last_agent_timestamp %s: %w", jid, err)
		}
		return nil
	})
}

// SetCursorBeforePipe records the rollback marker before a pipe-to-live-container
// send. An empty value clears the marker (used once the run succeeds).
func (s *Store) SetCursorBeforePipe(ctx context.Context, jid, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO group_cursors (jid, last_agent_timestamp, cursor_before_pipe)
			VALUES (?, '', ?)
			ON CONFLICT(jid) DO UPDATE SET cursor_before_pipe = excluded.cursor_before_pipe;
		`, jid, value)
		if err != nil {
			return fmt.Errorf("set cursor_before_pipe %s: %w", jid, err)
		}
		return nil
	})
}

// RollbackToBeforePipe restores last_agent_timestamp from cursor_before_pipe
// and clears the marker, used during boot recovery and on a
// failed pipe-to-live-container run.
func (s *Store) RollbackToBeforePipe(ctx context.Context, jid string) (restored string, rolledBack bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var before string
		scanErr := tx.QueryRowContext(ctx, `SELECT cursor_before_pipe FROM group_cursors WHERE jid = ?;`, jid).Scan(&before)
		if scanErr == sql.ErrNoRows || before == "" {
			rolledBack = false
			return tx.Commit()
		}
		if scanErr != nil {
			return scanErr
		}

		if _, execErr := tx.ExecContext(ctx, `
			UPDATE group_cursors SET last_agent_timestamp = ?, cursor_before_pipe = '' WHERE jid = ?;
		`, before, jid); execErr != nil {
			return execErr
		}
		restored = before
		rolledBack = true
		return tx.Commit()
	})
	return restored, rolledBack, err
}
