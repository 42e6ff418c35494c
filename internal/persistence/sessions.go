package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// GetSessionID returns the agent session id bound to a group folder, or ""
// if the group has never had a container spawned for it.
func (s *Store) GetSessionID(ctx context.Context, groupFolder string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM group_sessions WHERE group_folder = ?;
	`, groupFolder).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session id %s: %w", groupFolder, err)
	}
	return sessionID, nil
}

// SetSessionID binds a session id to a group folder, overwriting any prior
// binding. Used when the agent process returns a new session id on its
// first `result` event.
func (s *Store) SetSessionID(ctx context.Context, groupFolder, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO group_sessions (group_folder, session_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(group_folder) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = CURRENT_TIMESTAMP;
		`, groupFolder, sessionID)
		if err != nil {
			return fmt.Errorf("set session id %s: %w", groupFolder, err)
		}
		return nil
	})
}

// ClearSessionID drops the session binding for a group folder, forcing the
// next container spawn to start a fresh agent session.
func (s *Store) ClearSessionID(ctx context.Context, groupFolder string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM group_sessions WHERE group_folder = ?;`, groupFolder)
		if err != nil {
			return fmt.Errorf("clear session id %s: %w", groupFolder, err)
		}
		return nil
	})
}
