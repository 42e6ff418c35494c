package persistence

import (
	"context"
	"fmt"
)

// RegisteredGroup is a single row of the registered_groups table.
type RegisteredGroup struct {
	JID              string
	Name             string
	Folder           string
	RequiresTrigger  bool
	AssistantName    string
	IsMain           bool
}

// UpsertGroup inserts or updates a registered group row.
func (s *Store) UpsertGroup(ctx context.Context, g RegisteredGroup) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO registered_groups (jid, name, folder, requires_trigger, assistant_name, is_main)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET
				name = excluded.name,
				folder = excluded.folder,
				requires_trigger = excluded.requires_trigger,
				assistant_name = excluded.assistant_name,
				is_main = excluded.is_main;
		`, g.JID, g.Name, g.Folder, boolToInt(g.RequiresTrigger), g.AssistantName, boolToInt(g.IsMain))
		if err != nil {
			return fmt.Errorf("upsert group %s: %w", g.JID, err)
		}
		return nil
	})
}

// GetGroup fetches a single registered group by jid. Returns sql.ErrNoRows
// wrapped if not found.
func (s *Store) GetGroup(ctx context.Context, jid string) (RegisteredGroup, error) {
	var g RegisteredGroup
	var requiresTrigger, isMain int
	err := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, requires_trigger, assistant_name, is_main
		FROM registered_groups WHERE jid = ?;
	`, jid).Scan(&g.JID, &g.Name, &g.Folder, &requiresTrigger, &g.AssistantName, &isMain)
	if err != nil {
		return RegisteredGroup{}, fmt.Errorf("get group %s: %w", jid, err)
	}
	g.RequiresTrigger = requiresTrigger != 0
	g.IsMain = isMain != 0
	return g, nil
}

// ListGroups returns every registered group, ordered by folder for
// deterministic snapshot output.
func (s *Store) ListGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, requires_trigger, assistant_name, is_main
		FROM registered_groups ORDER BY folder;
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []RegisteredGroup
	for rows.Next() {
		var g RegisteredGroup
		var requiresTrigger, isMain int
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &requiresTrigger, &g.AssistantName, &isMain); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		g.RequiresTrigger = requiresTrigger != 0
		g.IsMain = isMain != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGroup removes a registered group and its cursor/session rows.
func (s *Store) DeleteGroup(ctx context.Context, jid string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM group_cursors WHERE jid = ?;`, jid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM registered_groups WHERE jid = ?;`, jid); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
