package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// ScheduleType enumerates how a scheduled task's next run is computed.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ContextMode controls whether a task's prompt runs against a fresh
// container session or the group's live session.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextGroup    ContextMode = "group"
)

// ScheduledTask is a single row of the scheduled_tasks table.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   ContextMode
	NextRun       string // RFC3339, empty for a task with no further runs
	Status        string // active | paused | completed | cancelled
}

// InsertTask creates a new scheduled task.
func (s *Store) InsertTask(ctx context.Context, t ScheduledTask) error {
	if t.Status == "" {
		t.Status = "active"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks
				(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleType), t.ScheduleValue, string(t.ContextMode), nullableText(t.NextRun), t.Status)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		return nil
	})
}

// DueTasks returns active tasks whose next_run is at or before asOf,
// ordered by next_run so the scheduler can process them in fire order.
func (s *Store) DueTasks(ctx context.Context, asOf string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, COALESCE(next_run, ''), status
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC;
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("due tasks as of %q: %w", asOf, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id string) (ScheduledTask, error) {
	var t ScheduledTask
	var scheduleType, contextMode, nextRun string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, COALESCE(next_run, ''), status
		FROM scheduled_tasks WHERE id = ?;
	`, id).Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &scheduleType, &t.ScheduleValue, &contextMode, &nextRun, &t.Status)
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("get task %s: %w", id, err)
	}
	t.ScheduleType = ScheduleType(scheduleType)
	t.ContextMode = ContextMode(contextMode)
	t.NextRun = nextRun
	return t, nil
}

// ListTasksForGroup returns every task belonging to a group folder,
// regardless of status, ordered by creation time.
func (s *Store) ListTasksForGroup(ctx context.Context, groupFolder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, COALESCE(next_run, ''), status
		FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at ASC;
	`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("list tasks for group %s: %w", groupFolder, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// AdvanceNextRun sets next_run to the given value (or NULL, clearing it for
// a 'once' task that has already fired). Callers must advance next_run
// BEFORE enqueueing the task's execution, so a crash between advance and
// enqueue loses at most one firing rather than risking a double-fire.
func (s *Store) AdvanceNextRun(ctx context.Context, id string, nextRun string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET next_run = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, nullableText(nextRun), id)
		if err != nil {
			return fmt.Errorf("advance next_run for task %s: %w", id, err)
		}
		return nil
	})
}

// SetTaskStatus updates a task's lifecycle status (active/paused/completed/cancelled).
func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, id)
		if err != nil {
			return fmt.Errorf("set task status %s: %w", id, err)
		}
		return nil
	})
}

// StartTaskRun records the start of a task execution and returns the run's
// autoincrement id.
func (s *Store) StartTaskRun(ctx context.Context, taskID string) (int64, error) {
	var runID int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (task_id, started_at, outcome) VALUES (?, CURRENT_TIMESTAMP, 'running');
		`, taskID)
		if err != nil {
			return err
		}
		runID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("start task run for %s: %w", taskID, err)
	}
	return runID, nil
}

// FinishTaskRun records the outcome of a task execution.
func (s *Store) FinishTaskRun(ctx context.Context, runID int64, outcome, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE task_runs SET finished_at = CURRENT_TIMESTAMP, outcome = ?, error = ? WHERE id = ?;
		`, outcome, errMsg, runID)
		if err != nil {
			return fmt.Errorf("finish task run %d: %w", runID, err)
		}
		return nil
	})
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var scheduleType, contextMode, nextRun string
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &scheduleType, &t.ScheduleValue, &contextMode, &nextRun, &t.Status); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.ScheduleType = ScheduleType(scheduleType)
		t.ContextMode = ContextMode(contextMode)
		t.NextRun = nextRun
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullableText(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
