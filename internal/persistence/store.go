// Package persistence is the SQLite-backed store behind the gateway's
// cursor triple, registered-group set, sessions, scheduled tasks, status
// records, and the append-only per-chat message log.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/groupgate/internal/audit"
	"github.com/basket/groupgate/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "groupgate-v1-chat-gateway-schema"
)

// Store wraps a single-connection SQLite database implementing the
// persisted state layout described in the data model.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns the default database location under the user's
// home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".groupgate", "groupgate.db")
}

// Open opens (and migrates) the SQLite database at path. A nil eventBus
// is accepted for tests that do not care about bus events.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection keeps the single-writer invariants enforceable at
	// the application layer without races inside the driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying *sql.DB for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		// Registry: the set of registered groups. folder is restricted to
		// letters/digits/-/_/. and resolved against a sandboxed root by
		// internal/registry before any row here is trusted.
		`CREATE TABLE IF NOT EXISTS registered_groups (
			jid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			folder TEXT NOT NULL UNIQUE,
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			assistant_name TEXT NOT NULL DEFAULT '',
			is_main INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Router-owned cursor triple. Singleton row for the
		// global "seen" cursor; per-jid rows for processed/pipe cursors.
		`CREATE TABLE IF NOT EXISTS router_cursors (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_timestamp TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS group_cursors (
			jid TEXT PRIMARY KEY REFERENCES registered_groups(jid),
			last_agent_timestamp TEXT NOT NULL DEFAULT '',
			cursor_before_pipe TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS group_sessions (
			group_folder TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Append-only per-chat message log backing the message store
		// (messagesSince / newMessagesAcross). timestamp is a monotonic
		// string; rowid gives us global tie-breaking where needed.
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_jid TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			content TEXT NOT NULL,
			is_from_me INTEGER NOT NULL DEFAULT 0,
			is_bot_message INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_type TEXT NOT NULL CHECK(schedule_type IN ('once','interval','cron')),
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL DEFAULT 'isolated' CHECK(context_mode IN ('isolated','group')),
			next_run DATETIME,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','paused','completed','cancelled')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			outcome TEXT NOT NULL DEFAULT 'running' CHECK(outcome IN ('running','success','error')),
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS status_records (
			message_id TEXT PRIMARY KEY,
			chat_jid TEXT NOT NULL,
			is_main INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL CHECK(state IN ('received','thinking','working','done','failed')),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO router_cursors (id, last_timestamp) VALUES (1, '');`); err != nil {
		return fmt.Errorf("seed router cursor: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_jid_ts ON chat_messages(chat_jid, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_ts ON chat_messages(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, next_run);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_group ON scheduled_tasks(group_folder);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_status_records_chat ON status_records(chat_jid);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration", "schema_created", "",
		fmt.Sprintf("schema created at v%d (checksum %s)", schemaVersion, schemaChecksum))
	return nil
}
