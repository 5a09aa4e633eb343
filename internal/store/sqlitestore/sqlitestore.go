// Package sqlitestore is the dev/test backend implementing store.Store on
// top of mattn/go-sqlite3, grounded on the teacher's task repository
// opening/schema conventions.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomrun/loomrun/internal/store"
)

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	db *sql.DB

	sessions   SessionRepository
	runs       RunRepository
	messages   MessageRepository
	toolExec   ToolExecutionRepository
	usage      UsageLogRepository
	userIn     UserInputRequestRepository
	catalog    CatalogRepository
	schedTasks ScheduledTaskRepository
}

var _ store.Store = (*Store)(nil)

// Open creates (or reopens) the sqlite database at dbPath and initializes
// its schema.
func Open(dbPath string) (*Store, error) {
	abs := dbPath
	if dbPath != "" {
		if a, err := filepath.Abs(dbPath); err == nil {
			abs = a
		}
		if dir := filepath.Dir(abs); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("prepare database path: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", abs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite supports a single writer

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.sessions = SessionRepository{db: db}
	s.runs = RunRepository{db: db}
	s.messages = MessageRepository{db: db}
	s.toolExec = ToolExecutionRepository{db: db}
	s.usage = UsageLogRepository{db: db}
	s.userIn = UserInputRequestRepository{db: db}
	s.catalog = CatalogRepository{db: db}
	s.schedTasks = ScheduledTaskRepository{db: db}

	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a sqlite transaction, matching the commit/rollback
// discipline of internal/common/database's pgx WithTx helper.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Sessions() store.SessionRepository                   { return s.sessions }
func (s *Store) Runs() store.RunRepository                           { return s.runs }
func (s *Store) Messages() store.MessageRepository                   { return s.messages }
func (s *Store) ToolExecutions() store.ToolExecutionRepository       { return s.toolExec }
func (s *Store) UsageLogs() store.UsageLogRepository                 { return s.usage }
func (s *Store) UserInputRequests() store.UserInputRequestRepository { return s.userIn }
func (s *Store) Catalog() store.CatalogRepository                    { return s.catalog }
func (s *Store) ScheduledTasks() store.ScheduledTaskRepository       { return s.schedTasks }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT,
		status TEXT NOT NULL,
		config_snapshot TEXT,
		sdk_session_id TEXT,
		state_patch TEXT,
		workspace_export_status TEXT,
		workspace_files_prefix TEXT,
		workspace_manifest_key TEXT,
		workspace_archive_key TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_sdk ON sessions(sdk_session_id);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_message_id TEXT,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		schedule_mode TEXT NOT NULL,
		scheduled_at TEXT,
		config_snapshot TEXT,
		claimed_by TEXT,
		lease_expires_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		permission_mode TEXT NOT NULL DEFAULT 'default',
		scheduled_task_id TEXT,
		last_error TEXT,
		started_at TEXT,
		finished_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_claimable ON runs(status, schedule_mode, scheduled_at, created_at);

	CREATE TABLE IF NOT EXISTS agent_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT,
		text_preview TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON agent_messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		message_id TEXT,
		tool_use_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_input TEXT,
		tool_output TEXT,
		tool_output_set INTEGER NOT NULL DEFAULT 0,
		result_message_id TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		created_at TEXT NOT NULL,
		UNIQUE(session_id, tool_use_id)
	);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		run_id TEXT,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		usage_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_input_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		payload TEXT,
		answer TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capability_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		scope TEXT NOT NULL,
		owner_user_id TEXT,
		payload TEXT,
		UNIQUE(kind, scope, owner_user_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_capability_lookup ON capability_records(kind, name);

	CREATE TABLE IF NOT EXISTS capability_installs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		capability_id TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		UNIQUE(kind, user_id, capability_id)
	);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		config_snapshot TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		cron_expr TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		next_run_at TEXT,
		last_run_id TEXT,
		last_run_status TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(enabled, next_run_at);
	`
	_, err := s.db.Exec(schema)
	return err
}
