// Package store implements the Task Store (spec §4.1): a durable SQLite
// queue of tasks, scheduled jobs, user resources, conversation state, and
// the auxiliary bookkeeping tables the scheduler loop and channel
// adapters rely on. Every mutation that advances a task's lifecycle is a
// single atomic statement or a short transaction; the store never
// silently swallows an error.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "goclaw-engine-v1-task-store"
)

// Store owns the single SQLite handle for the engine process. Only one
// process is ever expected to hold the writer connection (spec §1
// Non-goals: "a single engine process owns one SQLite database").
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns the conventional per-namespace database location.
func DefaultDBPath(homeDir, namespace string) string {
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		homeDir = filepath.Join(home, ".goclaw")
	}
	return filepath.Join(homeDir, "data", namespace+".db")
}

// Open opens (creating if necessary) the SQLite database at path in WAL
// mode with a single writer connection, configures pragmas, and runs the
// schema migration ledger.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath("", "goclaw")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=30000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying handle, for tools that need raw access
// (backup, diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter, matching the 30-second
// busy-wait ceiling spec §5 requires for ClaimTask contention.
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
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("configure pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version   INTEGER PRIMARY KEY,
			checksum  TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var appliedVersion int
	var appliedChecksum string
	row := tx.QueryRowContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`)
	err = row.Scan(&appliedVersion, &appliedChecksum)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	if err == nil && appliedVersion == schemaVersionLatest && appliedChecksum != schemaChecksumLatest {
		return fmt.Errorf("schema checksum mismatch at version %d: db has %q, binary expects %q — refusing to start against a foreign schema",
			appliedVersion, appliedChecksum, schemaChecksumLatest)
	}

	for _, stmt := range schemaDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET checksum=excluded.checksum;
	`, schemaVersionLatest, schemaChecksumLatest, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		command TEXT,
		source_type TEXT NOT NULL CHECK (source_type IN ('talk','email','cli','tasks_file','scheduled','briefing','heartbeat')),
		source_ref TEXT,
		conversation_token TEXT,
		attachments TEXT NOT NULL DEFAULT '[]',
		output_target TEXT NOT NULL DEFAULT 'talk' CHECK (output_target IN ('talk','email','both','ntfy','all','none')),
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','locked','running','completed','failed','pending_confirmation','cancelled')),
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		not_before TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_error_fingerprint TEXT,
		worker_pid TEXT,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		heartbeat_silent INTEGER NOT NULL DEFAULT 0,
		scheduled_job_id INTEGER,
		result TEXT,
		actions_taken TEXT NOT NULL DEFAULT '[]',
		uniqueness_key TEXT,
		locked_at TEXT,
		timeout_reason TEXT
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_uniqueness_key ON tasks(uniqueness_key) WHERE uniqueness_key IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, source_type, priority DESC, created_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status, source_type);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_token, status);`,

	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		prompt TEXT,
		command TEXT,
		target TEXT NOT NULL DEFAULT 'talk',
		conversation_token TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		once INTEGER NOT NULL DEFAULT 0,
		silent_unless_action INTEGER NOT NULL DEFAULT 0,
		last_run_at TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_success_at TEXT,
		UNIQUE(user_id, name)
	);`,

	`CREATE TABLE IF NOT EXISTS user_resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		path_or_url TEXT NOT NULL,
		permissions TEXT NOT NULL DEFAULT '',
		extras TEXT NOT NULL DEFAULT '{}',
		UNIQUE(user_id, type, name)
	);`,

	`CREATE TABLE IF NOT EXISTS conversation_state (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		conversation_token TEXT NOT NULL,
		prompt TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		actions_taken TEXT NOT NULL DEFAULT '[]',
		source_type TEXT NOT NULL,
		reply_to_task_id INTEGER,
		timestamp TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_token ON conversation_state(conversation_token, timestamp DESC);`,

	`CREATE TABLE IF NOT EXISTS talk_last_seen (
		conversation_token TEXT PRIMARY KEY,
		last_message_id TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS email_thread_dedup (
		message_id TEXT PRIMARY KEY,
		references_chain TEXT NOT NULL DEFAULT '',
		task_id INTEGER,
		created_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS heartbeat_checks (
		name TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		last_check_at TEXT,
		last_alert_at TEXT,
		consecutive_errors INTEGER NOT NULL DEFAULT 0,
		interval_minutes INTEGER NOT NULL DEFAULT 60,
		cooldown_minutes INTEGER NOT NULL DEFAULT 60,
		quiet_hours_start TEXT,
		quiet_hours_end TEXT
	);`,

	`CREATE TABLE IF NOT EXISTS invoice_schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		reminder_sent_at TEXT,
		generated_at TEXT,
		UNIQUE(user_id, name)
	);`,

	`CREATE TABLE IF NOT EXISTS memory_extraction_state (
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		last_extracted_at TEXT,
		PRIMARY KEY (user_id, channel)
	);`,

	`CREATE TABLE IF NOT EXISTS kv_store (
		user_id TEXT NOT NULL,
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (user_id, namespace, key)
	);`,

	`CREATE TABLE IF NOT EXISTS skill_fingerprints (
		user_id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS tracked_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		record_hash TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS email_outputs (
		task_id INTEGER PRIMARY KEY,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT 'plain',
		created_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		subject TEXT,
		action TEXT,
		decision TEXT,
		reason TEXT,
		created_at TEXT NOT NULL
	);`,
}
