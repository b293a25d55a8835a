package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/bus"
)

// Status values per spec §3. Terminal states never transition further
// except pending_confirmation -> cancelled on timeout.
const (
	StatusPending             = "pending"
	StatusLocked              = "locked"
	StatusRunning             = "running"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
	StatusPendingConfirmation = "pending_confirmation"
	StatusCancelled           = "cancelled"
)

// QueueType values per spec §4.2 glossary.
const (
	QueueForeground = "foreground"
	QueueBackground = "background"
)

var foregroundSourceTypes = []string{"talk", "email", "cli", "tasks_file"}
var backgroundSourceTypes = []string{"scheduled", "briefing", "heartbeat"}

// QueueTypeForSource returns the queue type a task's source_type belongs to.
func QueueTypeForSource(sourceType string) string {
	for _, s := range backgroundSourceTypes {
		if s == sourceType {
			return QueueBackground
		}
	}
	return QueueForeground
}

func sourceTypesForQueue(queueType string) []string {
	if queueType == QueueBackground {
		return backgroundSourceTypes
	}
	return foregroundSourceTypes
}

// ErrDuplicateTask is returned by CreateTask when the caller-supplied
// uniqueness key already exists.
var ErrDuplicateTask = errors.New("task with this uniqueness key already exists")

// Task mirrors the `tasks` row (spec §3).
type Task struct {
	ID                   int64
	UserID               string
	Prompt               string
	Command              sql.NullString
	SourceType           string
	SourceRef            sql.NullString
	ConversationToken    sql.NullString
	Attachments          []string
	OutputTarget         string
	Status               string
	Priority             int
	CreatedAt            time.Time
	StartedAt            sql.NullTime
	CompletedAt          sql.NullTime
	NotBefore            sql.NullTime
	AttemptCount         int
	LastError            sql.NullString
	LastErrorFingerprint sql.NullString
	WorkerPID            sql.NullString
	CancelRequested      bool
	HeartbeatSilent      bool
	ScheduledJobID       sql.NullInt64
	Result               sql.NullString
	ActionsTaken         []string
}

// TaskFields are the inputs to CreateTask.
type TaskFields struct {
	UserID            string
	Prompt            string
	Command           string
	SourceType        string
	SourceRef         string
	ConversationToken string
	Attachments       []string
	OutputTarget      string
	Priority          int
	ScheduledJobID    *int64
	UniquenessKey     string
	HeartbeatSilent   bool
}

// CreateTask inserts a pending task. Never fails on duplicates unless the
// caller provides a uniqueness key, in which case a conflicting insert
// returns ErrDuplicateTask for the caller to handle (spec §4.1, tasks-file
// and email dedup idempotence laws in §8).
func (s *Store) CreateTask(ctx context.Context, f TaskFields) (int64, error) {
	if f.OutputTarget == "" {
		f.OutputTarget = "talk"
	}
	attachmentsJSON, err := json.Marshal(f.Attachments)
	if err != nil {
		return 0, fmt.Errorf("marshal attachments: %w", err)
	}

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				user_id, prompt, command, source_type, source_ref, conversation_token,
				attachments, output_target, status, priority, created_at,
				scheduled_job_id, uniqueness_key, heartbeat_silent
			) VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, 'pending', ?, ?, ?, NULLIF(?, ''), ?);
		`, f.UserID, f.Prompt, f.Command, f.SourceType, f.SourceRef, f.ConversationToken,
			string(attachmentsJSON), f.OutputTarget, f.Priority, time.Now().UTC().Format(time.RFC3339Nano),
			f.ScheduledJobID, f.UniquenessKey, boolToInt(f.HeartbeatSilent))
		if execErr != nil {
			if isUniqueConstraint(execErr) {
				return ErrDuplicateTask
			}
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed"))
}

func containsAny(s, sub string) bool {
	return len(s) >= len(sub) && (indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ClaimTask atomically claims the next eligible task for a queue type
// (optionally scoped to one user), running the stale-lock recovery
// preamble first, per spec §4.1. Returns (nil, nil) when no eligible task
// exists, never modifying any row (spec §8 boundary behavior).
func (s *Store) ClaimTask(ctx context.Context, userID string, queueType string, workerPID string, cfg RetryConfig) (*Task, error) {
	var claimed *Task

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		if err := recoverStaleLocks(ctx, tx, now, cfg); err != nil {
			return err
		}

		sourceTypes := sourceTypesForQueue(queueType)
		placeholders := make([]interface{}, 0, len(sourceTypes)+2)
		query := `SELECT id FROM tasks WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?) AND source_type IN (`
		placeholders = append(placeholders, now.Format(time.RFC3339Nano))
		for i, st := range sourceTypes {
			if i > 0 {
				query += ","
			}
			query += "?"
			placeholders = append(placeholders, st)
		}
		query += ")"
		if userID != "" {
			query += " AND user_id = ?"
			placeholders = append(placeholders, userID)
		}
		query += " ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1;"

		var id int64
		row := tx.QueryRowContext(ctx, query, placeholders...)
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'running', attempt_count = attempt_count + 1,
				started_at = ?, worker_pid = ?, locked_at = ?
			WHERE id = ? AND status = 'pending';
		`, now.Format(time.RFC3339Nano), workerPID, now.Format(time.RFC3339Nano), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another claimant; caller may retry on the next tick.
			return nil
		}

		t, err := scanTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = t
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil && s.bus != nil {
		s.bus.Publish(bus.TopicTaskClaimed, bus.TaskStateChangedEvent{
			TaskID: claimed.ID, UserID: claimed.UserID, OldStatus: StatusPending, NewStatus: StatusRunning,
		})
	}
	return claimed, nil
}

// RetryConfig bundles the age/timeout thresholds ClaimTask's stale-lock
// preamble and RetryOrFail need (spec §4.1 defaults).
type RetryConfig struct {
	MaxRetryAgeMinutes  int
	StaleLockMinutes    int
	ExecutionTimeoutMin int
	MaxAttempts         int
}

// recoverStaleLocks implements the ClaimTask preamble (spec §4.1):
//   - age > max_retry_age_minutes AND locked for > stale_lock_minutes -> failed.
//   - age within retry window but lock older than stale_lock_minutes -> reset to pending.
//   - running beyond execution_timeout_minutes follows the same age-based rule.
func recoverStaleLocks(ctx context.Context, tx *sql.Tx, now time.Time, cfg RetryConfig) error {
	maxAge := time.Duration(cfg.MaxRetryAgeMinutes) * time.Minute
	staleLock := time.Duration(cfg.StaleLockMinutes) * time.Minute
	execTimeout := time.Duration(cfg.ExecutionTimeoutMin) * time.Minute

	rows, err := tx.QueryContext(ctx, `
		SELECT id, created_at, locked_at, status FROM tasks
		WHERE status IN ('locked', 'running');
	`)
	if err != nil {
		return err
	}
	type stuck struct {
		id       int64
		age      time.Duration
		lockAge  time.Duration
		status   string
	}
	var stuckRows []stuck
	for rows.Next() {
		var id int64
		var createdAtStr string
		var lockedAtStr sql.NullString
		var status string
		if err := rows.Scan(&id, &createdAtStr, &lockedAtStr, &status); err != nil {
			rows.Close()
			return err
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, createdAtStr)
		var lockedAt time.Time
		if lockedAtStr.Valid {
			lockedAt, _ = time.Parse(time.RFC3339Nano, lockedAtStr.String)
		} else {
			lockedAt = createdAt
		}
		stuckRows = append(stuckRows, stuck{id: id, age: now.Sub(createdAt), lockAge: now.Sub(lockedAt), status: status})
	}
	rows.Close()

	for _, r := range stuckRows {
		runningTimeout := r.status == StatusRunning && r.lockAge > execTimeout
		lockedStale := r.lockAge > staleLock
		if !runningTimeout && !lockedStale {
			continue
		}
		if r.age > maxAge {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'failed', last_error = ?, completed_at = ?
				WHERE id = ? AND status IN ('locked','running');
			`, "stuck past retry age", now.Format(time.RFC3339Nano), r.id); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', worker_pid = NULL, locked_at = NULL, started_at = NULL
			WHERE id = ? AND status IN ('locked','running');
		`, r.id); err != nil {
			return err
		}
	}
	return nil
}

func scanTaskByID(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, id int64) (*Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, prompt, command, source_type, source_ref, conversation_token,
			attachments, output_target, status, priority, created_at, started_at, completed_at,
			not_before, attempt_count, last_error, last_error_fingerprint, worker_pid,
			cancel_requested, heartbeat_silent, scheduled_job_id, result, actions_taken
		FROM tasks WHERE id = ?;
	`, id)
	return scanTaskRow(row)
}

func scanTaskRow(row *sql.Row) (*Task, error) {
	var t Task
	var attachmentsJSON, actionsJSON string
	var createdAtStr string
	var startedAtStr, completedAtStr, notBeforeStr sql.NullString
	var cancelReq, hbSilent int
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Prompt, &t.Command, &t.SourceType, &t.SourceRef, &t.ConversationToken,
		&attachmentsJSON, &t.OutputTarget, &t.Status, &t.Priority, &createdAtStr, &startedAtStr, &completedAtStr,
		&notBeforeStr, &t.AttemptCount, &t.LastError, &t.LastErrorFingerprint, &t.WorkerPID,
		&cancelReq, &hbSilent, &t.ScheduledJobID, &t.Result, &actionsJSON,
	); err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if startedAtStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, startedAtStr.String)
		t.StartedAt = sql.NullTime{Time: ts, Valid: true}
	}
	if completedAtStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, completedAtStr.String)
		t.CompletedAt = sql.NullTime{Time: ts, Valid: true}
	}
	if notBeforeStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, notBeforeStr.String)
		t.NotBefore = sql.NullTime{Time: ts, Valid: true}
	}
	t.CancelRequested = cancelReq != 0
	t.HeartbeatSilent = hbSilent != 0
	_ = json.Unmarshal([]byte(attachmentsJSON), &t.Attachments)
	_ = json.Unmarshal([]byte(actionsJSON), &t.ActionsTaken)
	return &t, nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	return scanTaskByID(ctx, s.db, id)
}

// ListTasks returns tasks newest-first, optionally filtered by status
// and/or user id (empty string means "any"), for the `list` CLI
// subcommand's queue introspection.
func (s *Store) ListTasks(ctx context.Context, status, userID string, limit int) ([]*Task, error) {
	query := `
		SELECT id, user_id, prompt, command, source_type, source_ref, conversation_token,
			attachments, output_target, status, priority, created_at, started_at, completed_at,
			not_before, attempt_count, last_error, last_error_fingerprint, worker_pid,
			cancel_requested, heartbeat_silent, scheduled_job_id, result, actions_taken
		FROM tasks WHERE 1=1`
	var args []interface{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DistinctUsers returns every user id that has ever had a task recorded,
// for the `user list` CLI subcommand (there is no dedicated users table:
// a user's existence is inferred from task/resource activity, spec §3).
func (s *Store) DistinctUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM tasks ORDER BY user_id ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	var attachmentsJSON, actionsJSON string
	var createdAtStr string
	var startedAtStr, completedAtStr, notBeforeStr sql.NullString
	var cancelReq, hbSilent int
	if err := rows.Scan(
		&t.ID, &t.UserID, &t.Prompt, &t.Command, &t.SourceType, &t.SourceRef, &t.ConversationToken,
		&attachmentsJSON, &t.OutputTarget, &t.Status, &t.Priority, &createdAtStr, &startedAtStr, &completedAtStr,
		&notBeforeStr, &t.AttemptCount, &t.LastError, &t.LastErrorFingerprint, &t.WorkerPID,
		&cancelReq, &hbSilent, &t.ScheduledJobID, &t.Result, &actionsJSON,
	); err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if startedAtStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, startedAtStr.String)
		t.StartedAt = sql.NullTime{Time: ts, Valid: true}
	}
	if completedAtStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, completedAtStr.String)
		t.CompletedAt = sql.NullTime{Time: ts, Valid: true}
	}
	if notBeforeStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, notBeforeStr.String)
		t.NotBefore = sql.NullTime{Time: ts, Valid: true}
	}
	t.CancelRequested = cancelReq != 0
	t.HeartbeatSilent = hbSilent != 0
	_ = json.Unmarshal([]byte(attachmentsJSON), &t.Attachments)
	_ = json.Unmarshal([]byte(actionsJSON), &t.ActionsTaken)
	return &t, nil
}

// CompleteTask writes the final result and actions_taken, transitioning
// running -> completed.
func (s *Store) CompleteTask(ctx context.Context, id int64, resultText string, actionsTaken []string) error {
	actionsJSON, _ := json.Marshal(actionsTaken)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', result = ?, actions_taken = ?, completed_at = ?
			WHERE id = ? AND status = 'running';
		`, resultText, string(actionsJSON), now, id)
		if err == nil && s.bus != nil {
			s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: id, NewStatus: StatusCompleted})
		}
		return err
	})
}

// MarkCancelled transitions a task to cancelled (terminal, no retry).
// Preserves spec §9's asymmetry: cancelled is neither success nor failure.
func (s *Store) MarkCancelled(ctx context.Context, id int64, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'cancelled', last_error = ?, completed_at = ?
			WHERE id = ? AND status IN ('running','locked','pending','pending_confirmation');
		`, reason, now, id)
		if err == nil && s.bus != nil {
			s.bus.Publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{TaskID: id, NewStatus: StatusCancelled})
		}
		return err
	})
}

// SetPendingConfirmation moves a running task into the confirmation-wait state.
func (s *Store) SetPendingConfirmation(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending_confirmation' WHERE id = ? AND status = 'running';
		`, id)
		return err
	})
}

// RequestCancel sets cancel_requested, which the executor polls between
// stream events (spec §5 cooperative cancellation).
func (s *Store) RequestCancel(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET cancel_requested = 1 WHERE id = ?;`, id)
		return err
	})
}

// IsCancelRequested reports whether cancellation has been requested for a task.
func (s *Store) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, id).Scan(&v)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// retryBackoffMinutes implements the durable exponential backoff spec §9
// requires: 1, 4, 16 minutes by attempt number, capped thereafter.
func retryBackoffMinutes(attempt int) int {
	switch {
	case attempt <= 1:
		return 1
	case attempt == 2:
		return 4
	default:
		return 16
	}
}

func errorFingerprint(msg string) string {
	sum := sha256.Sum256([]byte(msg))
	return fmt.Sprintf("%x", sum[:8])
}

// RetryOrFail implements spec §4.1: if attempt_count < max_attempts and the
// task's age is within max_retry_age_minutes, reset to pending with an
// exponential-backoff not_before; otherwise mark failed.
func (s *Store) RetryOrFail(ctx context.Context, id int64, errMsg string, cfg RetryConfig) error {
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := scanTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		age := now.Sub(t.CreatedAt)
		maxAge := time.Duration(cfg.MaxRetryAgeMinutes) * time.Minute
		fp := errorFingerprint(errMsg)

		if t.AttemptCount < cfg.MaxAttempts && age <= maxAge {
			notBefore := now.Add(time.Duration(retryBackoffMinutes(t.AttemptCount)) * time.Minute)
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'pending', last_error = ?, last_error_fingerprint = ?,
					not_before = ?, worker_pid = NULL, locked_at = NULL
				WHERE id = ? AND status = 'running';
			`, errMsg, fp, notBefore.Format(time.RFC3339Nano), id); err != nil {
				return err
			}
			if s.bus != nil {
				s.bus.Publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{TaskID: id, NewStatus: StatusPending})
			}
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', last_error = ?, last_error_fingerprint = ?, completed_at = ?
			WHERE id = ? AND status = 'running';
		`, errMsg, fp, now.Format(time.RFC3339Nano), id); err != nil {
			return err
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: id, NewStatus: StatusFailed})
		}
		return tx.Commit()
	})
}

// ExpirePendingConfirmations cancels confirmation-wait tasks older than the
// configured timeout (spec §4.1 cleanup routine).
func (s *Store) ExpirePendingConfirmations(ctx context.Context, timeoutMinutes int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(timeoutMinutes) * time.Minute)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', last_error = 'confirmation timeout', completed_at = ?
		WHERE status = 'pending_confirmation' AND created_at <= ?;
	`, time.Now().UTC().Format(time.RFC3339Nano), cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FailStalePending fails pending tasks older than stale_pending_fail_hours.
func (s *Store) FailStalePending(ctx context.Context, hours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', last_error = 'stale pending task', completed_at = ?
		WHERE status = 'pending' AND created_at <= ?;
	`, time.Now().UTC().Format(time.RFC3339Nano), cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOldTerminal deletes terminal tasks older than task_retention_days
// (spec §4.1, testable property 2).
func (s *Store) DeleteOldTerminal(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed','failed','cancelled') AND completed_at IS NOT NULL AND completed_at <= ?;
	`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPendingForUserQueue counts eligible-to-dispatch pending tasks for a
// user's queue type, used by dispatch to avoid spawning idle workers.
func (s *Store) CountPendingForUserQueue(ctx context.Context, userID, queueType string) (int, error) {
	sourceTypes := sourceTypesForQueue(queueType)
	args := []interface{}{userID}
	query := `SELECT COUNT(*) FROM tasks WHERE user_id = ? AND status = 'pending' AND (not_before IS NULL OR not_before <= ?) AND source_type IN (`
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	for i, st := range sourceTypes {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ");"
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// GetUsersWithPending returns distinct user ids with pending tasks of a
// given queue type, ordered for round-robin fairness (spec §4.2 step 3).
func (s *Store) GetUsersWithPending(ctx context.Context, queueType string) ([]string, error) {
	sourceTypes := sourceTypesForQueue(queueType)
	args := []interface{}{time.Now().UTC().Format(time.RFC3339Nano)}
	query := `SELECT DISTINCT user_id FROM tasks WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?) AND source_type IN (`
	for i, st := range sourceTypes {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ") ORDER BY user_id ASC;"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// HasActiveForegroundForChannel reports whether an in-flight, non-cancelled
// foreground task exists for the given conversation token (spec §4.2
// channel gate).
func (s *Store) HasActiveForegroundForChannel(ctx context.Context, conversationToken string) (bool, error) {
	args := []interface{}{conversationToken}
	query := `SELECT COUNT(*) FROM tasks WHERE conversation_token = ? AND status IN ('locked','running') AND cancel_requested = 0 AND source_type IN (`
	for i, st := range foregroundSourceTypes {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ");"
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateSubtask creates a scheduled-source subtask, used by the deferred
// post-processor (spec §4.6) for admin-submitted subtask files.
func (s *Store) CreateSubtask(ctx context.Context, parentUserID, prompt string) (int64, error) {
	return s.CreateTask(ctx, TaskFields{UserID: parentUserID, Prompt: prompt, SourceType: "scheduled", OutputTarget: "talk"})
}
