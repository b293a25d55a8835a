package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledJob mirrors the `scheduled_jobs` row (spec §3). Briefings and
// recurring jobs both live here, distinguished by cron_expr and once.
type ScheduledJob struct {
	ID                 int64
	UserID             string
	Name               string
	CronExpr           string
	Prompt             sql.NullString
	Command            sql.NullString
	Target             string
	ConversationToken  sql.NullString
	Enabled            bool
	Once               bool
	SilentUnlessAction bool
	LastRunAt          sql.NullTime
	ConsecutiveFailures int
	LastError          sql.NullString
	LastSuccessAt      sql.NullTime
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxConsecutiveFailures is the threshold at which DueJobs auto-disables a
// job rather than let it keep firing into a broken prompt or command.
const maxConsecutiveFailures = 5

// CreateScheduledJob inserts a new cron-driven or one-shot job.
func (s *Store) CreateScheduledJob(ctx context.Context, j ScheduledJob) (int64, error) {
	if _, err := cronParser.Parse(j.CronExpr); err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", j.CronExpr, err)
	}
	if j.Target == "" {
		j.Target = "talk"
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_jobs (user_id, name, cron_expr, prompt, command, target,
				conversation_token, enabled, once, silent_unless_action)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), 1, ?, ?);
		`, j.UserID, j.Name, j.CronExpr, j.Prompt, j.Command, j.Target, j.ConversationToken,
			boolToInt(j.Once), boolToInt(j.SilentUnlessAction))
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	return id, err
}

func scanScheduledJobRow(row *sql.Row) (*ScheduledJob, error) {
	var j ScheduledJob
	var lastRunStr, lastSuccessStr sql.NullString
	var enabled, once, silent int
	if err := row.Scan(
		&j.ID, &j.UserID, &j.Name, &j.CronExpr, &j.Prompt, &j.Command, &j.Target,
		&j.ConversationToken, &enabled, &once, &silent, &lastRunStr,
		&j.ConsecutiveFailures, &j.LastError, &lastSuccessStr,
	); err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	j.Once = once != 0
	j.SilentUnlessAction = silent != 0
	if lastRunStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, lastRunStr.String)
		j.LastRunAt = sql.NullTime{Time: ts, Valid: true}
	}
	if lastSuccessStr.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, lastSuccessStr.String)
		j.LastSuccessAt = sql.NullTime{Time: ts, Valid: true}
	}
	return &j, nil
}

const scheduledJobColumns = `id, user_id, name, cron_expr, prompt, command, target,
	conversation_token, enabled, once, silent_unless_action, last_run_at,
	consecutive_failures, last_error, last_success_at`

// GetScheduledJob fetches one job by id.
func (s *Store) GetScheduledJob(ctx context.Context, id int64) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = ?;`, id)
	return scanScheduledJobRow(row)
}

// ListScheduledJobsForUser lists all jobs for a user.
func (s *Store) ListScheduledJobsForUser(ctx context.Context, userID string) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE user_id = ? ORDER BY name ASC;`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledJobRows(rows)
}

func scanScheduledJobRows(rows *sql.Rows) ([]*ScheduledJob, error) {
	var out []*ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		var lastRunStr, lastSuccessStr sql.NullString
		var enabled, once, silent int
		if err := rows.Scan(
			&j.ID, &j.UserID, &j.Name, &j.CronExpr, &j.Prompt, &j.Command, &j.Target,
			&j.ConversationToken, &enabled, &once, &silent, &lastRunStr,
			&j.ConsecutiveFailures, &j.LastError, &lastSuccessStr,
		); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		j.Once = once != 0
		j.SilentUnlessAction = silent != 0
		if lastRunStr.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, lastRunStr.String)
			j.LastRunAt = sql.NullTime{Time: ts, Valid: true}
		}
		if lastSuccessStr.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, lastSuccessStr.String)
			j.LastSuccessAt = sql.NullTime{Time: ts, Valid: true}
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// DueJobs returns every enabled job whose cron expression matches the
// current tick, i.e. next-run-before-now relative to last_run_at (spec
// §4.5 check_scheduled_jobs / check_briefings phases).
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE enabled = 1;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanScheduledJobRows(rows)
	if err != nil {
		return nil, err
	}

	var due []*ScheduledJob
	for _, j := range all {
		sched, err := cronParser.Parse(j.CronExpr)
		if err != nil {
			continue
		}
		from := j.LastRunAt.Time
		if !j.LastRunAt.Valid {
			from = now.Add(-time.Minute)
		}
		next := sched.Next(from)
		if !next.After(now) {
			due = append(due, j)
		}
	}
	return due, nil
}

// RecordJobRun updates last_run_at and either resets or increments the
// consecutive-failure counter, auto-disabling the job past the threshold
// (spec §4.5: a scheduled job that keeps failing must not fire forever).
func (s *Store) RecordJobRun(ctx context.Context, jobID int64, runErr error) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, 5, func() error {
		if runErr == nil {
			_, err := s.db.ExecContext(ctx, `
				UPDATE scheduled_jobs SET last_run_at = ?, last_success_at = ?, consecutive_failures = 0, last_error = NULL
				WHERE id = ?;
			`, now, now, jobID)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET last_run_at = ?, consecutive_failures = consecutive_failures + 1, last_error = ?
			WHERE id = ?;
		`, now, runErr.Error(), jobID)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET enabled = 0 WHERE id = ? AND consecutive_failures >= ?;
		`, jobID, maxConsecutiveFailures)
		return err
	})
}

// DisableOnceJob disables a one-shot job after it fires, so the scheduler
// loop never re-triggers it (spec §4.5 once semantics).
func (s *Store) DisableOnceJob(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET enabled = 0 WHERE id = ? AND once = 1;`, jobID)
	return err
}

// DeleteScheduledJob removes a job definition.
func (s *Store) DeleteScheduledJob(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE user_id = ? AND name = ?;`, userID, name)
	return err
}

// SetScheduledJobEnabled toggles a job on or off without deleting its definition.
func (s *Store) SetScheduledJobEnabled(ctx context.Context, userID, name string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET enabled = ? WHERE user_id = ? AND name = ?;`, boolToInt(enabled), userID, name)
	return err
}

// CompletedOnceJobs returns (id, user_id, name) for every once=true job
// whose most recently fired task has completed successfully — the
// trigger for spec §8 Scenario E's "delete on success" cleanup.
func (s *Store) CompletedOnceJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT sj.id, sj.user_id, sj.name FROM scheduled_jobs sj
		JOIN tasks t ON t.scheduled_job_id = sj.id
		WHERE sj.once = 1 AND t.status = 'completed';
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		if err := rows.Scan(&j.ID, &j.UserID, &j.Name); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
