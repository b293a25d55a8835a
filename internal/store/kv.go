package store

import (
	"context"
	"database/sql"
	"time"
)

// KVGet reads a value from the per-user key/value store, used by skills
// and channel adapters for small bits of durable state that don't warrant
// a dedicated table.
func (s *Store) KVGet(ctx context.Context, userID, namespace, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_store WHERE user_id = ? AND namespace = ? AND key = ?;
	`, userID, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// KVSet writes a value to the per-user key/value store, overwriting any
// existing value for the same key.
func (s *Store) KVSet(ctx context.Context, userID, namespace, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (user_id, namespace, key, value) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, namespace, key) DO UPDATE SET value = excluded.value;
		`, userID, namespace, key, value)
		return err
	})
}

// KVDelete removes a key.
func (s *Store) KVDelete(ctx context.Context, userID, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE user_id = ? AND namespace = ? AND key = ?;`, userID, namespace, key)
	return err
}

// KVList returns every key/value pair in a namespace for a user.
func (s *Store) KVList(ctx context.Context, userID, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv_store WHERE user_id = ? AND namespace = ?;`, userID, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// HeartbeatCheck mirrors the `heartbeat_checks` row (spec §4.5
// check_heartbeats phase): a named external condition polled on an
// interval, with a cooldown and optional quiet hours for alert delivery.
type HeartbeatCheck struct {
	Name              string
	UserID            string
	LastCheckAt       sql.NullTime
	LastAlertAt       sql.NullTime
	ConsecutiveErrors int
	IntervalMinutes   int
	CooldownMinutes   int
	QuietHoursStart   sql.NullString
	QuietHoursEnd     sql.NullString
}

// UpsertHeartbeatCheck creates or updates a heartbeat check definition.
func (s *Store) UpsertHeartbeatCheck(ctx context.Context, h HeartbeatCheck) error {
	if h.IntervalMinutes <= 0 {
		h.IntervalMinutes = 60
	}
	if h.CooldownMinutes <= 0 {
		h.CooldownMinutes = 60
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO heartbeat_checks (name, user_id, interval_minutes, cooldown_minutes, quiet_hours_start, quiet_hours_end)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				user_id = excluded.user_id,
				interval_minutes = excluded.interval_minutes,
				cooldown_minutes = excluded.cooldown_minutes,
				quiet_hours_start = excluded.quiet_hours_start,
				quiet_hours_end = excluded.quiet_hours_end;
		`, h.Name, h.UserID, h.IntervalMinutes, h.CooldownMinutes, h.QuietHoursStart, h.QuietHoursEnd)
		return err
	})
}

// DueHeartbeatChecks returns heartbeat checks whose interval has elapsed
// since last_check_at.
func (s *Store) DueHeartbeatChecks(ctx context.Context, now time.Time) ([]HeartbeatCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, user_id, last_check_at, last_alert_at, consecutive_errors, interval_minutes,
			cooldown_minutes, quiet_hours_start, quiet_hours_end
		FROM heartbeat_checks;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []HeartbeatCheck
	for rows.Next() {
		var h HeartbeatCheck
		var lastCheckStr, lastAlertStr sql.NullString
		if err := rows.Scan(&h.Name, &h.UserID, &lastCheckStr, &lastAlertStr, &h.ConsecutiveErrors,
			&h.IntervalMinutes, &h.CooldownMinutes, &h.QuietHoursStart, &h.QuietHoursEnd); err != nil {
			return nil, err
		}
		if lastCheckStr.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, lastCheckStr.String)
			h.LastCheckAt = sql.NullTime{Time: ts, Valid: true}
		}
		if lastAlertStr.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, lastAlertStr.String)
			h.LastAlertAt = sql.NullTime{Time: ts, Valid: true}
		}
		if !h.LastCheckAt.Valid || now.Sub(h.LastCheckAt.Time) >= time.Duration(h.IntervalMinutes)*time.Minute {
			due = append(due, h)
		}
	}
	return due, rows.Err()
}

// RecordHeartbeatCheck updates a heartbeat check's last_check_at and error
// streak after it runs, recording last_alert_at only when alerted is true
// (the cooldown gate the scheduler consults before re-alerting).
func (s *Store) RecordHeartbeatCheck(ctx context.Context, name string, ok bool, alerted bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, 5, func() error {
		if ok {
			_, err := s.db.ExecContext(ctx, `
				UPDATE heartbeat_checks SET last_check_at = ?, consecutive_errors = 0 WHERE name = ?;
			`, now, name)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE heartbeat_checks SET last_check_at = ?, consecutive_errors = consecutive_errors + 1 WHERE name = ?;
		`, now, name)
		if err != nil {
			return err
		}
		if alerted {
			_, err = s.db.ExecContext(ctx, `UPDATE heartbeat_checks SET last_alert_at = ? WHERE name = ?;`, now, name)
		}
		return err
	})
}

// InvoiceSchedule mirrors the `invoice_schedules` row (spec §4.5
// check_invoice_schedules phase).
type InvoiceSchedule struct {
	ID             int64
	UserID         string
	Name           string
	ReminderSentAt sql.NullTime
	GeneratedAt    sql.NullTime
}

// UpsertInvoiceSchedule creates or updates an invoice schedule definition.
func (s *Store) UpsertInvoiceSchedule(ctx context.Context, userID, name string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO invoice_schedules (user_id, name) VALUES (?, ?)
			ON CONFLICT(user_id, name) DO NOTHING;
		`, userID, name)
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	return id, err
}

// MarkInvoiceReminderSent records that a reminder was delivered for a schedule.
func (s *Store) MarkInvoiceReminderSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE invoice_schedules SET reminder_sent_at = ? WHERE id = ?;`, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// MarkInvoiceGenerated records that an invoice was generated for a schedule.
func (s *Store) MarkInvoiceGenerated(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE invoice_schedules SET generated_at = ? WHERE id = ?;`, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// MemoryExtractionDue reports whether memory extraction is due for a
// user/channel pair, given a minimum interval (spec-adjacent admin
// feature noted in SUPPLEMENTED FEATURES).
func (s *Store) MemoryExtractionDue(ctx context.Context, userID, channel string, minInterval time.Duration) (bool, error) {
	var lastStr sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_extracted_at FROM memory_extraction_state WHERE user_id = ? AND channel = ?;`, userID, channel).Scan(&lastStr)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !lastStr.Valid {
		return true, nil
	}
	last, err := time.Parse(time.RFC3339Nano, lastStr.String)
	if err != nil {
		return true, nil
	}
	return time.Since(last) >= minInterval, nil
}

// RecordMemoryExtraction marks memory extraction as having just run.
func (s *Store) RecordMemoryExtraction(ctx context.Context, userID, channel string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_extraction_state (user_id, channel, last_extracted_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, channel) DO UPDATE SET last_extracted_at = excluded.last_extracted_at;
	`, userID, channel, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// SkillFingerprint returns the last-seen skill manifest fingerprint for a
// user, used by the prompt assembler's changelog detection (spec §4.3).
func (s *Store) SkillFingerprint(ctx context.Context, userID string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM skill_fingerprints WHERE user_id = ?;`, userID).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return fp, err
}

// SetSkillFingerprint records the current skill manifest fingerprint for a user.
func (s *Store) SetSkillFingerprint(ctx context.Context, userID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_fingerprints (user_id, fingerprint, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET fingerprint = excluded.fingerprint, updated_at = excluded.updated_at;
	`, userID, fingerprint, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
