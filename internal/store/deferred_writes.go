package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

// InsertTrackedTransaction records an accounting-integration dedup row
// (spec §4.6 task_{id}_tracked_transactions.json). The payload's content
// hash is the dedup key, so replaying the same deferred file twice
// (spec §8 idempotence) inserts nothing the second time.
func (s *Store) InsertTrackedTransaction(ctx context.Context, taskID int64, payload string) error {
	sum := sha256.Sum256([]byte(payload))
	hash := fmt.Sprintf("%x", sum)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tracked_transactions (task_id, record_hash, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(record_hash) DO NOTHING;
		`, taskID, hash, payload, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// SetEmailOutput captures the structured reply payload the email
// delivery path consumes (spec §4.6 task_{id}_email_output.json).
func (s *Store) SetEmailOutput(ctx context.Context, taskID int64, subject, body, format string) error {
	if format == "" {
		format = "plain"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO email_outputs (task_id, subject, body, format, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET subject = excluded.subject, body = excluded.body, format = excluded.format;
		`, taskID, subject, body, format, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// EmailOutput fetches a previously captured reply payload, if any.
func (s *Store) EmailOutput(ctx context.Context, taskID int64) (subject, body, format string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT subject, body, format FROM email_outputs WHERE task_id = ?;`, taskID)
	scanErr := row.Scan(&subject, &body, &format)
	if scanErr != nil {
		return "", "", "", false, nil
	}
	return subject, body, format, true, nil
}
