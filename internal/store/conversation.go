package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// ConversationEntry mirrors one `conversation_state` row: the record left
// behind after a task completes, forming the history the Context Selector
// (spec §4.7) reads when assembling a prompt for the next message in the
// same conversation.
type ConversationEntry struct {
	ID                int64
	TaskID            int64
	UserID            string
	ConversationToken string
	Prompt            string
	Result            string
	ActionsTaken      []string
	SourceType        string
	ReplyToTaskID     sql.NullInt64
	Timestamp         time.Time
}

// RecordConversationEntry appends a completed task's prompt/result pair to
// the conversation history, called by the worker right after CompleteTask.
func (s *Store) RecordConversationEntry(ctx context.Context, e ConversationEntry) error {
	actionsJSON, err := json.Marshal(e.ActionsTaken)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO conversation_state (task_id, user_id, conversation_token, prompt, result,
				actions_taken, source_type, reply_to_task_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.TaskID, e.UserID, e.ConversationToken, e.Prompt, e.Result, string(actionsJSON),
			e.SourceType, e.ReplyToTaskID, time.Now().UTC().Format(time.RFC3339Nano))
		return execErr
	})
}

// RecentConversation returns the last n entries for a conversation token,
// oldest first, the "always include recent" floor the Context Selector
// applies before any triage (spec §4.7).
func (s *Store) RecentConversation(ctx context.Context, conversationToken string, n int) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, conversation_token, prompt, result, actions_taken, source_type, reply_to_task_id, timestamp
		FROM conversation_state WHERE conversation_token = ? ORDER BY timestamp DESC LIMIT ?;
	`, conversationToken, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanConversationRows(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ConversationWindow returns up to lookback entries for a conversation
// token, oldest first, the full candidate pool the Context Selector's LLM
// triage step chooses from when the window exceeds the skip-selection
// threshold (spec §4.7).
func (s *Store) ConversationWindow(ctx context.Context, conversationToken string, lookback int) ([]ConversationEntry, error) {
	return s.RecentConversation(ctx, conversationToken, lookback)
}

func scanConversationRows(rows *sql.Rows) ([]ConversationEntry, error) {
	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		var actionsJSON, tsStr string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.ConversationToken, &e.Prompt, &e.Result,
			&actionsJSON, &e.SourceType, &e.ReplyToTaskID, &tsStr); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(actionsJSON), &e.ActionsTaken)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TalkLastSeenMessageID returns the last Telegram/console message id
// processed for a conversation token, used to resume after a restart
// without replaying already-handled messages.
func (s *Store) TalkLastSeenMessageID(ctx context.Context, conversationToken string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT last_message_id FROM talk_last_seen WHERE conversation_token = ?;`, conversationToken).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// SetTalkLastSeenMessageID records the last processed message id for a conversation token.
func (s *Store) SetTalkLastSeenMessageID(ctx context.Context, conversationToken, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO talk_last_seen (conversation_token, last_message_id) VALUES (?, ?)
		ON CONFLICT(conversation_token) DO UPDATE SET last_message_id = excluded.last_message_id;
	`, conversationToken, messageID)
	return err
}

// EmailThreadSeen reports whether a message id has already produced a task
// (spec §4.5 poll_emails idempotence law) and, if so, which task.
func (s *Store) EmailThreadSeen(ctx context.Context, messageID string) (int64, bool, error) {
	var taskID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT task_id FROM email_thread_dedup WHERE message_id = ?;`, messageID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return taskID.Int64, true, nil
}

// RecordEmailThread marks a message id as processed, tying it to the task
// it produced (if any) and its References chain for future thread lookups.
func (s *Store) RecordEmailThread(ctx context.Context, messageID, referencesChain string, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_thread_dedup (message_id, references_chain, task_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING;
	`, messageID, referencesChain, taskID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
