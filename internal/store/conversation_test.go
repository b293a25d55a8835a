package store

import (
	"context"
	"testing"
)

func TestRecordAndWindowConversation_OrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	token := "telegram:1"

	for i, prompt := range []string{"first", "second", "third"} {
		if err := s.RecordConversationEntry(ctx, ConversationEntry{
			TaskID: int64(i + 1), UserID: "u1", ConversationToken: token,
			Prompt: prompt, Result: "ok", SourceType: "talk",
		}); err != nil {
			t.Fatalf("record entry %d: %v", i, err)
		}
	}

	window, err := s.ConversationWindow(ctx, token, 25)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 3 {
		t.Fatalf("len(window) = %d, want 3", len(window))
	}
	if window[0].Prompt != "first" || window[2].Prompt != "third" {
		t.Fatalf("window not oldest-first: %+v", window)
	}
}

func TestConversationWindow_RespectsLookbackCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	token := "telegram:2"

	for i := 0; i < 10; i++ {
		if err := s.RecordConversationEntry(ctx, ConversationEntry{
			TaskID: int64(i + 1), UserID: "u1", ConversationToken: token,
			Prompt: "p", Result: "r", SourceType: "talk",
		}); err != nil {
			t.Fatalf("record entry %d: %v", i, err)
		}
	}

	window, err := s.ConversationWindow(ctx, token, 4)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 4 {
		t.Fatalf("len(window) = %d, want 4", len(window))
	}
	// Most recent 4 should be task ids 7..10, in that order.
	for i, e := range window {
		wantID := int64(7 + i)
		if e.TaskID != wantID {
			t.Fatalf("window[%d].TaskID = %d, want %d", i, e.TaskID, wantID)
		}
	}
}

func TestEmailThreadSeen_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, seen, err := s.EmailThreadSeen(ctx, "msg-1")
	if err != nil {
		t.Fatalf("seen check: %v", err)
	}
	if seen {
		t.Fatal("unseen message reported as seen")
	}

	if err := s.RecordEmailThread(ctx, "msg-1", "", 42); err != nil {
		t.Fatalf("record: %v", err)
	}
	taskID, seen, err := s.EmailThreadSeen(ctx, "msg-1")
	if err != nil {
		t.Fatalf("seen check 2: %v", err)
	}
	if !seen || taskID != 42 {
		t.Fatalf("seen=%v taskID=%d, want seen=true taskID=42", seen, taskID)
	}

	// Recording the same message id again must not error or overwrite (ON CONFLICT DO NOTHING).
	if err := s.RecordEmailThread(ctx, "msg-1", "", 99); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	taskID, _, err = s.EmailThreadSeen(ctx, "msg-1")
	if err != nil {
		t.Fatalf("seen check 3: %v", err)
	}
	if taskID != 42 {
		t.Fatalf("taskID after re-record = %d, want unchanged 42", taskID)
	}
}
