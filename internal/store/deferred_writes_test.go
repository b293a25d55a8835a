package store

import (
	"context"
	"testing"
)

func TestInsertTrackedTransaction_DedupsByPayloadHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertTrackedTransaction(ctx, 1, `{"amount":100}`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTrackedTransaction(ctx, 1, `{"amount":100}`); err != nil {
		t.Fatalf("re-insert same payload: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_transactions;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 (identical payload replayed must not duplicate)", count)
	}

	if err := s.InsertTrackedTransaction(ctx, 1, `{"amount":200}`); err != nil {
		t.Fatalf("insert different payload: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_transactions;`).Scan(&count); err != nil {
		t.Fatalf("count 2: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 after a distinct payload", count)
	}
}

func TestSetAndGetEmailOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, _, ok, err := s.EmailOutput(ctx, 7)
	if err != nil {
		t.Fatalf("get before set: %v", err)
	}
	if ok {
		t.Fatal("expected no email output before SetEmailOutput")
	}

	if err := s.SetEmailOutput(ctx, 7, "Subject", "Body text", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	subject, body, format, ok, err := s.EmailOutput(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || subject != "Subject" || body != "Body text" || format != "plain" {
		t.Fatalf("got subject=%q body=%q format=%q ok=%v, want Subject/Body text/plain/true", subject, body, format, ok)
	}

	if err := s.SetEmailOutput(ctx, 7, "Subject2", "Body2", "html"); err != nil {
		t.Fatalf("update: %v", err)
	}
	subject, _, format, _, _ = s.EmailOutput(ctx, 7)
	if subject != "Subject2" || format != "html" {
		t.Fatalf("after update subject=%q format=%q, want Subject2/html", subject, format)
	}
}
