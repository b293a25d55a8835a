package store

import (
	"context"
	"testing"
	"time"
)

func TestKVSetGetDeleteList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.KVGet(ctx, "u1", "ns", "k1"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.KVSet(ctx, "u1", "ns", "k1", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.KVGet(ctx, "u1", "ns", "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("get after set: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := s.KVSet(ctx, "u1", "ns", "k1", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = s.KVGet(ctx, "u1", "ns", "k1")
	if v != "v2" {
		t.Fatalf("v after overwrite = %q, want v2", v)
	}

	if err := s.KVSet(ctx, "u1", "ns", "k2", "v3"); err != nil {
		t.Fatalf("set k2: %v", err)
	}
	all, err := s.KVList(ctx, "u1", "ns")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all["k1"] != "v2" || all["k2"] != "v3" {
		t.Fatalf("list = %+v", all)
	}

	if err := s.KVDelete(ctx, "u1", "ns", "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.KVGet(ctx, "u1", "ns", "k1"); ok {
		t.Fatal("key should be gone after delete")
	}
}

func TestDueHeartbeatChecks_NeverCheckedIsDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertHeartbeatCheck(ctx, HeartbeatCheck{Name: "disk", UserID: "u1", IntervalMinutes: 60}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	due, err := s.DueHeartbeatChecks(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].Name != "disk" {
		t.Fatalf("due = %+v, want one check named disk", due)
	}

	if err := s.RecordHeartbeatCheck(ctx, "disk", true, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	due, err = s.DueHeartbeatChecks(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due after record: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due after just-checked = %+v, want none", due)
	}

	future := time.Now().UTC().Add(61 * time.Minute)
	due, err = s.DueHeartbeatChecks(ctx, future)
	if err != nil {
		t.Fatalf("due in future: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due 61 minutes later = %+v, want due again", due)
	}
}

func TestRecordHeartbeatCheck_TracksConsecutiveErrorsAndAlertCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertHeartbeatCheck(ctx, HeartbeatCheck{Name: "api", UserID: "u1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.RecordHeartbeatCheck(ctx, "api", false, true); err != nil {
		t.Fatalf("record failure+alert: %v", err)
	}
	if err := s.RecordHeartbeatCheck(ctx, "api", false, false); err != nil {
		t.Fatalf("record second failure: %v", err)
	}

	due, err := s.DueHeartbeatChecks(ctx, time.Now().UTC().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected the check still tracked, got %+v", due)
	}
	if due[0].ConsecutiveErrors != 2 {
		t.Fatalf("consecutive_errors = %d, want 2", due[0].ConsecutiveErrors)
	}
	if !due[0].LastAlertAt.Valid {
		t.Fatal("expected last_alert_at to be set from the first alerted=true call")
	}
}

func TestSkillFingerprintRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fp, err := s.SkillFingerprint(ctx, "u1")
	if err != nil {
		t.Fatalf("fingerprint before set: %v", err)
	}
	if fp != "" {
		t.Fatalf("fingerprint before set = %q, want empty", fp)
	}

	if err := s.SetSkillFingerprint(ctx, "u1", "abc123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	fp, err = s.SkillFingerprint(ctx, "u1")
	if err != nil {
		t.Fatalf("fingerprint after set: %v", err)
	}
	if fp != "abc123" {
		t.Fatalf("fingerprint = %q, want abc123", fp)
	}

	if err := s.SetSkillFingerprint(ctx, "u1", "def456"); err != nil {
		t.Fatalf("update: %v", err)
	}
	fp, _ = s.SkillFingerprint(ctx, "u1")
	if fp != "def456" {
		t.Fatalf("fingerprint after update = %q, want def456", fp)
	}
}
