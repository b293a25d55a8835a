package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func sqlString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func TestCreateScheduledJob_RejectsBadCron(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateScheduledJob(ctx, ScheduledJob{UserID: "u1", Name: "bad", CronExpr: "not a cron"}); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestDueJobs_NeverRunIsDueImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateScheduledJob(ctx, ScheduledJob{UserID: "u1", Name: "daily", CronExpr: "0 9 * * *", Prompt: sqlString("good morning")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := s.DueJobs(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	found := false
	for _, j := range due {
		if j.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected never-run job %d among due jobs %+v", id, due)
	}
}

func TestRecordJobRun_AutoDisablesAfterThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateScheduledJob(ctx, ScheduledJob{UserID: "u1", Name: "flaky", CronExpr: "* * * * *", Prompt: sqlString("p")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < maxConsecutiveFailures; i++ {
		if err := s.RecordJobRun(ctx, id, errors.New("boom")); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
	}

	job, err := s.GetScheduledJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Enabled {
		t.Fatal("expected job to be auto-disabled after hitting the consecutive failure threshold")
	}
	if job.ConsecutiveFailures != maxConsecutiveFailures {
		t.Fatalf("consecutive_failures = %d, want %d", job.ConsecutiveFailures, maxConsecutiveFailures)
	}
}

func TestRecordJobRun_SuccessResetsFailureStreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateScheduledJob(ctx, ScheduledJob{UserID: "u1", Name: "recovering", CronExpr: "* * * * *", Prompt: sqlString("p")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RecordJobRun(ctx, id, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.RecordJobRun(ctx, id, nil); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	job, err := s.GetScheduledJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want 0 after a success", job.ConsecutiveFailures)
	}
	if !job.LastSuccessAt.Valid {
		t.Fatal("expected last_success_at to be set")
	}
}

func TestDisableOnceJob_OnlyAffectsOnceJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	onceID, err := s.CreateScheduledJob(ctx, ScheduledJob{UserID: "u1", Name: "reminder", CronExpr: "0 0 1 1 *", Once: true, Prompt: sqlString("p")})
	if err != nil {
		t.Fatalf("create once: %v", err)
	}
	recurringID, err := s.CreateScheduledJob(ctx, ScheduledJob{UserID: "u1", Name: "daily", CronExpr: "0 9 * * *", Prompt: sqlString("p")})
	if err != nil {
		t.Fatalf("create recurring: %v", err)
	}

	if err := s.DisableOnceJob(ctx, recurringID); err != nil {
		t.Fatalf("disable recurring (should no-op): %v", err)
	}
	job, err := s.GetScheduledJob(ctx, recurringID)
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if !job.Enabled {
		t.Fatal("DisableOnceJob must not affect a recurring job")
	}

	if err := s.DisableOnceJob(ctx, onceID); err != nil {
		t.Fatalf("disable once: %v", err)
	}
	job, err = s.GetScheduledJob(ctx, onceID)
	if err != nil {
		t.Fatalf("get once: %v", err)
	}
	if job.Enabled {
		t.Fatal("expected the once job to be disabled")
	}
}
