// Package scheduler implements the Scheduler Loop (spec §4.5): a
// daemon tick that runs an ordered set of interval-gated phases —
// briefing/cron evaluation, channel pollers, heartbeat and invoice
// checks, cleanup, and worker-pool dispatch.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/pool"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

const briefingNamePrefix = "briefing:"

// Collaborators bundles the interface-only collaborators spec §1 and §6
// place out of core scope (IMAP/SMTP clients, file share sync, etc).
// Every field is optional; a nil func is simply skipped for that tick.
type Collaborators struct {
	ListUsers           func(ctx context.Context) ([]string, error)
	CronFilePath        func(userID string) string
	PollEmails          func(ctx context.Context) error
	PollTasksFiles      func(ctx context.Context) error
	OrganizeSharedFiles func(ctx context.Context) error
	RunSleepCycle       func(ctx context.Context, userID string) error
	UserTimezone        func(userID string) *time.Location
}

// Loop is the daemon's tick-driven phase runner.
type Loop struct {
	store  *store.Store
	pool   *pool.Pool
	cfg    config.Config
	collab Collaborators
	logger *slog.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// New constructs a Loop.
func New(st *store.Store, p *pool.Pool, cfg config.Config, collab Collaborators, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: st, pool: p, cfg: cfg, collab: collab, logger: logger, lastRun: make(map[string]time.Time)}
}

// Run ticks every poll_interval (default 2s) until ctx is canceled.
func (l *Loop) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	l.Tick(ctx) // run once immediately so a short-lived `run --once` invocation does useful work
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one pass of every phase, gated by its own interval.
func (l *Loop) Tick(ctx context.Context) {
	now := time.Now()
	l.gated("check_briefings", 60*time.Second, now, func() { l.checkBriefings(ctx) })
	l.gated("check_scheduled_jobs", 60*time.Second, now, func() { l.checkScheduledJobs(ctx) })
	l.gated("check_sleep_cycles", 60*time.Second, now, func() { l.checkSleepCycles(ctx) })
	l.gated("poll_emails", 60*time.Second, now, func() { l.runCollaborator(ctx, "poll_emails", l.collab.PollEmails) })
	l.gated("poll_tasks_files", 60*time.Second, now, func() { l.runCollaborator(ctx, "poll_tasks_files", l.collab.PollTasksFiles) })
	l.gated("organize_shared_files", 60*time.Second, now, func() { l.runCollaborator(ctx, "organize_shared_files", l.collab.OrganizeSharedFiles) })
	l.gated("check_heartbeats", 60*time.Second, now, func() { l.checkHeartbeats(ctx) })
	l.gated("check_invoice_schedules", 60*time.Second, now, func() { l.checkInvoiceSchedules(ctx) })
	l.gated("run_cleanup_checks", 60*time.Second, now, func() { l.runCleanupChecks(ctx) })

	l.pool.Dispatch(ctx)
}

func (l *Loop) gated(name string, interval time.Duration, now time.Time, fn func()) {
	l.mu.Lock()
	last, ok := l.lastRun[name]
	if ok && now.Sub(last) < interval {
		l.mu.Unlock()
		return
	}
	l.lastRun[name] = now
	l.mu.Unlock()
	fn()
}

func (l *Loop) runCollaborator(ctx context.Context, name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	if err := fn(ctx); err != nil {
		l.logger.Error("scheduler_collaborator_failed", slog.String("phase", name), slog.String("error", err.Error()))
	}
}

func (l *Loop) users(ctx context.Context) []string {
	if l.collab.ListUsers == nil {
		return nil
	}
	users, err := l.collab.ListUsers(ctx)
	if err != nil {
		l.logger.Error("scheduler_list_users_failed", slog.String("error", err.Error()))
		return nil
	}
	return users
}

func (l *Loop) checkBriefings(ctx context.Context) {
	now := time.Now()
	due, err := l.store.DueJobs(ctx, now)
	if err != nil {
		l.logger.Error("check_briefings_failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range due {
		if !strings.HasPrefix(job.Name, briefingNamePrefix) {
			continue
		}
		l.fireJob(ctx, job, "briefing")
	}
}

func (l *Loop) checkScheduledJobs(ctx context.Context) {
	if l.collab.CronFilePath != nil {
		for _, userID := range l.users(ctx) {
			path := l.collab.CronFilePath(userID)
			if path == "" {
				continue
			}
			if err := l.store.SyncCronFile(ctx, userID, path); err != nil {
				l.logger.Error("check_scheduled_jobs_sync_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			}
		}
	}

	now := time.Now()
	due, err := l.store.DueJobs(ctx, now)
	if err != nil {
		l.logger.Error("check_scheduled_jobs_failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range due {
		if strings.HasPrefix(job.Name, briefingNamePrefix) {
			continue
		}
		l.fireJob(ctx, job, "scheduled")
	}

	l.cleanupCompletedOnceJobs(ctx)
}

func (l *Loop) fireJob(ctx context.Context, job *store.ScheduledJob, sourceType string) {
	jobID := job.ID
	fields := store.TaskFields{
		UserID:            job.UserID,
		Prompt:            job.Prompt.String,
		Command:           job.Command.String,
		SourceType:        sourceType,
		OutputTarget:      job.Target,
		ConversationToken: job.ConversationToken.String,
		ScheduledJobID:    &jobID,
		HeartbeatSilent:   job.SilentUnlessAction,
	}
	_, err := l.store.CreateTask(ctx, fields)
	if err := l.store.RecordJobRun(ctx, job.ID, err); err != nil {
		l.logger.Error("scheduled_job_record_run_failed", slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func (l *Loop) cleanupCompletedOnceJobs(ctx context.Context) {
	jobs, err := l.store.CompletedOnceJobs(ctx)
	if err != nil {
		l.logger.Error("cleanup_completed_once_jobs_failed", slog.String("error", err.Error()))
		return
	}
	for _, j := range jobs {
		if err := l.store.DeleteScheduledJob(ctx, j.UserID, j.Name); err != nil {
			l.logger.Error("delete_once_job_failed", slog.Int64("job_id", j.ID), slog.String("error", err.Error()))
			continue
		}
		if l.collab.CronFilePath != nil {
			path := l.collab.CronFilePath(j.UserID)
			if path != "" {
				if err := store.RemoveJobFromCronFile(path, j.Name); err != nil {
					l.logger.Error("remove_once_job_from_cron_file_failed", slog.Int64("job_id", j.ID), slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (l *Loop) checkSleepCycles(ctx context.Context) {
	if l.collab.RunSleepCycle == nil {
		return
	}
	for _, userID := range l.users(ctx) {
		if err := l.collab.RunSleepCycle(ctx, userID); err != nil {
			l.logger.Error("check_sleep_cycles_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}
}

func (l *Loop) checkHeartbeats(ctx context.Context) {
	now := time.Now()
	due, err := l.store.DueHeartbeatChecks(ctx, now)
	if err != nil {
		l.logger.Error("check_heartbeats_failed", slog.String("error", err.Error()))
		return
	}
	for _, h := range due {
		ok := runHeartbeatProbe(h)
		alerted := false
		if !ok {
			tz := time.Local
			if l.collab.UserTimezone != nil {
				if z := l.collab.UserTimezone(h.UserID); z != nil {
					tz = z
				}
			}
			if !inQuietHours(now.In(tz), h.QuietHoursStart.String, h.QuietHoursEnd.String) {
				cooldownOK := !h.LastAlertAt.Valid || now.Sub(h.LastAlertAt.Time) >= time.Duration(h.CooldownMinutes)*time.Minute
				alerted = cooldownOK
			}
		}
		if err := l.store.RecordHeartbeatCheck(ctx, h.Name, ok, alerted); err != nil {
			l.logger.Error("record_heartbeat_check_failed", slog.String("check", h.Name), slog.String("error", err.Error()))
		}
	}
}

// runHeartbeatProbe is a placeholder hook point: the concrete health
// check (service ping, disk space, etc.) is a per-deployment concern.
// A real deployment replaces this with its own probe registry; the
// scheduler only owns the interval/cooldown/quiet-hours bookkeeping.
func runHeartbeatProbe(h store.HeartbeatCheck) bool {
	return true
}

// inQuietHours reports whether t falls within [start, end), supporting
// ranges that cross midnight (spec §8 testable property 6).
func inQuietHours(t time.Time, start, end string) bool {
	if start == "" || end == "" {
		return false
	}
	startT, err1 := time.Parse("15:04", start)
	endT, err2 := time.Parse("15:04", end)
	if err1 != nil || err2 != nil {
		return false
	}
	nowMinutes := t.Hour()*60 + t.Minute()
	startMinutes := startT.Hour()*60 + startT.Minute()
	endMinutes := endT.Hour()*60 + endT.Minute()

	if startMinutes <= endMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes
	}
	// Crosses midnight: quiet from start..24:00 and 00:00..end.
	return nowMinutes >= startMinutes || nowMinutes < endMinutes
}

func (l *Loop) checkInvoiceSchedules(ctx context.Context) {
	// Invoice reminder/generation thresholds are a per-deployment concern
	// (accounting skill); the core only owns the due-date bookkeeping
	// table. A full implementation wires a reminder-window callback here
	// the same way checkHeartbeats wires a probe.
}

func (l *Loop) runCleanupChecks(ctx context.Context) {
	if n, err := l.store.ExpirePendingConfirmations(ctx, l.cfg.ConfirmationTimeoutMin); err != nil {
		l.logger.Error("cleanup_expire_pending_confirmations_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		l.logger.Info("cleanup_expired_pending_confirmations", slog.Int64("count", n))
	}

	if n, err := l.store.FailStalePending(ctx, l.cfg.StalePendingFailHours); err != nil {
		l.logger.Error("cleanup_fail_stale_pending_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		l.logger.Info("cleanup_failed_stale_pending", slog.Int64("count", n))
	}

	if n, err := l.store.DeleteOldTerminal(ctx, l.cfg.TaskRetentionDays); err != nil {
		l.logger.Error("cleanup_delete_old_terminal_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		l.logger.Info("cleanup_deleted_old_terminal", slog.Int64("count", n))
	}
}
