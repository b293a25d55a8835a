package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CronFileJob is one user-editable cron file entry (spec §4.5
// check_scheduled_jobs: "synchronize user-editable cron files into the
// ScheduledJob table"). yaml.v3's block/flow scalar selection already
// round-trips embedded double-quote characters losslessly (it switches
// to single-quoted or literal block style as needed) — satisfying the
// "other jobs' fields preserved verbatim, including entries whose values
// contain embedded double-quote characters" property from spec §8
// Scenario E without needing a bespoke triple-quote writer.
type CronFileJob struct {
	Name               string `yaml:"name"`
	Cron               string `yaml:"cron"`
	Prompt             string `yaml:"prompt,omitempty"`
	Command            string `yaml:"command,omitempty"`
	Target             string `yaml:"target,omitempty"`
	ConversationToken  string `yaml:"conversation_token,omitempty"`
	Once               bool   `yaml:"once,omitempty"`
	SilentUnlessAction bool   `yaml:"silent_unless_action,omitempty"`
}

type cronFileDoc struct {
	Jobs []CronFileJob `yaml:"jobs"`
}

// ReadCronFile parses a user's cron file, returning an empty slice if it
// doesn't exist yet.
func ReadCronFile(path string) ([]CronFileJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cron file: %w", err)
	}
	var doc cronFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cron file: %w", err)
	}
	return doc.Jobs, nil
}

// WriteCronFile serializes jobs back to disk.
func WriteCronFile(path string, jobs []CronFileJob) error {
	out, err := yaml.Marshal(cronFileDoc{Jobs: jobs})
	if err != nil {
		return fmt.Errorf("marshal cron file: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// RemoveJobFromCronFile deletes one job by name from the file, used
// after a once=true job runs successfully (spec §8 Scenario E: the job
// row is deleted from the store *and* removed from the user's cron file).
func RemoveJobFromCronFile(path, name string) error {
	jobs, err := ReadCronFile(path)
	if err != nil {
		return err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Name != name {
			out = append(out, j)
		}
	}
	return WriteCronFile(path, out)
}

// SyncCronFile reads a user's cron file and reconciles it into the
// scheduled_jobs table: new entries are created, changed cron
// expressions reset last_run_at (to avoid catch-up firing of historical
// slots) while preserving consecutive_failures, disabled state is
// preserved across syncs, and jobs removed from the file are deleted
// from the store (spec §4.5).
func (s *Store) SyncCronFile(ctx context.Context, userID, path string) error {
	fileJobs, err := ReadCronFile(path)
	if err != nil {
		return err
	}
	fileNames := make(map[string]bool, len(fileJobs))
	for _, fj := range fileJobs {
		fileNames[fj.Name] = true
	}

	existing, err := s.ListScheduledJobsForUser(ctx, userID)
	if err != nil {
		return err
	}
	existingByName := make(map[string]*ScheduledJob, len(existing))
	for _, e := range existing {
		existingByName[e.Name] = e
	}

	for _, fj := range fileJobs {
		cur, ok := existingByName[fj.Name]
		if !ok {
			if _, err := s.CreateScheduledJob(ctx, ScheduledJob{
				UserID: userID, Name: fj.Name, CronExpr: fj.Cron,
				Prompt:            nullableString(fj.Prompt),
				Command:           nullableString(fj.Command),
				Target:            fj.Target,
				ConversationToken: nullableString(fj.ConversationToken),
				Once:              fj.Once, SilentUnlessAction: fj.SilentUnlessAction,
			}); err != nil {
				return fmt.Errorf("create scheduled job %q: %w", fj.Name, err)
			}
			continue
		}
		resetLastRun := cur.CronExpr != fj.Cron
		if err := s.updateScheduledJobFromFile(ctx, cur.ID, fj, resetLastRun); err != nil {
			return fmt.Errorf("update scheduled job %q: %w", fj.Name, err)
		}
	}

	for name, e := range existingByName {
		if !fileNames[name] {
			if err := s.DeleteScheduledJob(ctx, userID, name); err != nil {
				return fmt.Errorf("delete orphaned scheduled job %q: %w", name, err)
			}
		}
	}
	return nil
}

func (s *Store) updateScheduledJobFromFile(ctx context.Context, id int64, fj CronFileJob, resetLastRun bool) error {
	return retryOnBusy(ctx, 5, func() error {
		if resetLastRun {
			_, err := s.db.ExecContext(ctx, `
				UPDATE scheduled_jobs SET cron_expr = ?, prompt = NULLIF(?, ''), command = NULLIF(?, ''),
					target = ?, conversation_token = NULLIF(?, ''), once = ?, silent_unless_action = ?,
					last_run_at = NULL
				WHERE id = ?;
			`, fj.Cron, fj.Prompt, fj.Command, fj.Target, fj.ConversationToken, boolToInt(fj.Once), boolToInt(fj.SilentUnlessAction), id)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET cron_expr = ?, prompt = NULLIF(?, ''), command = NULLIF(?, ''),
				target = ?, conversation_token = NULLIF(?, ''), once = ?, silent_unless_action = ?
			WHERE id = ?;
		`, fj.Cron, fj.Prompt, fj.Command, fj.Target, fj.ConversationToken, boolToInt(fj.Once), boolToInt(fj.SilentUnlessAction), id)
		return err
	})
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
