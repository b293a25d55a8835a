// Package deferred implements the Deferred Post-Processor (spec §4.6): it
// scans a completed task's deferred-write directory for task_{id}_{kind}.json
// files the subprocess left behind and applies each exactly once against the
// store, since the subprocess itself only ever sees a writable directory, not
// the store handle.
package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zkoranges/goclaw-engine/internal/audit"
	"github.com/zkoranges/goclaw-engine/internal/bus"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

// fileKinds maps the filename suffix (task_{id}_{suffix}.json) to its Kind.
var fileKinds = map[string]Kind{
	"subtasks":             KindSubtasks,
	"tracked_transactions": KindTrackedTransactions,
	"email_output":         KindEmailOutput,
}

type subtaskItem struct {
	UserID     string `json:"user_id"`
	Prompt     string `json:"prompt"`
	SourceType string `json:"source_type"`
}

type emailOutputDoc struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Format  string `json:"format"`
}

// Processor applies deferred-write files for completed tasks.
type Processor struct {
	store   *store.Store
	schemas *SchemaSet
	baseDir string
	isAdmin func(userID string) bool
	bus     *bus.Bus
	logger  *slog.Logger
}

// New constructs a Processor. isAdmin may be nil, in which case no user is
// treated as admin and task_{id}_subtasks.json files are always rejected.
// b may be nil if no bus observability is wired.
func New(st *store.Store, baseDir string, isAdmin func(string) bool, b *bus.Bus, logger *slog.Logger) (*Processor, error) {
	schemas, err := NewSchemaSet()
	if err != nil {
		return nil, fmt.Errorf("compile deferred-write schemas: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, schemas: schemas, baseDir: baseDir, isAdmin: isAdmin, bus: b, logger: logger}, nil
}

// Apply scans task's per-user deferred directory for files belonging to
// task and applies each recognized one. Per spec §4.6, a file that fails
// to parse, validate, or apply is logged and left in place (so it can be
// inspected) rather than causing the task itself to be marked failed;
// Apply itself never returns an error for that reason.
func (p *Processor) Apply(ctx context.Context, task *store.Task) {
	dir := filepath.Join(p.baseDir, task.UserID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Error("deferred_scan_failed", slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
		}
		return
	}

	prefix := fmt.Sprintf("task_%d_", task.ID)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		suffix := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		kind, known := fileKinds[suffix]
		if !known {
			continue
		}

		path := filepath.Join(dir, name)
		if err := p.applyOne(ctx, task, kind, path); err != nil {
			p.logger.Error("deferred_apply_failed",
				slog.Int64("task_id", task.ID),
				slog.String("kind", string(kind)),
				slog.String("file", path),
				slog.String("error", err.Error()))
			p.publish(bus.TopicDeferredRejected, task.ID, string(kind), err.Error())
			continue
		}
		p.publish(bus.TopicDeferredApplied, task.ID, string(kind), "")
		if err := os.Remove(path); err != nil {
			p.logger.Error("deferred_remove_failed", slog.String("file", path), slog.String("error", err.Error()))
		}
	}
}

func (p *Processor) publish(topic string, taskID int64, kind, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(topic, bus.DeferredEvent{TaskID: taskID, Kind: kind, Reason: reason})
}

func (p *Processor) applyOne(ctx context.Context, task *store.Task, kind Kind, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := p.schemas.Validate(kind, data); err != nil {
		return err
	}

	switch kind {
	case KindSubtasks:
		return p.applySubtasks(ctx, task, data)
	case KindTrackedTransactions:
		return p.store.InsertTrackedTransaction(ctx, task.ID, string(data))
	case KindEmailOutput:
		return p.applyEmailOutput(ctx, task, data)
	default:
		return fmt.Errorf("unhandled kind %q", kind)
	}
}

func (p *Processor) applySubtasks(ctx context.Context, task *store.Task, data []byte) error {
	admin := p.isAdmin != nil && p.isAdmin(task.UserID)
	if !admin {
		p.logger.Warn("deferred_subtasks_rejected_non_admin", slog.Int64("task_id", task.ID), slog.String("user_id", task.UserID))
		audit.Record("deny", "deferred.subtasks", "subtask submission requires admin privileges", "", task.UserID)
		return fmt.Errorf("subtask submission requires admin privileges, rejecting for user %q", task.UserID)
	}

	var items []subtaskItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse subtasks: %w", err)
	}
	for i, item := range items {
		sourceType := item.SourceType
		if sourceType == "" {
			sourceType = "scheduled"
		}
		if _, err := p.store.CreateTask(ctx, store.TaskFields{
			UserID:       item.UserID,
			Prompt:       item.Prompt,
			SourceType:   sourceType,
			OutputTarget: "talk",
		}); err != nil {
			return fmt.Errorf("create subtask %d: %w", i, err)
		}
	}
	return nil
}

func (p *Processor) applyEmailOutput(ctx context.Context, task *store.Task, data []byte) error {
	var doc emailOutputDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse email output: %w", err)
	}
	return p.store.SetEmailOutput(ctx, task.ID, doc.Subject, doc.Body, doc.Format)
}
