package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// runTasksFileCommand implements `tasks-file poll|status`: the tasks-file
// channel collaborator (spec §6) dropped files into tasks_file_dir become
// pending tasks, deduplicated by content hash (spec §8 idempotence law).
func runTasksFileCommand(ctx context.Context, eng *engine, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tasks-file poll|status")
		return 1
	}
	switch args[0] {
	case "poll":
		return runTasksFilePoll(ctx, eng)
	case "status":
		return runTasksFileStatus(eng)
	default:
		fmt.Fprintf(os.Stderr, "unknown tasks-file subcommand %q\n", args[0])
		return 1
	}
}

func runTasksFileStatus(eng *engine) int {
	if eng.cfg.TasksFileDir == "" {
		fmt.Println("tasks-file collaborator: not configured (set tasks_file_dir in config.yaml)")
		return 0
	}
	fmt.Printf("tasks-file collaborator: watching %s\n", eng.cfg.TasksFileDir)
	return 0
}

func runTasksFilePoll(ctx context.Context, eng *engine) int {
	if eng.cfg.TasksFileDir == "" {
		fmt.Println("tasks-file collaborator not configured; nothing to poll")
		return 0
	}

	created, err := pollTasksFiles(ctx, eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "poll tasks-file dir: %v\n", err)
		return 3
	}
	fmt.Printf("polled %s: %d task(s) created\n", eng.cfg.TasksFileDir, created)
	return 0
}

// pollTasksFiles reads every regular file in cfg.TasksFileDir and enqueues
// a task for each, deduplicated by content hash. It backs both the CLI
// `tasks-file poll` subcommand and the scheduler loop's poll_tasks_files
// phase (scheduler.Collaborators.PollTasksFiles), so the daemon drives the
// same collaborator the operator can also invoke by hand.
func pollTasksFiles(ctx context.Context, eng *engine) (int, error) {
	entries, err := os.ReadDir(eng.cfg.TasksFileDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	created := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(eng.cfg.TasksFileDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			eng.logger.Warn("tasks-file: failed to read file", "path", path, "error", err)
			continue
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		userID := taskFileOwner(e.Name())
		id, err := eng.store.CreateTask(ctx, store.TaskFields{
			UserID:        userID,
			Prompt:        string(data),
			SourceType:    "tasks_file",
			SourceRef:     e.Name(),
			OutputTarget:  "talk",
			UniquenessKey: "tasksfile:" + hash,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateTask) {
				continue
			}
			eng.logger.Warn("tasks-file: failed to create task", "path", path, "error", err)
			continue
		}
		created++
		eng.logger.Info("tasks-file: created task", "task_id", id, "file", e.Name())
	}
	return created, nil
}

// taskFileOwner derives the owning user id from a tasks-file name of the
// form "{user_id}__{anything}.json"; files with no delimiter are treated
// as belonging to the shared "system" user.
func taskFileOwner(name string) string {
	base := name
	if idx := indexOfDoubleUnderscore(base); idx >= 0 {
		return base[:idx]
	}
	return "system"
}

func indexOfDoubleUnderscore(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '_' && s[i+1] == '_' {
			return i
		}
	}
	return -1
}
