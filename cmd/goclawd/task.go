package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// runTaskCommand implements `task "<text>" -u USER [-x] [-t TOKEN]
// [--dry-run] [--source-type TYPE]` (spec §7 CLI surface). Without -x the
// task is enqueued for the scheduler/pool to pick up later; with -x it is
// claimed and run inline so the operator sees the result immediately.
func runTaskCommand(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("task", flag.ContinueOnError)
	user := fs.String("u", "", "user id (required)")
	execNow := fs.Bool("x", false, "claim and execute the task inline, waiting for the result")
	convToken := fs.String("t", "", "conversation token")
	dryRun := fs.Bool("dry-run", false, "validate and print the task without enqueuing it")
	sourceType := fs.String("source-type", "cli", "source type recorded on the task")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) != 1 || *user == "" {
		fmt.Fprintln(os.Stderr, `usage: task "<text>" -u USER [-x] [-t TOKEN] [--dry-run] [--source-type TYPE]`)
		return 1
	}
	promptText := rest[0]

	fields := store.TaskFields{
		UserID:            *user,
		Prompt:            promptText,
		SourceType:        *sourceType,
		ConversationToken: *convToken,
		OutputTarget:      "talk",
	}

	if *dryRun {
		fmt.Printf("would enqueue task for user=%s source_type=%s prompt=%q\n", fields.UserID, fields.SourceType, fields.Prompt)
		return 0
	}

	id, err := eng.store.CreateTask(ctx, fields)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create task: %v\n", err)
		return 3
	}
	fmt.Printf("task %d created\n", id)

	if !*execNow {
		return 0
	}

	queueType := store.QueueTypeForSource(*sourceType)
	retryCfg := store.RetryConfig{
		MaxRetryAgeMinutes:  eng.cfg.MaxRetryAgeMinutes,
		StaleLockMinutes:    eng.cfg.StaleLockMinutes,
		ExecutionTimeoutMin: eng.cfg.ExecutionTimeoutMin,
		MaxAttempts:         eng.cfg.MaxAttempts,
	}
	claimed, err := eng.store.ClaimTask(ctx, *user, queueType, "cli-inline", retryCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
		return 3
	}
	if claimed == nil || claimed.ID != id {
		fmt.Fprintln(os.Stderr, "task was not claimable (lost race or ineligible)")
		return 3
	}

	if err := eng.runner.Run(ctx, claimed); err != nil {
		fmt.Fprintf(os.Stderr, "task %d failed: %v\n", id, err)
		return 3
	}

	final, err := eng.store.GetTask(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch result: %v\n", err)
		return 3
	}
	if final.Result.Valid {
		fmt.Println(final.Result.String)
	}
	return 0
}
