package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// runShowCommand implements `show <id>`.
func runShowCommand(ctx context.Context, eng *engine, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: show <id>")
		return 1
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid task id %q\n", args[0])
		return 1
	}

	t, err := eng.store.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Fprintf(os.Stderr, "task %d not found\n", id)
		return 3
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "get task: %v\n", err)
		return 3
	}

	fmt.Printf("id:            %d\n", t.ID)
	fmt.Printf("user:          %s\n", t.UserID)
	fmt.Printf("status:        %s\n", t.Status)
	fmt.Printf("source_type:   %s\n", t.SourceType)
	fmt.Printf("priority:      %d\n", t.Priority)
	fmt.Printf("attempts:      %d\n", t.AttemptCount)
	fmt.Printf("created_at:    %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt.Valid {
		fmt.Printf("started_at:    %s\n", t.StartedAt.Time.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt.Valid {
		fmt.Printf("completed_at:  %s\n", t.CompletedAt.Time.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("prompt:        %s\n", t.Prompt)
	if t.LastError.Valid {
		fmt.Printf("last_error:    %s\n", t.LastError.String)
	}
	if t.Result.Valid {
		fmt.Printf("result:        %s\n", t.Result.String)
	}
	if len(t.ActionsTaken) > 0 {
		fmt.Printf("actions_taken: %v\n", t.ActionsTaken)
	}
	return 0
}
