package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

// runListCommand implements `list [-s STATUS] [-u USER]`.
func runListCommand(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("s", "", "filter by status")
	user := fs.String("u", "", "filter by user id")
	limit := fs.Int("limit", 50, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	tasks, err := eng.store.ListTasks(ctx, *status, *user, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return 3
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks found")
		return 0
	}
	for _, t := range tasks {
		fmt.Printf("%-6d %-10s %-12s %-20s %s\n", t.ID, t.UserID, t.Status, t.CreatedAt.Format("2006-01-02 15:04:05"), truncateForList(t.Prompt, 60))
	}
	return 0
}

func truncateForList(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
