package main

import (
	"context"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

func TestRunListCommand_EmptyStoreIsNotAnError(t *testing.T) {
	eng := testEngine(t, config.Config{})
	if code := runListCommand(context.Background(), eng, nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunListCommand_FiltersByUser(t *testing.T) {
	eng := testEngine(t, config.Config{})
	ctx := context.Background()
	if _, err := eng.store.CreateTask(ctx, store.TaskFields{UserID: "alice", Prompt: "a", SourceType: "cli"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := eng.store.CreateTask(ctx, store.TaskFields{UserID: "bob", Prompt: "b", SourceType: "cli"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if code := runListCommand(ctx, eng, []string{"-u", "alice"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestTruncateForList(t *testing.T) {
	if got := truncateForList("short", 10); got != "short" {
		t.Fatalf("got %q, want %q", got, "short")
	}
	if got := truncateForList("this is a very long prompt", 10); got != "this is a ..." {
		t.Fatalf("got %q, want %q", got, "this is a ...")
	}
}
