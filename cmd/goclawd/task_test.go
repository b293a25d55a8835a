package main

import (
	"context"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/config"
)

func TestRunTaskCommand_RequiresPromptAndUser(t *testing.T) {
	eng := testEngine(t, config.Config{})
	ctx := context.Background()

	if code := runTaskCommand(ctx, eng, []string{"-u", "alice"}); code != 1 {
		t.Fatalf("missing prompt: exit code = %d, want 1", code)
	}
	if code := runTaskCommand(ctx, eng, []string{"do it"}); code != 1 {
		t.Fatalf("missing -u: exit code = %d, want 1", code)
	}
}

func TestRunTaskCommand_DryRunDoesNotEnqueue(t *testing.T) {
	eng := testEngine(t, config.Config{})
	ctx := context.Background()

	if code := runTaskCommand(ctx, eng, []string{"-u", "alice", "--dry-run", "do it"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	tasks, err := eng.store.ListTasks(ctx, "", "alice", 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("dry-run created %d tasks, want 0", len(tasks))
	}
}

func TestRunTaskCommand_EnqueuesWithoutExec(t *testing.T) {
	eng := testEngine(t, config.Config{})
	ctx := context.Background()

	if code := runTaskCommand(ctx, eng, []string{"-u", "alice", "do it"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	tasks, err := eng.store.ListTasks(ctx, "", "alice", 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	if tasks[0].Prompt != "do it" {
		t.Fatalf("prompt = %q, want %q", tasks[0].Prompt, "do it")
	}
}
