package main

import (
	"context"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/config"
)

func TestRunResourceAdd_RequiresUserTypeAndName(t *testing.T) {
	eng := testEngine(t, config.Config{})
	if code := runResourceAdd(context.Background(), eng, []string{"-u", "alice"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunResourceAdd_ThenList(t *testing.T) {
	eng := testEngine(t, config.Config{})
	ctx := context.Background()

	code := runResourceAdd(ctx, eng, []string{"-u", "alice", "-type", "repo", "-name", "goclaw", "-path", "/repos/goclaw"})
	if code != 0 {
		t.Fatalf("add exit code = %d, want 0", code)
	}

	if code := runResourceList(ctx, eng, []string{"-u", "alice"}); code != 0 {
		t.Fatalf("list exit code = %d, want 0", code)
	}
}

func TestRunResourceList_RequiresUser(t *testing.T) {
	eng := testEngine(t, config.Config{})
	if code := runResourceList(context.Background(), eng, nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunResourceList_EmptyIsNotAnError(t *testing.T) {
	eng := testEngine(t, config.Config{})
	if code := runResourceList(context.Background(), eng, []string{"-u", "alice"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunResourceCommand_RequiresSubcommand(t *testing.T) {
	eng := testEngine(t, config.Config{})
	if code := runResourceCommand(context.Background(), eng, nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if code := runResourceCommand(context.Background(), eng, []string{"bogus"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
