package main

import (
	"context"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/config"
)

func TestRunRunCommand_OnceTicksAndDrainsWithoutBlocking(t *testing.T) {
	eng := testEngine(t, config.Config{})
	if code := runRunCommand(context.Background(), eng, []string{"--once"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunRunCommand_RejectsUnknownFlag(t *testing.T) {
	eng := testEngine(t, config.Config{})
	if code := runRunCommand(context.Background(), eng, []string{"-bogus"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunRunCommand_StopsWhenContextAlreadyCanceled(t *testing.T) {
	eng := testEngine(t, config.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := runRunCommand(ctx, eng, nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}
