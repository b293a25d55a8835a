package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/bus"
	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/pool"
	"github.com/zkoranges/goclaw-engine/internal/scheduler"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

// noopRunner satisfies pool.Runner without ever being invoked; none of the
// cmd/goclawd tests drive the pool's dispatch loop, they only read its
// slot registry through ActiveCount.
type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, task *store.Task) error { return nil }

func testEngine(t *testing.T, cfg config.Config) *engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pool.New(st, bus.New(), cfg, noopRunner{}, logger)
	return &engine{
		cfg:     cfg,
		store:   st,
		pool:    p,
		loop:    scheduler.New(st, p, cfg, scheduler.Collaborators{}, logger),
		isAdmin: func(string) bool { return false },
		logger:  logger,
	}
}

func TestTaskFileOwner_SplitsOnDoubleUnderscore(t *testing.T) {
	cases := map[string]string{
		"alice__morning-brief.json": "alice",
		"bob__x__y.json":            "bob",
		"no-delimiter.json":         "system",
		"":                          "system",
	}
	for name, want := range cases {
		if got := taskFileOwner(name); got != want {
			t.Errorf("taskFileOwner(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestPollTasksFiles_CreatesOneTaskPerFileAndDedupesByContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alice__a.txt"), []byte("do the thing"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bob__b.txt"), []byte("do another thing"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := testEngine(t, config.Config{TasksFileDir: dir})

	ctx := context.Background()
	created, err := pollTasksFiles(ctx, eng)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}

	// Re-polling the same unchanged files must create nothing new
	// (spec §8 tasks-file content-hash idempotence law).
	created, err = pollTasksFiles(ctx, eng)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if created != 0 {
		t.Fatalf("second poll created = %d, want 0", created)
	}

	tasks, err := eng.store.ListTasks(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
}

func TestPollTasksFiles_MissingDirectoryIsNotAnError(t *testing.T) {
	eng := testEngine(t, config.Config{TasksFileDir: filepath.Join(t.TempDir(), "does-not-exist")})
	created, err := pollTasksFiles(context.Background(), eng)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if created != 0 {
		t.Fatalf("created = %d, want 0", created)
	}
}
