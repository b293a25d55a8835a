package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/config"
)

func TestCronFilePath_JoinsWorkspaceDirAndFixedName(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home}
	got := cronFilePath(cfg, "alice")
	want := filepath.Join(home, "workspace", "alice", "cron.yaml")
	if got != want {
		t.Fatalf("cronFilePath = %q, want %q", got, want)
	}
}

func TestReadDirNames_ReturnsOnlySubdirectories(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"alice", "bob"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "not-a-dir.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := readDirNames(root)
	if err != nil {
		t.Fatalf("readDirNames: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("len(names) = %d, want 2: %v", len(names), names)
	}
}

func TestReadDirNames_MissingDirectoryErrors(t *testing.T) {
	if _, err := readDirNames(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
