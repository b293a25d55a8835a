package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/config"
)

func TestNamespaceEnv_UppercasesNamespaceAndDefaultsWhenEmpty(t *testing.T) {
	cases := []struct {
		namespace string
		suffix    string
		want      string
	}{
		{"goclaw", "ADMINS_FILE", "GOCLAW_ADMINS_FILE"},
		{"Acme", "DB_PATH", "ACME_DB_PATH"},
		{"", "DEFERRED_DIR", "GOCLAW_DEFERRED_DIR"},
		{"  ", "DB_PATH", "GOCLAW_DB_PATH"},
	}
	for _, c := range cases {
		cfg := config.Config{Namespace: c.namespace}
		if got := namespaceEnv(cfg, c.suffix); got != c.want {
			t.Errorf("namespaceEnv(%q, %q) = %q, want %q", c.namespace, c.suffix, got, c.want)
		}
	}
}

func TestWorkspaceDirFor_CreatesAndReturnsPerUserDir(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home}

	dir := workspaceDirFor(cfg, "alice")
	want := filepath.Join(home, "workspace", "alice")
	if dir != want {
		t.Fatalf("workspaceDirFor = %q, want %q", dir, want)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("%s is not a directory", dir)
	}
}
