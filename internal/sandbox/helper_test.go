package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteHelper_RejectsEmptySecret(t *testing.T) {
	_, err := WriteHelper(context.Background(), t.TempDir(), "github-token", "", "")
	if err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestWriteHelper_PlainFallbackEmitsSecretVerbatim(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteHelper(context.Background(), dir, "github-token", "ghs_abc123", "")
	if err != nil {
		t.Fatalf("WriteHelper: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected helper written under %s, got %s", dir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat helper: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatal("expected helper script to be executable")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read helper: %v", err)
	}
	if !strings.HasPrefix(string(content), "#!/bin/sh\n") {
		t.Fatalf("expected shebang, got: %s", content)
	}
	if !strings.Contains(string(content), "ghs_abc123") {
		t.Fatalf("expected secret value embedded, got: %s", content)
	}
}

func TestWriteHelper_CreatesDirWithRestrictivePerms(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "helpers")
	if _, err := WriteHelper(context.Background(), dir, "token", "secret", ""); err != nil {
		t.Fatalf("WriteHelper: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected dir to exist")
	}
}

func TestWriteHelper_ErrorsWhenWasmModuleMissing(t *testing.T) {
	_, err := WriteHelper(context.Background(), t.TempDir(), "token", "secret", "/no/such/module.wasm")
	if err == nil {
		t.Fatal("expected error when wasm module path does not exist")
	}
}

func TestShellQuote_EscapesEmbeddedSingleQuotes(t *testing.T) {
	got := shellQuote("it's a secret")
	want := `'it'\''s a secret'`
	if got != want {
		t.Fatalf("shellQuote mismatch: got %q want %q", got, want)
	}
}

func TestShellQuote_WrapsPlainValue(t *testing.T) {
	got := shellQuote("plain")
	if got != "'plain'" {
		t.Fatalf("expected quoted plain value, got %q", got)
	}
}

func TestRunWasmHelper_ErrorsOnUnreadableModule(t *testing.T) {
	_, err := RunWasmHelper(context.Background(), filepath.Join(t.TempDir(), "missing.wasm"), "secret")
	if err == nil {
		t.Fatal("expected error reading missing wasm module")
	}
}

func TestRunWasmHelper_ErrorsOnMalformedModule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wasm")
	if err := os.WriteFile(path, []byte("not a real wasm module"), 0o600); err != nil {
		t.Fatalf("write bad module: %v", err)
	}
	if _, err := RunWasmHelper(context.Background(), path, "secret"); err == nil {
		t.Fatal("expected error compiling malformed wasm module")
	}
}
