package taskrunner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zkoranges/goclaw-engine/internal/channels"
	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/prompt"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

// fakeChannel is a test double for channels.Channel that records delivered calls.
type fakeChannel struct {
	mu       sync.Mutex
	name     string
	results  []string
	failures []string
	progress []string
}

func (f *fakeChannel) Name() string                   { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) CreateTaskFromMessage(ctx context.Context, userID, prompt, sourceType, sourceRef, conversationToken string, attachments []string) (int64, error) {
	return 0, nil
}
func (f *fakeChannel) DeliverResult(ctx context.Context, taskID int64, resultText string, actionsTaken []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, resultText)
	return nil
}
func (f *fakeChannel) DeliverProgress(ctx context.Context, taskID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, text)
	return nil
}
func (f *fakeChannel) DeliverFailure(ctx context.Context, taskID int64, userFacingError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, userFacingError)
	return nil
}

var _ channels.Channel = (*fakeChannel)(nil)

func newTestStoreForRunner(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCommandTestRunner(s *store.Store, talk *fakeChannel) *Runner {
	chans := map[string]channels.Channel{"talk": talk}
	return New(s, nil, nil, nil, nil, Collaborators{}, chans, config.Config{}, nil, nil)
}

func defaultClaimCfg() store.RetryConfig {
	return store.RetryConfig{MaxRetryAgeMinutes: 60, StaleLockMinutes: 30, ExecutionTimeoutMin: 10, MaxAttempts: 3}
}

func TestCommandEnviron_StripsSecretsButKeepsPath(t *testing.T) {
	t.Setenv("GOCLAW_TEST_API_KEY", "super-secret-value")
	t.Setenv("GOCLAW_TEST_PLAIN", "not-a-secret")

	env := commandEnviron()

	var sawSecret, sawPlain, sawPath bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "GOCLAW_TEST_API_KEY=") {
			sawSecret = true
			if strings.Contains(kv, "super-secret-value") {
				t.Fatalf("secret value leaked into command environment: %q", kv)
			}
		}
		if kv == "GOCLAW_TEST_PLAIN=not-a-secret" {
			sawPlain = true
		}
		if strings.HasPrefix(kv, "PATH=") {
			sawPath = true
		}
	}
	if sawSecret {
		t.Fatal("expected GOCLAW_TEST_API_KEY to be stripped or redacted, not merely present unmodified")
	}
	if !sawPlain {
		t.Fatal("expected non-secret env var to survive into command environment")
	}
	if !sawPath {
		t.Fatal("expected PATH to survive into command environment")
	}
}

func TestTargetsFor(t *testing.T) {
	cases := map[string][]string{
		"talk":  {"talk"},
		"email": {"email"},
		"both":  {"talk", "email"},
		"ntfy":  {"ntfy"},
		"all":   {"talk", "email", "ntfy"},
		"none":  nil,
		"bogus": nil,
	}
	for target, want := range cases {
		got := targetsFor(target)
		if len(got) != len(want) {
			t.Errorf("targetsFor(%q) = %v, want %v", target, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("targetsFor(%q) = %v, want %v", target, got, want)
			}
		}
	}
}

func TestEnvMode_CLIDiffersFromOthers(t *testing.T) {
	cliMode := envMode(config.Config{}, &store.Task{SourceType: "cli"})
	talkMode := envMode(config.Config{}, &store.Task{SourceType: "talk"})
	heartbeatMode := envMode(config.Config{}, &store.Task{SourceType: "heartbeat"})

	if cliMode != prompt.EnvPermissive {
		t.Fatalf("envMode(cli) = %v, want EnvPermissive", cliMode)
	}
	if talkMode != prompt.EnvRestricted || heartbeatMode != prompt.EnvRestricted {
		t.Fatalf("envMode(talk/heartbeat) = %v/%v, want both EnvRestricted", talkMode, heartbeatMode)
	}
}

func TestSandboxCommand_DisabledOrEmptyYieldsNil(t *testing.T) {
	task := &store.Task{UserID: "u1"}
	if got := sandboxCommand(config.Config{}, task, "/work/u1", false); got != nil {
		t.Fatalf("sandboxCommand with zero-value config = %v, want nil", got)
	}
	cfg := config.Config{}
	cfg.Executor.SandboxEnabled = true
	cfg.Executor.SandboxCommand = ""
	if got := sandboxCommand(cfg, task, "/work/u1", false); got != nil {
		t.Fatalf("sandboxCommand with empty command = %v, want nil", got)
	}
}

func TestSandboxCommand_SplitsLiteralFields(t *testing.T) {
	cfg := config.Config{}
	cfg.Executor.SandboxEnabled = true
	cfg.Executor.SandboxCommand = "bwrap --ro-bind / /"
	got := sandboxCommand(cfg, &store.Task{UserID: "u1"}, "/work/u1", false)
	want := []string{"bwrap", "--ro-bind", "/", "/"}
	if len(got) != len(want) {
		t.Fatalf("sandboxCommand = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sandboxCommand = %v, want %v", got, want)
		}
	}
}

func TestSandboxCommand_AutoBuildsBubblewrapArgvScopedToUser(t *testing.T) {
	cfg := config.Config{HomeDir: "/home/goclaw", DBPath: "/home/goclaw/data/engine.db"}
	cfg.Executor.SandboxEnabled = true
	cfg.Executor.SandboxCommand = "auto"

	got := sandboxCommand(cfg, &store.Task{UserID: "alice"}, "/home/goclaw/workspace/alice", false)
	if got == nil || got[0] != "bwrap" {
		t.Fatalf("sandboxCommand auto = %v, want bwrap argv", got)
	}
	joined := strings.Join(got, " ")
	if !strings.Contains(joined, "--bind /home/goclaw/workspace/alice /home/goclaw/workspace/alice") {
		t.Fatalf("expected non-admin bind scoped to user workspace, got: %s", joined)
	}
	if strings.Contains(joined, "/home/goclaw/workspace /home/goclaw/workspace") {
		t.Fatal("non-admin task must not see the whole workspace root")
	}
	if !strings.Contains(joined, "--ro-bind /home/goclaw/data/engine.db /home/goclaw/data/engine.db") {
		t.Fatalf("expected data store read-only bound, got: %s", joined)
	}
}

func TestSandboxCommand_AutoWidensForAdmin(t *testing.T) {
	cfg := config.Config{HomeDir: "/home/goclaw", DBPath: "/home/goclaw/data/engine.db"}
	cfg.Executor.SandboxEnabled = true
	cfg.Executor.SandboxCommand = "auto"

	got := sandboxCommand(cfg, &store.Task{UserID: "root"}, "/home/goclaw/workspace/root", true)
	joined := strings.Join(got, " ")
	if !strings.Contains(joined, "--bind /home/goclaw/workspace /home/goclaw/workspace") {
		t.Fatalf("expected admin bind to widen to workspace root, got: %s", joined)
	}
}

func TestWorkspaceDir_ScopedPerUserUnderHomeDir(t *testing.T) {
	cfg := config.Config{HomeDir: t.TempDir()}
	dir := workspaceDir(cfg, "alice")
	if filepath.Base(dir) != "alice" {
		t.Fatalf("expected workspace dir to end in user id, got %s", dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected workspaceDir to create the directory, stat err = %v", err)
	}
}

func TestResourcePaths_KeyedByName(t *testing.T) {
	resources := []store.UserResource{
		{Name: "notes", PathOrURL: "/data/notes.md"},
		{Name: "budget", PathOrURL: "https://sheets.example/budget"},
	}
	got := resourcePaths(resources)
	if got["notes"] != "/data/notes.md" || got["budget"] != "https://sheets.example/budget" {
		t.Fatalf("resourcePaths = %+v", got)
	}
}

func TestIsInteractive_ExcludesBackgroundVariants(t *testing.T) {
	interactive := []string{"talk", "email", "cli", "tasks_file"}
	background := []string{"scheduled", "briefing", "heartbeat"}
	for _, st := range interactive {
		v := prompt.VariantForSourceType(st)
		if !isInteractive(v) {
			t.Errorf("isInteractive(%q) = false, want true", st)
		}
	}
	for _, st := range background {
		v := prompt.VariantForSourceType(st)
		if isInteractive(v) {
			t.Errorf("isInteractive(%q) = true, want false", st)
		}
	}
}

func TestRunCommand_CompletesAndDelivers(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, store.TaskFields{UserID: "u1", Command: "echo hello-from-command", SourceType: "scheduled", OutputTarget: "talk"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "", store.QueueBackground, "pid1", defaultClaimCfg()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	talk := &fakeChannel{name: "talk"}
	runner := newCommandTestRunner(s, talk)
	if err := runner.runCommand(ctx, task); err != nil {
		t.Fatalf("runCommand: %v", err)
	}

	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task after run: %v", err)
	}
	if task.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed", task.Status)
	}
	if len(talk.results) != 1 {
		t.Fatalf("expected one delivered result, got %v", talk.results)
	}
}

func TestRunCommand_FailureReturnsErrorWithoutCompleting(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, store.TaskFields{UserID: "u1", Command: "exit 1", SourceType: "scheduled", OutputTarget: "talk"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "", store.QueueBackground, "pid1", defaultClaimCfg()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	talk := &fakeChannel{name: "talk"}
	runner := newCommandTestRunner(s, talk)
	if err := runner.runCommand(ctx, task); err == nil {
		t.Fatal("expected an error from a failing shell command")
	}

	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task after failed run: %v", err)
	}
	if task.Status != store.StatusRunning {
		t.Fatalf("status = %q, want still running (caller applies RetryOrFail on error)", task.Status)
	}
}

func TestRun_DispatchesCommandVsPromptByDiscriminator(t *testing.T) {
	s := newTestStoreForRunner(t)
	ctx := context.Background()

	cmdTaskID, err := s.CreateTask(ctx, store.TaskFields{UserID: "u1", Command: "echo dispatched-as-command", SourceType: "scheduled", OutputTarget: "talk"})
	if err != nil {
		t.Fatalf("create command task: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "", store.QueueBackground, "pid1", defaultClaimCfg()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	cmdTask, err := s.GetTask(ctx, cmdTaskID)
	if err != nil {
		t.Fatalf("get command task: %v", err)
	}
	if !cmdTask.Command.Valid {
		t.Fatal("expected command field to be set on the command task")
	}

	talk := &fakeChannel{name: "talk"}
	runner := newCommandTestRunner(s, talk)
	if err := runner.Run(ctx, cmdTask); err != nil {
		t.Fatalf("Run dispatched to command path: %v", err)
	}
	cmdTask, err = s.GetTask(ctx, cmdTaskID)
	if err != nil {
		t.Fatalf("get after run: %v", err)
	}
	if cmdTask.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed via the command path", cmdTask.Status)
	}
}
