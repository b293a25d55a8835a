package pool

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

// countingRunner records how many tasks it ran per user and completes
// each task immediately so its worker goes idle and the slot frees up.
type countingRunner struct {
	mu    sync.Mutex
	ran   []int64
	delay time.Duration
	fail  bool
}

func (r *countingRunner) Run(ctx context.Context, task *store.Task) error {
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay):
		}
	}
	r.mu.Lock()
	r.ran = append(r.ran, task.ID)
	r.mu.Unlock()
	if r.fail {
		return nil // the runner itself owns terminal writes; simulate a no-op completion
	}
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

type errorRunner struct {
	calls atomic.Int64
}

func (r *errorRunner) Run(ctx context.Context, task *store.Task) error {
	r.calls.Add(1)
	return context.DeadlineExceeded
}

func newTestPoolStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func baseConfig() config.Config {
	return config.Config{
		Foreground:           config.PoolConfig{InstanceMax: 4, UserMax: 2},
		Background:           config.PoolConfig{InstanceMax: 4, UserMax: 2},
		WorkerIdleTimeoutSec: 0, // workers exit immediately once their queue is drained
		MaxAttempts:          3,
		MaxRetryAgeMinutes:   60,
		StaleLockMinutes:     30,
		ExecutionTimeoutMin:  10,
	}
}

func waitForCount(t *testing.T, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("count did not reach %d in time, got %d", want, get())
}

func TestDispatch_SpawnsWorkerForPendingTask(t *testing.T) {
	s := newTestPoolStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, store.TaskFields{UserID: "u1", Prompt: "hi", SourceType: "talk", OutputTarget: "talk"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	runner := &countingRunner{}
	p := New(s, nil, baseConfig(), runner, nil)
	p.Dispatch(ctx)

	waitForCount(t, runner.count, 1)
	p.Shutdown()
}

func TestDispatch_RespectsPerUserCap(t *testing.T) {
	s := newTestPoolStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.CreateTask(ctx, store.TaskFields{UserID: "u1", Prompt: "hi", SourceType: "talk", OutputTarget: "talk", UniquenessKey: "job" + string(rune('a'+i))}); err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
	}

	runner := &countingRunner{delay: 50 * time.Millisecond}
	cfg := baseConfig()
	cfg.Foreground.UserMax = 2
	p := New(s, nil, cfg, runner, nil)
	p.Dispatch(ctx)

	time.Sleep(10 * time.Millisecond)
	if active := p.ActiveCount(store.QueueForeground, "u1"); active > 2 {
		t.Fatalf("ActiveCount = %d, want at most 2 (per-user cap)", active)
	}
	p.Shutdown()
}

func TestDispatch_RespectsInstanceCapAcrossUsers(t *testing.T) {
	s := newTestPoolStore(t)
	ctx := context.Background()

	for i, user := range []string{"u1", "u2", "u3"} {
		if _, err := s.CreateTask(ctx, store.TaskFields{UserID: user, Prompt: "hi", SourceType: "talk", OutputTarget: "talk", UniquenessKey: "job" + string(rune('a'+i))}); err != nil {
			t.Fatalf("create task for %s: %v", user, err)
		}
	}

	runner := &countingRunner{delay: 50 * time.Millisecond}
	cfg := baseConfig()
	cfg.Foreground.InstanceMax = 2
	p := New(s, nil, cfg, runner, nil)
	p.Dispatch(ctx)

	time.Sleep(10 * time.Millisecond)
	if active := p.ActiveCount(store.QueueForeground, ""); active > 2 {
		t.Fatalf("ActiveCount = %d, want at most 2 (instance cap)", active)
	}
	p.Shutdown()
}

func TestDispatch_NoPendingTasksSpawnsNothing(t *testing.T) {
	s := newTestPoolStore(t)
	runner := &countingRunner{}
	p := New(s, nil, baseConfig(), runner, nil)
	p.Dispatch(context.Background())

	time.Sleep(20 * time.Millisecond)
	if n := runner.count(); n != 0 {
		t.Fatalf("runner.count() = %d, want 0 with no pending tasks", n)
	}
}

func TestWorkerFailure_RoutesThroughRetryOrFail(t *testing.T) {
	s := newTestPoolStore(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, store.TaskFields{UserID: "u1", Prompt: "hi", SourceType: "talk", OutputTarget: "talk"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	runner := &errorRunner{}
	cfg := baseConfig()
	cfg.MaxAttempts = 1 // a single failing attempt exhausts retries and fails the task
	p := New(s, nil, cfg, runner, nil)
	p.Dispatch(ctx)

	deadline := time.Now().Add(2 * time.Second)
	var task *store.Task
	for time.Now().Before(deadline) {
		task, err = s.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == store.StatusFailed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if task.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed after exhausting retries", task.Status)
	}
	p.Shutdown()
}

func TestCancelSlot_CancelsWorkerContext(t *testing.T) {
	s := newTestPoolStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, store.TaskFields{UserID: "u1", Prompt: "hi", SourceType: "talk", OutputTarget: "talk"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	runner := &countingRunner{delay: time.Second}
	p := New(s, nil, baseConfig(), runner, nil)
	p.Dispatch(ctx)

	waitForCount(t, func() int {
		return p.ActiveCount(store.QueueForeground, "u1")
	}, 1)

	p.CancelSlot("u1", store.QueueForeground, 0)
	p.Shutdown() // returns promptly once the cancelled worker's goroutine exits
}

func TestSetConfig_AppliesToNextDispatch(t *testing.T) {
	s := newTestPoolStore(t)
	runner := &countingRunner{}
	p := New(s, nil, baseConfig(), runner, nil)

	newCfg := baseConfig()
	newCfg.Foreground.InstanceMax = 1
	p.SetConfig(newCfg)

	if got := p.instanceCap(store.QueueForeground); got != 1 {
		t.Fatalf("instanceCap after SetConfig = %d, want 1", got)
	}
}
