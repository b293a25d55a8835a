package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// worker is one (user_id, queue_type, slot_index) slot's serial task
// loop (spec §4.2 worker lifecycle). A worker never runs two tasks
// concurrently.
type worker struct {
	store     *store.Store
	runner    Runner
	logger    *slog.Logger
	userID    string
	queueType string
	slotIndex int

	idleTimeout time.Duration
	retryCfg    store.RetryConfig
}

func (w *worker) pid() string {
	return fmt.Sprintf("%s/%s/%d", w.userID, w.queueType, w.slotIndex)
}

// run claims and processes tasks until idle for idleTimeout or the
// context is canceled.
func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.store.ClaimTask(ctx, w.userID, w.queueType, w.pid(), w.retryCfg)
		if err != nil {
			w.logger.Error("worker_claim_failed", slog.String("worker_pid", w.pid()), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.idleTimeout):
				return
			}
		}
		w.process(ctx, task)
	}
}

// process runs the Runner for one claimed task, recovering from panics
// (spec §7: "any panic/unrecoverable error in a worker is caught, the
// task is marked failed, the worker exits, dispatch reclaims the slot
// on the next tick"). The Runner itself is responsible for terminal
// transitions (CompleteTask/MarkCancelled/SetPendingConfirmation); an
// error return here means "attempt failed," routed through RetryOrFail.
func (w *worker) process(ctx context.Context, task *store.Task) {
	runErr := w.invokeRunner(ctx, task)
	if runErr == nil {
		return
	}

	// Use a detached context for the post-failure write: the worker's own
	// context may already be canceled (e.g. shutdown), but the task's
	// terminal state still needs to be recorded.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.RetryOrFail(writeCtx, task.ID, runErr.Error(), w.retryCfg); err != nil {
		w.logger.Error("worker_retry_or_fail_failed",
			slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func (w *worker) invokeRunner(ctx context.Context, task *store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker_panic_recovered",
				slog.Int64("task_id", task.ID), slog.Any("panic", r))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.runner.Run(ctx, task)
}
