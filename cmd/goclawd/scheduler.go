package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/scheduler"
)

// runSchedulerCommand implements `scheduler [-d] [-v] [--max-tasks N]`:
// the long-running daemon, guarded by an advisory lock so two instances
// never contend for the same namespace's tasks (spec §4.5).
func runSchedulerCommand(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	_ = fs.Bool("d", true, "daemon mode (default and only mode for this command)")
	_ = fs.Bool("v", false, "verbose logging (set log_level: debug in config.yaml instead)")
	_ = fs.Int("max-tasks", 0, "accepted for CLI-surface compatibility; per-queue caps come from config.yaml")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	lockPath := scheduler.DefaultLockPath(eng.cfg.Namespace)
	lock, err := scheduler.AcquireDaemonLock(lockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 3
	}
	defer lock.Release()

	eng.logger.Info("scheduler daemon starting", "namespace", eng.cfg.Namespace, "lock_path", lockPath)
	err = eng.loop.Run(ctx, 2*time.Second)
	eng.logger.Info("scheduler daemon stopping")
	eng.drain()
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "scheduler loop: %v\n", err)
		return 3
	}
	return 0
}
