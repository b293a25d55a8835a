package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
)

// runRunCommand implements `run [--once] [--briefings]`: drives the
// scheduler loop in the foreground, for short-lived invocations (cron,
// manual kicks) rather than the long-running `scheduler` daemon.
func runRunCommand(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single tick and exit")
	_ = fs.Bool("briefings", false, "included for CLI-surface compatibility; briefings run every tick regardless")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *once {
		eng.loop.Tick(ctx)
		eng.drain()
		return 0
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := eng.loop.Run(runCtx, 2*time.Second); err != nil && runCtx.Err() == nil {
		fmt.Fprintf(os.Stderr, "scheduler loop: %v\n", err)
		eng.drain()
		return 3
	}
	eng.drain()
	return 0
}
