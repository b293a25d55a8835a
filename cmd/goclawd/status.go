package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// runStatusCommand implements `status [-tui]`: a /healthz-equivalent
// snapshot of queue depth and worker headroom (spec's supplemented
// observability feature). This engine has no standing HTTP status
// endpoint the way the teacher's gateway does — its only listeners are
// the channel adapters — so this reads the same store/pool state a
// handler would, directly. -tui switches to a live-refreshing view.
func runStatusCommand(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	tui := fs.Bool("tui", false, "live-refreshing terminal view instead of a single snapshot")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *tui {
		return runStatusTUI(ctx, eng)
	}

	pendingFG, err := eng.store.ListTasks(ctx, store.StatusPending, "", 0)
	if err != nil {
		fmt.Println("status: error querying pending tasks:", err)
		return 3
	}
	runningTasks, err := eng.store.ListTasks(ctx, store.StatusRunning, "", 0)
	if err != nil {
		fmt.Println("status: error querying running tasks:", err)
		return 3
	}

	fgPending, bgPending := 0, 0
	for _, t := range pendingFG {
		if store.QueueTypeForSource(t.SourceType) == store.QueueBackground {
			bgPending++
		} else {
			fgPending++
		}
	}

	fmt.Println("ok")
	fmt.Printf("namespace:          %s\n", eng.cfg.Namespace)
	fmt.Printf("pending foreground: %d\n", fgPending)
	fmt.Printf("pending background: %d\n", bgPending)
	fmt.Printf("running:            %d\n", len(runningTasks))
	fmt.Printf("foreground cap:     %d instance / %d per-user\n", eng.cfg.Foreground.InstanceMax, eng.cfg.Foreground.UserMax)
	fmt.Printf("background cap:     %d instance / %d per-user\n", eng.cfg.Background.InstanceMax, eng.cfg.Background.UserMax)
	return 0
}
