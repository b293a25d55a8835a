package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// runUserCommand implements `user list|lookup|init|status`. There is no
// dedicated users table (spec §3): a user is whoever has task or resource
// rows, so these subcommands derive their view from that activity.
func runUserCommand(ctx context.Context, eng *engine, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: user list|lookup|init|status ...")
		return 1
	}
	switch args[0] {
	case "list":
		return runUserList(ctx, eng)
	case "lookup":
		return runUserLookup(ctx, eng, args[1:])
	case "init":
		return runUserInit(ctx, eng, args[1:])
	case "status":
		return runUserStatus(ctx, eng, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown user subcommand %q\n", args[0])
		return 1
	}
}

func runUserList(ctx context.Context, eng *engine) int {
	users, err := eng.store.DistinctUsers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list users: %v\n", err)
		return 3
	}
	if len(users) == 0 {
		fmt.Println("no users found")
		return 0
	}
	for _, u := range users {
		admin := ""
		if eng.isAdmin(u) {
			admin = " (admin)"
		}
		fmt.Printf("%s%s\n", u, admin)
	}
	return 0
}

func runUserLookup(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("user lookup", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: user lookup USER")
		return 1
	}
	userID := rest[0]

	tasks, err := eng.store.ListTasks(ctx, "", userID, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookup: %v\n", err)
		return 3
	}
	resources, err := eng.store.ListResourcesForUser(ctx, userID, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookup: %v\n", err)
		return 3
	}

	fmt.Printf("user:       %s\n", userID)
	fmt.Printf("admin:      %v\n", eng.isAdmin(userID))
	fmt.Printf("tasks:      %d\n", len(tasks))
	fmt.Printf("resources:  %d\n", len(resources))
	return 0
}

func runUserInit(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("user init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: user init USER")
		return 1
	}
	userID := rest[0]

	workDir := workspaceDirFor(eng.cfg, userID)
	deferredDir := filepath.Join(eng.cfg.DeferredDir, userID)
	if err := os.MkdirAll(deferredDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "init deferred dir: %v\n", err)
		return 3
	}
	fmt.Printf("initialized workspace %s and deferred dir %s for %s\n", workDir, deferredDir, userID)
	return 0
}

func runUserStatus(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("user status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: user status USER")
		return 1
	}
	userID := rest[0]

	pending, err := eng.store.ListTasks(ctx, store.StatusPending, userID, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 3
	}
	fmt.Printf("user:               %s\n", userID)
	fmt.Printf("pending tasks:      %d\n", len(pending))
	fmt.Printf("active foreground:  %d / %d\n", eng.pool.ActiveCount(store.QueueForeground, userID), eng.cfg.EffectiveForegroundCap(userID))
	fmt.Printf("active background:  %d / %d\n", eng.pool.ActiveCount(store.QueueBackground, userID), eng.cfg.EffectiveBackgroundCap(userID))
	return 0
}
