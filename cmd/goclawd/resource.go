package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// runResourceCommand implements `resource add|list`.
func runResourceCommand(ctx context.Context, eng *engine, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: resource add|list ...")
		return 1
	}
	switch args[0] {
	case "add":
		return runResourceAdd(ctx, eng, args[1:])
	case "list":
		return runResourceList(ctx, eng, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown resource subcommand %q\n", args[0])
		return 1
	}
}

func runResourceAdd(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("resource add", flag.ContinueOnError)
	user := fs.String("u", "", "user id (required)")
	typ := fs.String("type", "", "resource type (required)")
	name := fs.String("name", "", "resource name (required)")
	pathOrURL := fs.String("path", "", "filesystem path or URL")
	permissions := fs.String("permissions", "read", "access level granted")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *user == "" || *typ == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "usage: resource add -u USER -type TYPE -name NAME [-path PATH] [-permissions PERM]")
		return 1
	}

	id, err := eng.store.UpsertResource(ctx, store.UserResource{
		UserID:      *user,
		Type:        *typ,
		Name:        *name,
		PathOrURL:   *pathOrURL,
		Permissions: *permissions,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "add resource: %v\n", err)
		return 3
	}
	fmt.Printf("resource %d registered\n", id)
	return 0
}

func runResourceList(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("resource list", flag.ContinueOnError)
	user := fs.String("u", "", "user id (required)")
	typ := fs.String("type", "", "filter by resource type")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: resource list -u USER [-type TYPE]")
		return 1
	}

	resources, err := eng.store.ListResourcesForUser(ctx, *user, *typ)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list resources: %v\n", err)
		return 3
	}
	if len(resources) == 0 {
		fmt.Println("no resources registered")
		return 0
	}
	for _, r := range resources {
		fmt.Printf("%-6d %-12s %-20s %-10s %s\n", r.ID, r.Type, r.Name, r.Permissions, r.PathOrURL)
	}
	return 0
}
