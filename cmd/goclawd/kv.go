package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

// runKVCommand implements `kv get|set|list|delete`, a thin CLI face on the
// per-user namespaced key-value store the prompt assembler and skills
// read from (spec §4.3).
func runKVCommand(ctx context.Context, eng *engine, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: kv get|set|list|delete ...")
		return 1
	}
	switch args[0] {
	case "get":
		return runKVGet(ctx, eng, args[1:])
	case "set":
		return runKVSet(ctx, eng, args[1:])
	case "list":
		return runKVList(ctx, eng, args[1:])
	case "delete":
		return runKVDelete(ctx, eng, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown kv subcommand %q\n", args[0])
		return 1
	}
}

func kvFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	user := fs.String("u", "", "user id (required)")
	namespace := fs.String("n", "default", "kv namespace")
	return fs, user, namespace
}

func runKVGet(ctx context.Context, eng *engine, args []string) int {
	fs, user, ns := kvFlags("kv get")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if *user == "" || len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kv get -u USER [-n NAMESPACE] KEY")
		return 1
	}
	value, ok, err := eng.store.KVGet(ctx, *user, *ns, rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "kv get: %v\n", err)
		return 3
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "key not found")
		return 3
	}
	fmt.Println(value)
	return 0
}

func runKVSet(ctx context.Context, eng *engine, args []string) int {
	fs, user, ns := kvFlags("kv set")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if *user == "" || len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: kv set -u USER [-n NAMESPACE] KEY VALUE")
		return 1
	}
	if err := eng.store.KVSet(ctx, *user, *ns, rest[0], rest[1]); err != nil {
		fmt.Fprintf(os.Stderr, "kv set: %v\n", err)
		return 3
	}
	return 0
}

func runKVList(ctx context.Context, eng *engine, args []string) int {
	fs, user, ns := kvFlags("kv list")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: kv list -u USER [-n NAMESPACE]")
		return 1
	}
	entries, err := eng.store.KVList(ctx, *user, *ns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kv list: %v\n", err)
		return 3
	}
	for k, v := range entries {
		fmt.Printf("%s=%s\n", k, v)
	}
	return 0
}

func runKVDelete(ctx context.Context, eng *engine, args []string) int {
	fs, user, ns := kvFlags("kv delete")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if *user == "" || len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kv delete -u USER [-n NAMESPACE] KEY")
		return 1
	}
	if err := eng.store.KVDelete(ctx, *user, *ns, rest[0]); err != nil {
		fmt.Fprintf(os.Stderr, "kv delete: %v\n", err)
		return 3
	}
	return 0
}
