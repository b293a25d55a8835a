package main

import (
	"context"
	"fmt"
)

// runEmailCommand implements `email poll|list|test`. The retrieval pack
// this engine was built from carries no IMAP/SMTP client library, so
// (per spec §1/§6 framing of channel pollers as optional collaborator
// glue) this command honestly reports that the email collaborator isn't
// wired rather than faking a transport it has no real backing for.
func runEmailCommand(ctx context.Context, eng *engine, args []string) int {
	if len(args) == 0 {
		fmt.Println("usage: email poll|list|test")
		return 1
	}
	switch args[0] {
	case "poll", "list", "test":
		fmt.Println("email collaborator: not configured (no mail transport wired in this build)")
		return 0
	default:
		fmt.Printf("unknown email subcommand %q\n", args[0])
		return 1
	}
}
