// Package main provides the entry point for statemesh-server.
//
// statemesh-server runs one replica of a versioned key/subkey state store,
// standalone or as a member of a Raft-sequenced cluster, and carries the
// operator commands for checking configuration and inspecting checkpoints.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yndnr/statemesh-go/internal/cli/command"
)

func main() {
	app := command.App()

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
