// Command tinycrab is the CLI surface for the supervisor: a thin cobra
// wrapper that spawns, inspects, and tears down per-agent server
// subprocesses through internal/supervisor.
package main

import (
	"fmt"
	"os"

	"github.com/tinycrab/tinycrab/cmd/tinycrab/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
