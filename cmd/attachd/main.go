// Command attachd serves attachment uploads and downloads backed by a remote
// file host.
package main

import (
	"fmt"
	"os"

	"github.com/tflow/attachstore/cmd/attachd/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
