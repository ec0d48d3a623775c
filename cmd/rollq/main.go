// Command rollq manages persistent rolling append-only logs.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/rollq/cmd/rollq/commands"
)

// Set with -ldflags "-X main.version=..." at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version, commands.Commit, commands.Date = version, commit, date

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rollq:", err)
		os.Exit(1)
	}
}
