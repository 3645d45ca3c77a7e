// Command kohakuhub runs the KohakuHub server and its management CLI.
package main

import (
	"os"

	"github.com/kohakuhub/kohakuhub/cmd/kohakuhub/commands"
)

// Build-time variables injected via ldflags.
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
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
