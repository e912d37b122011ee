// kin is the command-line interface for the kin family task engine.
//
// Usage:
//
//	kin <command> [flags]
//
// Commands:
//
//	init        Create a kin.yaml configuration file
//	migrate     Manage the event store schema
//	task        Issue commands and inspect task history
//	snapshot    Inspect and manage task snapshots
//	projection  Query and rebuild the task projection
//	feed        Run change-feed consumers and the NATS relay
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Create the schema
//	kin migrate up
//
//	# Add a task for the Smith family
//	kin task create smiths "Buy milk" --actor alice
//
//	# Keep projections and snapshots up to date
//	kin feed run --snapshots
//
//	# Run diagnostics
//	kin diagnose
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-kin/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
