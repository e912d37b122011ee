// Package commands provides the CLI command implementations for kin.
package commands

import (
	"fmt"
	"os"

	"github.com/AshkanYarmoradi/go-kin/cli/styles"
	"github.com/AshkanYarmoradi/go-kin/cli/ui"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the root command for the kin CLI
func NewRootCommand() *cobra.Command {
	var noColor bool

	rootCmd := &cobra.Command{
		Use:   "kin",
		Short: "Event-sourced family task engine",
		Long: ui.SimpleBanner() + `

Kin records every change to a family task as an immutable event and
keeps a queryable projection of the current state.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("kin init") + `                    Create kin.yaml
  ` + styles.Code.Render("kin migrate up") + `              Create the event store schema
  ` + styles.Code.Render("kin feed run") + `                Keep projections up to date
  ` + styles.Code.Render("kin task history FAMILY ID") + `  Show a task's events
  ` + styles.Code.Render("kin diagnose") + `                Check your setup`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor || !ui.IsTerminal(cmd.OutOrStdout()) {
				styles.DisableColors()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to kin.yaml (default: search upwards)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewTaskCommand())
	rootCmd.AddCommand(NewSnapshotCommand())
	rootCmd.AddCommand(NewProjectionCommand())
	rootCmd.AddCommand(NewFeedCommand())
	rootCmd.AddCommand(NewDiagnoseCommand())
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}
