package commands

import (
	"fmt"
	"strings"
	"time"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/cli/styles"
	"github.com/AshkanYarmoradi/go-kin/cli/ui"
	"github.com/spf13/cobra"
)

// NewProjectionCommand creates the projection command
func NewProjectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Query and rebuild the task projection",
		Long: `The task projection is the read model kept up to date from the event feed.

Examples:
  kin projection active smiths          # List active tasks
  kin projection show smiths 01J...     # Show one projected row
  kin projection rebuild smiths         # Replay every event of a family`,
		Aliases: []string{"proj"},
	}

	cmd.AddCommand(newProjectionActiveCommand())
	cmd.AddCommand(newProjectionShowCommand())
	cmd.AddCommand(newProjectionRebuildCommand())

	return cmd
}

func newProjectionActiveCommand() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "active TENANT",
		Short: "List active tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			rows, err := env.Query.ListActive(ctx, args[0], limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No active tasks"))
				return nil
			}

			table := ui.NewTable("ID", "Title", "Assignees", "Updated", "Version")
			for _, r := range rows {
				table.AddRow(
					r.AggregateID,
					r.Title,
					strings.Join(r.Assignees, ", "),
					r.UpdatedAt.UTC().Format(time.RFC3339),
					fmt.Sprintf("%d", r.Version),
				)
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func newProjectionShowCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show TENANT TASK",
		Short: "Show the projected row of a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			row, err := env.Query.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, row)
			}
			fmt.Fprintln(out, styles.Title.Render(styles.IconTask+" "+row.Title))
			fmt.Fprintln(out, styles.FormatKeyValue("Status", styles.FormatStatus(row.Status)))
			fmt.Fprintln(out, styles.FormatKeyValue("Active", ui.Confirmation(row.Active)))
			fmt.Fprintln(out, styles.FormatKeyValue("Last event", row.LastEventID))
			fmt.Fprintln(out, styles.FormatKeyValue("Version", fmt.Sprintf("%d", row.Version)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func newProjectionRebuildCommand() *cobra.Command {
	var (
		batchSize int
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild TENANT",
		Short: "Rebuild the projection of a family from its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if !yes && ui.IsTerminal(out) {
				fmt.Fprintln(out, styles.FormatWarning("Every projected row of "+args[0]+" will be replaced."))
				fmt.Fprintln(out, styles.Muted.Render("  Re-run with --yes to continue."))
				return nil
			}

			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			rebuilder := kin.NewProjectionRebuilder(env.Store, env.Adapter, env.Updater,
				kin.WithRebuilderBatchSize(batchSize),
				kin.WithRebuilderLogger(env.Logger),
			)

			progress, err := rebuilder.Rebuild(ctx, args[0], func(p kin.RebuildProgress) {
				if p.Completed {
					return
				}
				fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("  %s %d events (position %d)", styles.IconPending, p.ProcessedEvents, p.CurrentPosition)))
			})

			table := ui.NewTable("Processed", "Applied", "Skipped", "Dead-lettered", "Failed", "Duration")
			table.AddRow(
				fmt.Sprintf("%d", progress.ProcessedEvents),
				fmt.Sprintf("%d", progress.Applied),
				fmt.Sprintf("%d", progress.Skipped),
				fmt.Sprintf("%d", progress.DeadLettered),
				fmt.Sprintf("%d", progress.Failed),
				progress.Duration.Round(time.Millisecond).String(),
			)
			fmt.Fprintln(out, table.Render())

			if err != nil {
				return fmt.Errorf("rebuild failed: %w", err)
			}
			fmt.Fprintln(out, styles.FormatSuccess("Projection rebuilt for "+args[0]))
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 1000, "Events per batch")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation notice")

	return cmd
}
