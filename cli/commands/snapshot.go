package commands

import (
	"errors"
	"fmt"
	"time"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/cli/styles"
	"github.com/AshkanYarmoradi/go-kin/cli/ui"
	"github.com/spf13/cobra"
)

// NewSnapshotCommand creates the snapshot command
func NewSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and manage task snapshots",
		Long: `Snapshots bound the number of events replayed to load a task.

Examples:
  kin snapshot status smiths 01J...   # Show the snapshot and policy decision
  kin snapshot take smiths 01J...     # Snapshot now, ignoring the policy
  kin snapshot purge                  # Delete expired superseded snapshots`,
		Aliases: []string{"snap"},
	}

	cmd.AddCommand(newSnapshotStatusCommand())
	cmd.AddCommand(newSnapshotTakeCommand())
	cmd.AddCommand(newSnapshotPurgeCommand())

	return cmd
}

func newSnapshotStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status TENANT TASK",
		Short: "Show the snapshot state of a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			status, err := env.Snapshots.State(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			decision, err := env.Snapshots.Evaluate(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.Title.Render(styles.IconSnapshot+" "+args[0]+"/"+args[1]))
			fmt.Fprintln(out, styles.FormatKeyValue("State", ui.StatusBadge(status.State.String())))
			if status.State == kin.HasSnapshot {
				fmt.Fprintln(out, styles.FormatKeyValue("Cutoff", status.CutoffEventID))
				fmt.Fprintln(out, styles.FormatKeyValue("Snapshot version", fmt.Sprintf("%d", status.Version)))
				fmt.Fprintln(out, styles.FormatKeyValue("Taken", status.CreatedAt.UTC().Format(time.RFC3339)))
			}
			fmt.Fprintln(out, styles.FormatKeyValue("Stream version", fmt.Sprintf("%d", decision.StreamVersion)))
			fmt.Fprintln(out, styles.FormatKeyValue("Events since cutoff", fmt.Sprintf("%d", decision.EventsSinceCutoff)))
			fmt.Fprintln(out, styles.FormatKeyValue("Policy", string(decision.Trigger)))
			return nil
		},
	}
}

func newSnapshotTakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "take TENANT TASK",
		Short: "Snapshot a task now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			out := cmd.OutOrStdout()
			snap, err := env.Snapshots.Take(ctx, args[0], args[1])
			if errors.Is(err, kin.ErrSnapshotUpToDate) {
				fmt.Fprintln(out, styles.FormatInfo("Snapshot is up to date"))
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Snapshot taken at version %d", snap.Version)))
			fmt.Fprintln(out, styles.FormatKeyValue("Cutoff", snap.CutoffEventID))
			return nil
		},
	}
}

func newSnapshotPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete superseded snapshots past their grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.Snapshots.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("Purged %d snapshot(s)", n)))
			return nil
		},
	}
}
