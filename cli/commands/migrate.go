package commands

import (
	"context"
	"fmt"

	"github.com/AshkanYarmoradi/go-kin/cli/styles"
	"github.com/AshkanYarmoradi/go-kin/cli/ui"
	"github.com/spf13/cobra"
)

// migrator is implemented by adapters with a versioned schema.
type migrator interface {
	Migrate(ctx context.Context) error
	MigrationVersion(ctx context.Context) (int, error)
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the event store schema",
		Long: `Create and inspect the event store schema.

Examples:
  kin migrate up       # Apply pending migrations
  kin migrate status   # Show the applied schema version`,
	}

	cmd.AddCommand(newMigrateUpCommand())
	cmd.AddCommand(newMigrateStatusCommand())

	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			out := cmd.OutOrStdout()
			m, ok := env.Adapter.(migrator)
			if !ok {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}

			run := func() (string, error) {
				if err := m.Migrate(ctx); err != nil {
					return "", err
				}
				v, err := m.MigrationVersion(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Schema %q at version %d", env.Config.Database.Schema, v), nil
			}

			if ui.IsTerminal(out) {
				return ui.RunSpinner("Applying migrations...", run)
			}
			msg, err := run()
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(out, styles.FormatSuccess(msg))
			return nil
		},
	}
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			out := cmd.OutOrStdout()
			m, ok := env.Adapter.(migrator)
			if !ok {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver has no schema"))
				return nil
			}

			v, err := m.MigrationVersion(ctx)
			if err != nil {
				return fmt.Errorf("failed to read migration version: %w", err)
			}

			fmt.Fprintln(out, styles.FormatKeyValue("Driver", env.Config.Database.Driver))
			fmt.Fprintln(out, styles.FormatKeyValue("Schema", env.Config.Database.Schema))
			if v == 0 {
				fmt.Fprintln(out, styles.FormatKeyValue("Version", ui.StatusBadge("pending")))
				fmt.Fprintln(out, styles.FormatWarning("Run 'kin migrate up' to create the schema"))
				return nil
			}
			fmt.Fprintln(out, styles.FormatKeyValue("Version", fmt.Sprintf("%d", v)))
			return nil
		},
	}
}
