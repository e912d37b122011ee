package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/cli/styles"
	"github.com/AshkanYarmoradi/go-kin/cli/ui"
	"github.com/spf13/cobra"
)

// NewTaskCommand creates the task command
func NewTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Issue commands against family tasks",
		Long: `Create and change tasks, and inspect their event history.

Examples:
  kin task create smiths "Buy milk" --actor alice
  kin task complete smiths 01J... --actor bob
  kin task show smiths 01J...
  kin task history smiths 01J... --since 01J...`,
	}

	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskSimpleCommand("complete", "Mark a task done", func(base kin.CommandBase, _ []string) kin.Command {
		return kin.CompleteTask{CommandBase: base}
	}, 0))
	cmd.AddCommand(newTaskSimpleCommand("reopen", "Move a completed task back to active", func(base kin.CommandBase, _ []string) kin.Command {
		return kin.ReopenTask{CommandBase: base}
	}, 0))
	cmd.AddCommand(newTaskSimpleCommand("assign", "Assign a family member to a task", func(base kin.CommandBase, rest []string) kin.Command {
		return kin.AssignTask{CommandBase: base, AssigneeID: rest[0]}
	}, 1))
	cmd.AddCommand(newTaskDeleteCommand())
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskHistoryCommand())

	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	var (
		actor       string
		taskID      string
		description string
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "create TENANT TITLE",
		Short: "Create a task assigned to its creator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskCommand(cmd, kin.CreateTask{
				CommandBase: kin.CommandBase{TenantID: args[0], ActorID: actor, TaskID: taskID},
				Title:       args[1],
				Description: description,
				Tags:        tags,
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Acting family member")
	cmd.Flags().StringVar(&taskID, "id", "", "Task id (generated when empty)")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func newTaskSimpleCommand(use, short string, build func(kin.CommandBase, []string) kin.Command, extra int) *cobra.Command {
	var actor string

	usage := use + " TENANT TASK"
	if extra > 0 {
		usage += " ASSIGNEE"
	}

	cmd := &cobra.Command{
		Use:   usage,
		Short: short,
		Args:  cobra.ExactArgs(2 + extra),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := kin.CommandBase{TenantID: args[0], ActorID: actor, TaskID: args[1]}
			return runTaskCommand(cmd, build(base, args[2:]))
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Acting family member")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func newTaskDeleteCommand() *cobra.Command {
	var actor, reason string

	cmd := &cobra.Command{
		Use:   "delete TENANT TASK",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskCommand(cmd, kin.DeleteTask{
				CommandBase: kin.CommandBase{TenantID: args[0], ActorID: actor, TaskID: args[1]},
				Reason:      reason,
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Acting family member")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task is deleted")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func runTaskCommand(cmd *cobra.Command, c kin.Command) error {
	ctx := cmd.Context()
	env, err := setupEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.Processor().Handle(ctx, c)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("%s accepted", c.CommandType())))
	fmt.Fprintln(out, styles.FormatKeyValue("Task", res.TaskID))
	fmt.Fprintln(out, styles.FormatKeyValue("Version", fmt.Sprintf("%d", res.Version)))
	if res.Attempts > 1 {
		fmt.Fprintln(out, styles.FormatKeyValue("Attempts", fmt.Sprintf("%d", res.Attempts)))
	}

	if _, _, err := env.Snapshots.MaybeSnapshot(ctx, c.Envelope().TenantID, res.TaskID); err != nil {
		env.Logger.Warn("snapshot after command failed", "task", res.TaskID, "error", err)
	}
	return nil
}

func newTaskShowCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show TENANT TASK",
		Short: "Show the current state of a task rebuilt from its events",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			task, err := env.Processor().Load(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, task)
			}
			printTask(out, task)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func printTask(out io.Writer, task *kin.Task) {
	icon := styles.IconTask
	if task.Status == kin.StatusCompleted {
		icon = styles.IconDone
	}
	fmt.Fprintln(out, styles.Title.Render(icon+" "+task.Title))
	fmt.Fprintln(out, styles.FormatKeyValue("ID", task.ID))
	fmt.Fprintln(out, styles.FormatKeyValue("Status", styles.FormatStatus(string(task.Status))))
	if task.Description != "" {
		fmt.Fprintln(out, styles.FormatKeyValue("Description", task.Description))
	}
	if len(task.Tags) > 0 {
		fmt.Fprintln(out, styles.FormatKeyValue("Tags", strings.Join(task.Tags, ", ")))
	}
	fmt.Fprintln(out, styles.FormatKeyValue("Assignees", strings.Join(task.Assignees, ", ")))
	fmt.Fprintln(out, styles.FormatKeyValue("Created by", task.CreatedBy))
	fmt.Fprintln(out, styles.FormatKeyValue("Updated", task.UpdatedAt.UTC().Format(time.RFC3339)))
	fmt.Fprintln(out, styles.FormatKeyValue("Version", fmt.Sprintf("%d", task.Version)))
}

// historyEntry is the JSON form of one event in a task history.
type historyEntry struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	SchemaVersion  int       `json:"schemaVersion"`
	ActorID        string    `json:"actorId"`
	Version        int64     `json:"version"`
	GlobalPosition uint64    `json:"globalPosition"`
	Timestamp      time.Time `json:"timestamp"`
}

func newTaskHistoryCommand() *cobra.Command {
	var (
		since  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history TENANT TASK",
		Short: "List the events of a task in order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			var events []kin.Event
			if since != "" {
				events, err = env.Store.ReadSince(ctx, args[0], args[1], since)
			} else {
				events, err = env.Store.Read(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				entries := make([]historyEntry, 0, len(events))
				for _, e := range events {
					entries = append(entries, historyEntry{
						ID:             e.ID,
						Kind:           string(e.Kind),
						SchemaVersion:  e.SchemaVersion,
						ActorID:        e.ActorID,
						Version:        e.Version,
						GlobalPosition: e.GlobalPosition,
						Timestamp:      e.Timestamp,
					})
				}
				return writeJSON(out, entries)
			}

			if len(events) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No events"))
				return nil
			}
			entries := make([]ui.TimelineEntry, 0, len(events))
			for _, e := range events {
				entries = append(entries, ui.TimelineEntry{
					Version:   e.Version,
					Kind:      string(e.Kind),
					ActorID:   e.ActorID,
					EventID:   e.ID,
					Timestamp: e.Timestamp,
				})
			}
			fmt.Fprintln(out, styles.Title.Render(styles.IconStream+" "+args[0]+"/"+args[1]))
			fmt.Fprint(out, ui.Timeline(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only events after this event id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
