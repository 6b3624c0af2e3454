package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"decisium-backend/domain/task"
)

var userID string

func init() {
	for _, c := range []*cobra.Command{listCmd, cancelCmd, retryCmd} {
		c.Flags().StringVarP(&userID, "user", "u", "", "owner of the session or task")
		_ = c.MarkFlagRequired("user")
		rootCmd.AddCommand(c)
	}
}

var listCmd = &cobra.Command{
	Use:     "list SESSION",
	Aliases: []string{"ls"},
	Short:   "List the tasks of a session in sequence order",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := container.Sessions.List(cmd.Context(), userID, args[0])
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s has no tasks.\n", args[0])
			return nil
		}
		return printTasks(cmd.OutOrStdout(), tasks)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(cmd, args[0], container.Sessions.Cancel)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry TASK",
	Short: "Reset a failed task to pending",
	Long: `Reset a failed task to pending. The task is not executed; use
"taskctl run" or wait for the next sweep.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(cmd, args[0], container.Sessions.Retry)
	},
}

func transition(cmd *cobra.Command, taskID string, fn func(ctx context.Context, userID, taskID string) (*task.Task, error)) error {
	t, err := fn(cmd.Context(), userID, taskID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", t.ID, t.Status)
	return nil
}

func printTasks(out io.Writer, tasks []*task.Task) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tTYPE\tSTATUS\tUPDATED\tERROR")
	for _, t := range tasks {
		lastErr := ""
		if t.LastError != nil {
			lastErr = *t.LastError
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.Sequence,
			t.ID,
			t.Type,
			t.Status,
			t.UpdatedAt.Format("2006-01-02 15:04:05"),
			lastErr,
		)
	}
	return w.Flush()
}
