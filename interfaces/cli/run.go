package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"decisium-backend/application/continuation"
)

var sweepLimit int

func init() {
	sweepCmd.Flags().IntVar(&sweepLimit, "limit", 0, "maximum sessions to inspect (default from SWEEP_LIMIT)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
}

var runCmd = &cobra.Command{
	Use:   "run TASK",
	Short: "Execute a pending task now and continue its chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := container.Continuation.HandleTrigger(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch {
		case outcome.Skipped:
			fmt.Fprintf(out, "Task %s was not pending; nothing to do\n", args[0])
		case outcome.Task != nil:
			fmt.Fprintf(out, "Task %s finished %s\n", outcome.Task.ID, outcome.Task.Status)
		}
		if outcome.Successor != nil {
			fmt.Fprintf(out, "Next task %s (%s)\n", outcome.Successor.ID, outcome.Successor.Type)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-dispatch sessions with pending work and no running task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := sweepLimit
		if limit <= 0 {
			limit = container.Config.SweepLimit
		}
		report, err := container.Continuation.Sweep(cmd.Context(), limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(report.Entries) == 0 {
			fmt.Fprintln(out, "No sessions with pending tasks.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tTASK\tACTION\tERROR")
		for _, e := range report.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.SessionID, e.TaskID, e.Action, e.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d dispatched, %d stale, %d errors\n",
			report.Count(continuation.SweepDispatched),
			report.Count(continuation.SweepStaleRunning),
			report.Count(continuation.SweepError),
		)
		return nil
	},
}
