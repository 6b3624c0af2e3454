// Package cli implements taskctl, the operator command line for the task
// engine. Every command runs against the stores selected by the regular
// configuration.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/di"
)

// openContainer is replaced in tests.
var openContainer = func(ctx context.Context) (*di.Container, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	return di.Build(ctx, cfg)
}

var (
	container *di.Container
	closeFn   func()
)

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "Inspect and repair task chains",
	Long: `taskctl operates on the task store configured through CONFIG_FILE and
the environment. It can list a session's tasks, cancel, retry or run a task,
and re-dispatch stalled sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, cleanup, err := openContainer(cmd.Context())
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		container, closeFn = c, cleanup
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		container.Drain(cmd.Context())
		if closeFn != nil {
			closeFn()
		}
		_ = container.Logger.Sync()
	},
}

// Execute runs the root command. Called from main.go.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
