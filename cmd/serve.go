package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP service and worker pool",
		Long: `Starts the upload and status endpoints together with the worker pool.
The process drains queued jobs and flushes lifecycle events on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			runner, err := newRunner(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := runner.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run service: %w", err)
			}
			return nil
		},
	}
}
