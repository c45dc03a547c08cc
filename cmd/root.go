// Package cmd defines and implements the CLI commands for the grayscale executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/config"
	"github.com/JakeFAU/grayscale-jobs/internal/logging"
	"github.com/JakeFAU/grayscale-jobs/internal/server"
	pkgconfig "github.com/JakeFAU/grayscale-jobs/pkg/config"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// Runner is the service surface the serve command drives.
type Runner interface {
	Run(ctx context.Context) error
}

// newRunner is the service factory. It's a variable so tests can replace it.
var newRunner = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "grayscale",
		Short: "Asynchronous grayscale image conversion service and client.",
		Long: `grayscale accepts image uploads over HTTP, converts them to grayscale on a
bounded worker pool, and reports job status for polling clients.

Run "grayscale serve" to start the service, or use "submit" and "status"
to talk to a running instance.`,
		SilenceUsage: true,

		// Loads config once for every subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := pkgconfig.Locate(cfgFile, zap.L())
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./, /etc/grayscale/, $HOME/.grayscale)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	logger, err := logging.New(true, "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}
