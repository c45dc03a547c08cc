package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Prints the current state of a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			status, err := newClient(cfg, baseURL).Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				return fmt.Errorf("encode status: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "service base URL (overrides client.base_url)")
	return cmd
}
