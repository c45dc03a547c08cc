package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/client"
	"github.com/JakeFAU/grayscale-jobs/internal/config"
)

func newSubmitCmd() *cobra.Command {
	var (
		baseURL string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "submit <image>",
		Short: "Uploads an image and prints the job ID",
		Long: `Uploads an image to a running service. With --wait the command polls the
job until it completes, fails, or the client timeout elapses, then prints the
grayscale URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			api := newClient(cfg, baseURL)

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer func() {
				_ = f.Close()
			}()

			jobID, err := api.Submit(cmd.Context(), filepath.Base(args[0]), f)
			if err != nil {
				return fmt.Errorf("submit %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if !wait {
				_, err = fmt.Fprintln(out, jobID)
				return err
			}
			return waitForJob(cmd.Context(), out, api, cfg, jobID)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "service base URL (overrides client.base_url)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	return cmd
}

func waitForJob(ctx context.Context, out io.Writer, api *client.Client, cfg *config.Config, jobID string) error {
	poller := client.NewPoller(api, cfg.Client.PollInterval, cfg.Client.Timeout, zap.L().Named("poller"))
	status, err := poller.Wait(ctx, jobID)
	if err != nil {
		var failed *client.JobFailedError
		if errors.As(err, &failed) {
			return fmt.Errorf("job %s failed (%s): %s", jobID, failed.Status.ErrorKind, failed.Status.Error)
		}
		return fmt.Errorf("wait for job %s: %w", jobID, err)
	}
	_, err = fmt.Fprintf(out, "%s %s\n", jobID, status.TransformedURL)
	return err
}

func newClient(cfg *config.Config, override string) *client.Client {
	baseURL := cfg.Client.BaseURL
	if override != "" {
		baseURL = override
	}
	return client.New(baseURL, client.WithFieldName(cfg.Upload.FieldName))
}
