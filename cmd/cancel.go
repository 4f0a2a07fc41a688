package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/notiq/internal/config"
	"github.com/shaharia-lab/notiq/internal/logger"
)

// NewCancelCmd returns the "cancel" subcommand.
func NewCancelCmd(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started delivery",
		Long: `Cancel a queued, scheduled or retry-waiting job. Jobs currently in
flight or already settled cannot be cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := newDispatchClient(ctx, cfg, logger.NewCLILogger(cfg.SlogLevel()), false)
			if err != nil {
				return err
			}
			defer client.Close()

			js, err := client.svc.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(js)
		},
	}
}
