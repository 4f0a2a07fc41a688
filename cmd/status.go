package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/notiq/internal/config"
	"github.com/shaharia-lab/notiq/internal/logger"
	"github.com/shaharia-lab/notiq/internal/storage"
)

// NewStatusCmd returns the "status" subcommand.
func NewStatusCmd(cfg *config.AppConfig) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the delivery status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := newDispatchClient(ctx, cfg, logger.NewCLILogger(cfg.SlogLevel()), false)
			if err != nil {
				return err
			}
			defer client.Close()

			js, err := client.svc.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if !history {
				return printJSON(js)
			}

			events, err := client.svc.History(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(struct {
				*storage.JobStatus
				Events []storage.StatusEvent `json:"events"`
			}{js, events})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Include every recorded transition")
	return cmd
}
