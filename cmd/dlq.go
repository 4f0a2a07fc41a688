package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/notiq/internal/config"
	"github.com/shaharia-lab/notiq/internal/logger"
)

// NewDLQCmd returns the "dlq" command group for the dead-letter archive.
func NewDLQCmd(cfg *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}
	cmd.AddCommand(newDLQListCmd(cfg), newDLQReplayCmd(cfg))
	return cmd
}

func newDLQListCmd(cfg *config.AppConfig) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := newDispatchClient(ctx, cfg, logger.NewCLILogger(cfg.SlogLevel()), true)
			if err != nil {
				return err
			}
			defer client.Close()

			letters, err := client.svc.ListDeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(letters)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries to show")
	return cmd
}

func newDLQReplayCmd(cfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <job-id>",
		Short: "Re-enqueue a dead-lettered job as a fresh job",
		Long: `Re-enqueue an archived job under a new id with a full attempt budget.
The original job keeps its dead status; the new job links back to it via
the replayed_from metadata key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := newDispatchClient(ctx, cfg, logger.NewCLILogger(cfg.SlogLevel()), true)
			if err != nil {
				return err
			}
			defer client.Close()

			js, err := client.svc.ReplayDeadLetter(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(js)
		},
	}
}
