package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/notiq/internal/build"
	"github.com/shaharia-lab/notiq/internal/config"
)

// Execute parses the command line and runs the selected subcommand.
func Execute() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "notiq",
		Short: "Asynchronous notification dispatch pipeline",
		Long: `notiq queues notifications and delivers them asynchronously over email
and webhooks, with bounded retries, scheduled delivery and a dead-letter
archive for jobs that exhaust their attempt budget.`,
		Version: build.String(),
	}

	rootCmd.AddCommand(
		NewWorkerCmd(cfg),
		NewSubmitCmd(cfg),
		NewStatusCmd(cfg),
		NewCancelCmd(cfg),
		NewDLQCmd(cfg),
		NewUpdateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
