package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaharia-lab/notiq/internal/config"
	"github.com/shaharia-lab/notiq/internal/logger"
	"github.com/shaharia-lab/notiq/internal/notification"
	"github.com/shaharia-lab/notiq/internal/service"
)

// batchFile is the YAML document accepted by submit --file.
type batchFile struct {
	Notifications []service.SubmitRequest `yaml:"notifications"`
}

// NewSubmitCmd returns the "submit" subcommand that enqueues notifications.
func NewSubmitCmd(cfg *config.AppConfig) *cobra.Command {
	var (
		channel     string
		recipient   string
		subject     string
		body        string
		metadata    map[string]string
		priority    int
		maxAttempts int
		at          string
		file        string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue notifications for delivery",
		Long: `Enqueue one notification from flags, or a batch from a YAML file:

  notiq submit --channel email --to dev@example.com --subject "Build finished" --body "all green"
  notiq submit --channel webhook --to https://ops.example.com/hook --body '{"event":"deploy"}'
  notiq submit --file batch.yaml

A batch file holds a "notifications" list; the whole batch is rejected when
any entry is invalid. Submitting requires the redis broker so jobs reach the
worker daemon.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := newDispatchClient(ctx, cfg, logger.NewCLILogger(cfg.SlogLevel()), true)
			if err != nil {
				return err
			}
			defer client.Close()

			if file != "" {
				return submitBatch(ctx, client.svc, file)
			}

			req := service.SubmitRequest{
				Channel:     notification.Channel(channel),
				Recipient:   recipient,
				Subject:     subject,
				Body:        body,
				Metadata:    metadata,
				Priority:    priority,
				MaxAttempts: maxAttempts,
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parsing --at: %w", err)
				}
				req.ScheduledAt = ts
			}

			js, err := client.svc.Submit(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(js)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "email", `Delivery channel ("email" or "webhook")`)
	cmd.Flags().StringVar(&recipient, "to", "", "Recipient address or webhook URL")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject line (email only)")
	cmd.Flags().StringVar(&body, "body", "", "Message body")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "Opaque key=value pairs carried with the job")
	cmd.Flags().IntVar(&priority, "priority", 0, "Pickup priority (0 = normal, 10 = most urgent)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Delivery attempt budget (0 uses the configured default)")
	cmd.Flags().StringVar(&at, "at", "", "Deliver no earlier than this RFC 3339 time")
	cmd.Flags().StringVar(&file, "file", "", "Submit a YAML batch file instead of flags")

	return cmd
}

func submitBatch(ctx context.Context, svc service.DispatchService, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading batch file: %w", err)
	}
	var batch batchFile
	if err := yaml.Unmarshal(raw, &batch); err != nil {
		return fmt.Errorf("parsing batch file: %w", err)
	}

	statuses, err := svc.SubmitBatch(ctx, batch.Notifications)
	if err != nil {
		return err
	}
	return printJSON(statuses)
}
