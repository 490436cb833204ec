package cli

import (
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/musicapp/musicdeploy/internal/monitor"
)

func (a *app) monitorCmd() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show the audit notifications the server publishes",
		Long: `Print the SNS notifications delivered to the deployment's SQS queue: first
the messages already waiting, then new ones as they arrive, until
interrupted. Messages are left on the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			awscfg, err := a.aws(ctx)
			if err != nil {
				return err
			}
			client := sqs.NewFromConfig(awscfg)

			inv, err := a.inventory().Load(ctx)
			if err != nil {
				return err
			}
			url := inv.SQSQueueURL
			if url == "" {
				if url, err = monitor.ResolveQueue(ctx, client, a.cfg.Notifications.Queue); err != nil {
					return err
				}
			}

			m := monitor.New(client, url, a.out)
			if n, err := m.Approximate(ctx); err != nil {
				log.Warn("could not read queue depth", "error", err)
			} else {
				a.printf("Queue %s holds about %d message(s).\n", a.cfg.Notifications.Queue, n)
			}

			a.printf("\n=== Existing messages ===\n")
			n, err := m.Drain(ctx)
			if err != nil {
				return err
			}
			a.printf("\n%d existing message(s).\n", n)
			if noWatch {
				return nil
			}

			a.printf("\n=== Waiting for new messages (Ctrl+C to stop) ===\n")
			n = m.Watch(ctx)
			a.printf("\nStopped: %d new message(s), %d in total.\n", n, m.Count())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "exit after showing the messages already queued")
	return cmd
}
