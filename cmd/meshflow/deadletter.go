package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/meshflow/internal/runtime/deadletter"
	"github.com/drblury/meshflow/transport"
)

func newDeadLetterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-letter queues",
	}
	cmd.AddCommand(newDeadLetterInspectCmd(a), newDeadLetterRetryCmd(a))
	return cmd
}

func newDeadLetterInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <queue>...",
		Short: "Print the dead-letter depth of each queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer ch.Close()

			inspector, ok := ch.(transport.QueueInspector)
			if !ok {
				return fmt.Errorf("%s transport cannot report queue depth", ch.Capabilities().Name)
			}
			for _, queue := range args {
				dlq := transport.DeadLetterQueueName(queue)
				depth, err := inspector.QueueDepth(cmd.Context(), dlq)
				if err != nil {
					return fmt.Errorf("inspect %s: %w", dlq, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", dlq, depth)
			}
			return nil
		},
	}
}

func newDeadLetterRetryCmd(a *app) *cobra.Command {
	var runFor time.Duration
	cmd := &cobra.Command{
		Use:   "retry <queue>",
		Short: "Replay the dead letters of a queue until the attempt limit, for a bounded time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), runFor)
			defer cancel()

			ch, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()

			metrics := deadletter.NewMetrics(nil)
			recovery, err := deadletter.NewRecovery(ch, deadletter.Config{MaxAttempts: a.conf.DeadLetterMaxAttempts}, a.logger, metrics)
			if err != nil {
				return err
			}
			consumer, err := recovery.ProcessDeadLetters(ctx, args[0], deadletter.RetryAll)
			if err != nil {
				return err
			}
			<-ctx.Done()
			if err := consumer.Cancel(); err != nil {
				return err
			}

			snap := metrics.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "received=%d retried=%d abandoned=%d\n", snap.TotalReceived, snap.TotalRetried, snap.TotalAbandoned)
			return nil
		},
	}
	cmd.Flags().DurationVar(&runFor, "for", 30*time.Second, "how long to consume the dead-letter queue")
	return cmd
}
