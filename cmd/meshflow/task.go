package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
	"github.com/drblury/meshflow/internal/runtime/tasks"
)

func newPublishTaskCmd(a *app) *cobra.Command {
	var priority uint8
	var delay time.Duration
	var correlationID string

	cmd := &cobra.Command{
		Use:   "publish-task <type> <json>",
		Short: "Enqueue one task on the configured task queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[1])
			if !jsoncodec.Valid(payload) {
				return errors.New("task payload is not valid JSON")
			}

			ch, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer ch.Close()

			queue, err := tasks.NewQueue(ch, tasks.Config{
				Queue:       a.conf.TaskQueue,
				MaxPriority: a.conf.TaskMaxPriority,
				Source:      a.conf.ServiceName,
			}, a.logger)
			if err != nil {
				return err
			}
			opts := []tasks.PublishOption{tasks.WithPriority(priority), tasks.WithDelay(delay)}
			if correlationID != "" {
				opts = append(opts, tasks.WithCorrelationID(correlationID))
			}
			id, err := queue.Publish(cmd.Context(), args[0], json.RawMessage(payload), opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().Uint8Var(&priority, "priority", 0, "task priority, higher runs first")
	cmd.Flags().DurationVar(&delay, "delay", 0, "hold the task back for this long")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id to propagate")
	return cmd
}
