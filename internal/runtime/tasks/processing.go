package tasks

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/handlers"
	"github.com/drblury/meshflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/transport"
)

// ProcessOptions tune StartProcessing.
type ProcessOptions struct {
	// Concurrency defaults to 1.
	Concurrency int
	Prefetch    int
	// Middlewares run inside the queue middlewares.
	Middlewares []message.HandlerMiddleware
}

// StartProcessing consumes the task queue and dispatches every task to the
// processor of its type. Tasks without a processor, with an invalid payload
// or whose processor fails are rejected into the dead-letter queue.
func (q *Queue) StartProcessing(ctx context.Context, opts ProcessOptions) (transport.Consumer, error) {
	if err := q.Declare(ctx); err != nil {
		return nil, err
	}
	consumer, err := q.ch.Consume(ctx, q.cfg.Queue, q.dispatch, transport.ConsumeOptions{
		Concurrency: max(opts.Concurrency, 1),
		Prefetch:    opts.Prefetch,
		Middlewares: append(append([]message.HandlerMiddleware(nil), q.middlewares...), opts.Middlewares...),
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("Task processing started", logging.LogFields{
		"consumer_tag": consumer.Tag(),
		"task_types":   q.TaskTypes(),
		"concurrency":  max(opts.Concurrency, 1),
	})
	return consumer, nil
}

func (q *Queue) dispatch(msg *message.Message) error {
	env, err := handlers.DecodeEnvelope(msg)
	if err != nil {
		q.logger.Error("Rejecting undecodable task", err, logging.LogFields{"message_uuid": msg.UUID})
		return err
	}
	fields := logging.LogFields{"task_id": env.ID, "task_type": env.Type, "correlation_id": env.Metadata.CorrelationID}

	fn, ok := q.processor(env.Type)
	if !ok {
		err := &errspkg.NoProcessorError{TaskType: env.Type}
		q.logger.Error("No processor registered", err, fields)
		return err
	}
	if problems := q.schemas.Validate(env.Type, env.Data); len(problems) > 0 {
		err := errspkg.NewTaskValidationError(env.Type, problems...)
		q.logger.Warn("Rejecting invalid task", logging.LogFields{"task_id": env.ID, "task_type": env.Type, "error": err.Error()})
		return err
	}

	tc := TaskContext{
		MessageContextBase: handlers.NewMessageContextBase(env, q.logger.With(fields)),
		Attempt:            transport.AttemptCount(msg),
	}
	if env.Metadata.Priority != nil {
		tc.Priority = *env.Metadata.Priority
	}

	ctx := metadatapkg.WithCorrelationID(msg.Context(), env.Metadata.CorrelationID)
	if err := fn(ctx, env.Data, tc); err != nil {
		return fmt.Errorf("process %s %s: %w", env.Type, env.ID, err)
	}
	return nil
}
