// Package deadletter recovers messages rejected into a queue's dead-letter
// queue. A handler inspects each dead letter and either retries it onto its
// original queue or lets it go; messages past the attempt limit are
// abandoned without reaching the handler.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/transport"
)

// DefaultErrorBackoff is how long a failing handler waits before the dead
// letter is put back.
const DefaultErrorBackoff = time.Second

// Context describes one dead letter.
type Context struct {
	// OriginalQueue is where the message was rejected.
	OriginalQueue string
	// Reason is the broker's dead-letter reason, e.g. "rejected" or "expired".
	Reason string
	// AttemptCount is 1 the first time a message is dead-lettered and grows by
	// one with every Retry.
	AttemptCount int
	// DeadLetterQueue is the queue the message was consumed from.
	DeadLetterQueue string

	msg     *message.Message
	ch      transport.Channel
	once    sync.Once
	retried bool
	err     error
}

// Retry republishes the message to its original queue with the attempt
// count incremented and the original priority. Only the first call sends.
func (c *Context) Retry(ctx context.Context) error {
	c.once.Do(func() {
		out := c.msg.Copy()
		for _, key := range metadatapkg.DeathHeaders {
			delete(out.Metadata, key)
		}
		transport.ClearDelay(out)
		out.Metadata.Set(metadatapkg.HeaderAttemptCount, strconv.Itoa(c.AttemptCount+1))

		opts := transport.PublishOptions{Persistent: true}
		if p, err := strconv.ParseUint(out.Metadata.Get(metadatapkg.HeaderPriority), 10, 8); err == nil {
			opts.Priority = uint8(p)
		}
		if err := c.ch.Send(ctx, c.OriginalQueue, out, opts); err != nil {
			c.err = fmt.Errorf("retry dead letter %s to %s: %w", out.UUID, c.OriginalQueue, err)
			return
		}
		c.retried = true
	})
	return c.err
}

// Retried reports whether Retry succeeded.
func (c *Context) Retried() bool {
	return c.retried
}

// Handler decides what happens to a dead letter. Returning an error leaves
// the message in the dead-letter queue.
type Handler func(ctx context.Context, msg *message.Message, dc *Context) error

// RetryAll is a Handler that retries every dead letter.
func RetryAll(ctx context.Context, msg *message.Message, dc *Context) error {
	return dc.Retry(ctx)
}

type Config struct {
	// MaxAttempts is required. A dead letter whose attempt count exceeds it
	// is abandoned.
	MaxAttempts int
	// ErrorBackoff defaults to DefaultErrorBackoff.
	ErrorBackoff time.Duration
	// Concurrency defaults to 1.
	Concurrency int
}

// Recovery consumes dead-letter queues.
type Recovery struct {
	ch      transport.Channel
	cfg     Config
	logger  logging.ServiceLogger
	metrics *Metrics
}

func NewRecovery(ch transport.Channel, cfg Config, logger logging.ServiceLogger, metrics *Metrics) (*Recovery, error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errspkg.ErrMaxAttemptsRequired
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	cfg.Concurrency = max(cfg.Concurrency, 1)
	return &Recovery{
		ch:      ch,
		cfg:     cfg,
		logger:  logging.OrNop(logger).With(logging.LogFields{"component": "dead_letter_recovery"}),
		metrics: metrics,
	}, nil
}

func (r *Recovery) MaxAttempts() int { return r.cfg.MaxAttempts }

// ProcessDeadLetters consumes the dead-letter queue of queue and passes each
// message to handler. mws wrap the recovery step, outermost first.
func (r *Recovery) ProcessDeadLetters(ctx context.Context, queue string, handler Handler, mws ...message.HandlerMiddleware) (transport.Consumer, error) {
	if queue == "" {
		return nil, errspkg.ErrQueueRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	dlq := transport.DeadLetterQueueName(queue)
	if err := r.ch.DeclareQueue(ctx, dlq, transport.QueueOptions{Durable: true}); err != nil {
		return nil, fmt.Errorf("declare dead-letter queue %s: %w", dlq, err)
	}

	consumer, err := r.ch.Consume(ctx, dlq, r.recover(queue, dlq, handler), transport.ConsumeOptions{
		Concurrency:    r.cfg.Concurrency,
		RequeueOnError: true,
		Middlewares:    mws,
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("Dead-letter recovery started", logging.LogFields{"queue": queue, "dead_letter_queue": dlq, "max_attempts": r.cfg.MaxAttempts})
	return consumer, nil
}

func (r *Recovery) recover(queue, dlq string, handler Handler) transport.Handler {
	return func(msg *message.Message) error {
		dc := &Context{
			OriginalQueue:   msg.Metadata.Get(metadatapkg.HeaderOriginalQueue),
			Reason:          msg.Metadata.Get(metadatapkg.HeaderDeathReason),
			AttemptCount:    transport.AttemptCount(msg),
			DeadLetterQueue: dlq,
			msg:             msg,
			ch:              r.ch,
		}
		if dc.OriginalQueue == "" {
			dc.OriginalQueue = queue
		}
		if dc.Reason == "" {
			dc.Reason = "unknown"
		}

		fields := logging.LogFields{
			"message_uuid":   msg.UUID,
			"original_queue": dc.OriginalQueue,
			"reason":         dc.Reason,
			"attempt_count":  dc.AttemptCount,
			"correlation_id": metadatapkg.CorrelationID(msg),
		}
		r.metrics.RecordReceived(queue, dc.Reason, dc.AttemptCount)

		if dc.AttemptCount > r.cfg.MaxAttempts {
			r.logger.Error("Abandoning dead letter after max attempts", errspkg.ErrMaxAttemptsExceeded, withField(fields, "max_attempts", r.cfg.MaxAttempts))
			r.metrics.RecordAbandoned(queue, "max_attempts")
			return nil
		}

		ctx := metadatapkg.WithCorrelationID(msg.Context(), metadatapkg.CorrelationID(msg))
		if err := handler(ctx, msg, dc); err != nil {
			r.metrics.RecordHandlerError(queue)
			r.logger.Error("Dead-letter handler failed", err, fields)
			r.pause(ctx)
			return err
		}
		if !dc.Retried() {
			r.logger.Warn("Dead letter abandoned by handler", fields)
			r.metrics.RecordAbandoned(queue, "not_retried")
			return nil
		}

		r.metrics.RecordRetried(queue)
		r.logger.Info("Dead letter retried", withField(fields, "next_attempt", dc.AttemptCount+1))
		return nil
	}
}

func (r *Recovery) pause(ctx context.Context) {
	timer := time.NewTimer(r.cfg.ErrorBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// MonitorDepth keeps the depth gauge of each queue's dead-letter queue in
// sync until ctx ends. Channels that cannot report depth return at once.
func (r *Recovery) MonitorDepth(ctx context.Context, interval time.Duration, queues ...string) {
	inspector, ok := r.ch.(transport.QueueInspector)
	if !ok || r.metrics == nil || len(queues) == 0 {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, queue := range queues {
			depth, err := inspector.QueueDepth(ctx, transport.DeadLetterQueueName(queue))
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					r.logger.Debug("Dead-letter depth unavailable", logging.LogFields{"queue": queue, "error": err.Error()})
				}
				continue
			}
			r.metrics.SetDepth(queue, depth)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func withField(fields logging.LogFields, key string, value any) logging.LogFields {
	out := make(logging.LogFields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
