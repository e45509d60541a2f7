package events

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

type subscribeOptions struct {
	concurrency int
	prefetch    int
	queue       string
	middlewares []message.HandlerMiddleware
}

// SubscribeOption customises one subscription.
type SubscribeOption func(*subscribeOptions)

// WithConcurrency sets how many events are handled in parallel.
func WithConcurrency(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.concurrency = n }
}

func WithPrefetch(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.prefetch = n }
}

// WithQueue overrides the {servicePrefix}.{eventType} queue name, e.g. when
// eventType is a wildcard pattern.
func WithQueue(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.queue = name }
}

// WithHandlerMiddlewares wraps this subscription's handler inside the bus
// middlewares.
func WithHandlerMiddlewares(mws ...message.HandlerMiddleware) SubscribeOption {
	return func(o *subscribeOptions) { o.middlewares = append(o.middlewares, mws...) }
}

// QueueName is the queue Subscribe consumes for eventType with opts.
func (b *Bus) QueueName(eventType string, opts ...SubscribeOption) string {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return b.queueName(eventType, o)
}

func (b *Bus) queueName(eventType string, o subscribeOptions) string {
	if o.queue != "" {
		return o.queue
	}
	if b.cfg.ServicePrefix == "" {
		return ""
	}
	return transport.SubscriptionQueueName(b.cfg.ServicePrefix, eventType)
}

// Subscribe declares the service's queue for eventType with its dead-letter
// pair, binds it to the exchange and starts consuming. Events that fail to
// decode, fail validation or make the handler return an error are rejected
// into the dead-letter queue.
func (b *Bus) Subscribe(ctx context.Context, eventType string, handler Handler, opts ...SubscribeOption) (transport.Consumer, error) {
	if eventType == "" {
		return nil, errspkg.ErrEventTypeRequired
	}
	if err := handlers.Require(handler); err != nil {
		return nil, err
	}
	o := subscribeOptions{concurrency: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queue = b.queueName(eventType, o); o.queue == "" {
		return nil, errspkg.ErrServiceNameRequired
	}

	if err := b.ensureExchange(ctx); err != nil {
		return nil, fmt.Errorf("declare event exchange: %w", err)
	}
	if _, err := b.ch.DeclareDeadLetterQueue(ctx, o.queue, transport.QueueOptions{Durable: true}); err != nil {
		return nil, err
	}
	if err := b.ch.Bind(ctx, o.queue, b.cfg.Exchange, eventType); err != nil {
		return nil, fmt.Errorf("bind %s to %s: %w", o.queue, eventType, err)
	}

	consumer, err := b.ch.Consume(ctx, o.queue, b.deliver(o.queue, handler), transport.ConsumeOptions{
		Concurrency: o.concurrency,
		Prefetch:    o.prefetch,
		Middlewares: append(append([]message.HandlerMiddleware(nil), b.middlewares...), o.middlewares...),
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("Subscribed", logging.LogFields{"event_type": eventType, "queue": o.queue, "consumer_tag": consumer.Tag()})
	return consumer, nil
}

func (b *Bus) deliver(queue string, handler Handler) transport.Handler {
	logger := b.logger.With(logging.LogFields{"queue": queue})
	return func(msg *message.Message) error {
		env, err := handlers.DecodeEnvelope(msg)
		if err != nil {
			logger.Error("Rejecting undecodable event", err, logging.LogFields{"message_uuid": msg.UUID})
			return err
		}
		fields := logging.LogFields{"event_id": env.ID, "event_type": env.Type, "correlation_id": env.Metadata.CorrelationID}
		if err := b.validate(env.Type, env.Data); err != nil {
			logger.Warn("Rejecting invalid event", logging.LogFields{"event_id": env.ID, "event_type": env.Type, "error": err.Error()})
			return err
		}

		ec := EventContext{MessageContextBase: handlers.NewMessageContextBase(env, logger.With(fields))}
		ctx := metadatapkg.WithCorrelationID(msg.Context(), env.Metadata.CorrelationID)
		if err := handler(ctx, env.Data, ec); err != nil {
			return fmt.Errorf("handle %s %s: %w", env.Type, env.ID, err)
		}
		return nil
	}
}
