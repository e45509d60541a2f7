// Package transport defines the message channel contract meshflow builds its
// event bus, task queue and dead-letter recovery on. Each broker
// implementation lives in its own sub-package and registers itself with the
// transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ExchangeKind is the routing behaviour of an exchange.
type ExchangeKind string

const (
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeDirect ExchangeKind = "direct"
	ExchangeFanout ExchangeKind = "fanout"
)

// QueueOptions configure a queue declaration.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// MaxPriority enables priority ordering when greater than zero.
	MaxPriority uint8
	// MessageTTL expires messages that wait longer than this.
	MessageTTL time.Duration
	// DeadLetterExchange receives messages rejected without requeue.
	DeadLetterExchange string
	// DeadLetterRoutingKey overrides the routing key used when dead-lettering.
	DeadLetterRoutingKey string
	// Args are passed through to the broker untouched.
	Args map[string]any
}

// ExchangeOptions configure an exchange declaration.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
}

// PublishOptions tune a single publish. Delay is read from the Watermill
// delay metadata on the message (see components/delay).
type PublishOptions struct {
	Priority uint8
	// Persistent asks the broker to write the message to disk.
	Persistent bool
}

// ConsumeOptions tune a consumer.
type ConsumeOptions struct {
	// Concurrency is the number of handler goroutines. Defaults to 1.
	Concurrency int
	// Prefetch caps unacknowledged deliveries. Zero uses the channel default.
	Prefetch int
	// RequeueOnError nacks failed messages with requeue=true instead of
	// routing them to the dead-letter exchange.
	RequeueOnError bool
	// Middlewares wrap the handler, outermost first.
	Middlewares []message.HandlerMiddleware
}

// Handler processes one delivery. Returning nil acknowledges the message;
// returning an error nacks it.
type Handler = message.NoPublishHandlerFunc

// DeadLetterTopology names what DeclareDeadLetterQueue created.
type DeadLetterTopology struct {
	Queue    string
	DLQ      string
	Exchange string
}

// Consumer is the handle returned by Consume.
type Consumer interface {
	Queue() string
	Tag() string
	// Cancel stops delivery and waits for in-flight handlers to return.
	Cancel() error
}

// Channel is the broker abstraction. Implementations own one logical
// connection and reconnect on their own.
type Channel interface {
	Connect(ctx context.Context) error
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind, opts ExchangeOptions) error
	Bind(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, msg *message.Message, opts PublishOptions) error
	// Send publishes straight to queue through the default exchange.
	Send(ctx context.Context, queue string, msg *message.Message, opts PublishOptions) error
	Consume(ctx context.Context, queue string, handler Handler, opts ConsumeOptions) (Consumer, error)
	// DeclareDeadLetterQueue declares queue wired to its own dead-letter
	// exchange and queue. opts describe the original queue.
	DeclareDeadLetterQueue(ctx context.Context, queue string, opts QueueOptions) (DeadLetterTopology, error)
	// Ping reports whether the channel is currently connected.
	Ping(ctx context.Context) error
	Capabilities() Capabilities
	Close() error
}

// QueueInspector is implemented by channels that can report queue depth.
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// Builder creates a channel from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Channel, error)

// Config provides the values transports need without importing the full
// config package.
type Config interface {
	GetPubSubSystem() string
	GetAMQPURL() string
	GetReconnectDelay() time.Duration
	GetPrefetch() int
}
