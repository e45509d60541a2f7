// Package events implements the event bus: typed publish/subscribe over one
// topic exchange, with per-type schema validation and correlation ids.
//
// Every subscribing service owns a durable queue named
// {servicePrefix}.{eventType}, so each service receives its own copy of an
// event while instances of the same service compete for it.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/handlers"
	"github.com/drblury/meshflow/internal/runtime/logging"
	"github.com/drblury/meshflow/transport"
)

// DefaultExchange is the topic exchange shared by every event type.
const DefaultExchange = "meshflow.events"

// EventContext is passed to subscribers next to the event data.
type EventContext struct {
	handlers.MessageContextBase
}

func (c EventContext) EventID() string   { return c.ID }
func (c EventContext) EventType() string { return c.Type }

// Handler receives the raw event data.
type Handler = handlers.RawHandler[EventContext]

// Typed decodes the event data into T before calling fn.
func Typed[T any](fn handlers.TypedHandler[T, EventContext]) Handler {
	return handlers.Typed(fn)
}

// Config configures a Bus.
type Config struct {
	// Exchange defaults to DefaultExchange.
	Exchange string
	// ServicePrefix names subscription queues and is recorded as the event
	// source. Required to subscribe.
	ServicePrefix string
}

// Option customises a Bus.
type Option func(*Bus)

// WithSchemas shares a schema registry, e.g. between buses of one service.
func WithSchemas(schemas *handlers.SchemaRegistry) Option {
	return func(b *Bus) {
		if schemas != nil {
			b.schemas = schemas
		}
	}
}

// WithMiddlewares wraps every subscription handler, outermost first.
func WithMiddlewares(mws ...message.HandlerMiddleware) Option {
	return func(b *Bus) { b.middlewares = append(b.middlewares, mws...) }
}

// Bus publishes and subscribes to events on a transport.Channel.
type Bus struct {
	ch          transport.Channel
	cfg         Config
	logger      logging.ServiceLogger
	schemas     *handlers.SchemaRegistry
	middlewares []message.HandlerMiddleware

	mu       sync.Mutex
	declared bool
}

func NewBus(ch transport.Channel, cfg Config, logger logging.ServiceLogger, opts ...Option) (*Bus, error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	b := &Bus{
		ch:      ch,
		cfg:     cfg,
		logger:  logging.OrNop(logger).With(logging.LogFields{"component": "event_bus", "exchange": cfg.Exchange}),
		schemas: handlers.NewSchemaRegistry(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Exchange is the topic exchange events are published to.
func (b *Bus) Exchange() string { return b.cfg.Exchange }

// Schemas exposes the registry consulted before publish and delivery.
func (b *Bus) Schemas() *handlers.SchemaRegistry { return b.schemas }

// RegisterSchema validates every published and delivered event of eventType
// against schema.
func (b *Bus) RegisterSchema(eventType string, schema handlers.Schema) error {
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	b.schemas.Register(eventType, schema)
	return nil
}

func (b *Bus) ensureExchange(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared {
		return nil
	}
	if err := b.ch.DeclareExchange(ctx, b.cfg.Exchange, transport.ExchangeTopic, transport.ExchangeOptions{Durable: true}); err != nil {
		return err
	}
	b.declared = true
	return nil
}

func (b *Bus) validate(eventType string, data json.RawMessage) error {
	if problems := b.schemas.Validate(eventType, data); len(problems) > 0 {
		return errspkg.NewEventValidationError(eventType, problems...)
	}
	return nil
}
