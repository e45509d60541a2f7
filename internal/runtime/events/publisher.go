package events

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/handlers"
	"github.com/drblury/meshflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/transport"
)

type publishOptions struct {
	correlationID string
	metadata      metadatapkg.Metadata
}

// PublishOption customises one publish.
type PublishOption func(*publishOptions)

// WithCorrelationID overrides the ambient correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithMetadata adds custom entries to the envelope metadata.
func WithMetadata(md metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) { o.metadata = o.metadata.Merge(md) }
}

// Publish validates data against the schema of eventType and publishes it
// with eventType as routing key. It returns the event id.
func (b *Bus) Publish(ctx context.Context, eventType string, data any, opts ...PublishOption) (string, error) {
	if eventType == "" {
		return "", errspkg.ErrEventTypeRequired
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	env, err := handlers.NewEnvelope(ctx, eventType, data, handlers.EnvelopeMetadata{
		CorrelationID: o.correlationID,
		Source:        b.cfg.ServicePrefix,
		Extra:         o.metadata,
	})
	if err != nil {
		return "", err
	}
	if err := b.validate(eventType, env.Data); err != nil {
		return "", err
	}

	msg, err := env.Message()
	if err != nil {
		return "", err
	}
	if err := b.ensureExchange(ctx); err != nil {
		return "", fmt.Errorf("declare event exchange: %w", err)
	}
	if err := b.ch.Publish(ctx, b.cfg.Exchange, eventType, msg, transport.PublishOptions{Persistent: true}); err != nil {
		return "", fmt.Errorf("publish %s: %w", eventType, err)
	}

	b.logger.Debug("Event published", logging.LogFields{
		"event_id":       env.ID,
		"event_type":     eventType,
		"correlation_id": env.Metadata.CorrelationID,
	})
	return env.ID, nil
}
