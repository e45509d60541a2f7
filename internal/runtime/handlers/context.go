// Package handlers holds what event subscribers and task processors share:
// the JSON envelope, payload schemas, typed decoding and the handler context.
package handlers

import (
	"time"

	loggingpkg "github.com/drblury/meshflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
)

// MessageContextBase provides common functionality for event and task
// handler contexts.
type MessageContextBase struct {
	ID            string
	Type          string
	Timestamp     time.Time
	CorrelationID string
	Source        string
	Metadata      metadatapkg.Metadata
	Logger        loggingpkg.ServiceLogger
}

// NewMessageContextBase fills the base from a decoded envelope.
func NewMessageContextBase(env Envelope, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		ID:            env.ID,
		Type:          env.Type,
		Timestamp:     env.Timestamp,
		CorrelationID: env.Metadata.CorrelationID,
		Source:        env.Metadata.Source,
		Metadata:      env.Metadata.Extra.Clone(),
		Logger:        loggingpkg.OrNop(logger),
	}
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate it for outgoing messages without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata.Get(key)
}
