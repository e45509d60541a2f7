package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/meshflow/internal/runtime/ids"
	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
)

// Envelope is the wire format of events and tasks:
// {id, type, timestamp, data, metadata:{correlationId, ...}}.
type Envelope struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
	Metadata  EnvelopeMetadata `json:"metadata"`
}

// EnvelopeMetadata is encoded as one flat JSON object: the reserved keys
// next to the entries of Extra.
type EnvelopeMetadata struct {
	CorrelationID string
	Source        string
	// Priority is only set on tasks.
	Priority *int
	Extra    metadatapkg.Metadata
}

func (m EnvelopeMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[MetadataKeyCorrelationID] = m.CorrelationID
	if m.Source != "" {
		out[MetadataKeySource] = m.Source
	}
	if m.Priority != nil {
		out[MetadataKeyPriority] = *m.Priority
	}
	return jsoncodec.Marshal(out)
}

func (m *EnvelopeMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = EnvelopeMetadata{}
	for k, v := range raw {
		switch k {
		case MetadataKeyCorrelationID:
			m.CorrelationID, _ = v.(string)
		case MetadataKeySource:
			m.Source, _ = v.(string)
		case MetadataKeyPriority:
			if f, ok := v.(float64); ok {
				p := int(f)
				m.Priority = &p
			}
		default:
			if v == nil {
				continue
			}
			if m.Extra == nil {
				m.Extra = make(metadatapkg.Metadata)
			}
			if s, ok := v.(string); ok {
				m.Extra[k] = s
			} else {
				m.Extra[k] = fmt.Sprint(v)
			}
		}
	}
	return nil
}

// NewEnvelope encodes data and stamps a fresh id and timestamp. The
// correlation id comes from md, then ctx, then a new chain.
func NewEnvelope(ctx context.Context, typ string, data any, md EnvelopeMetadata) (Envelope, error) {
	payload, err := jsoncodec.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	if md.CorrelationID == "" {
		md.CorrelationID = metadatapkg.CorrelationIDFromContext(ctx)
	}
	if md.CorrelationID == "" {
		md.CorrelationID = idspkg.NewCorrelationID()
	}
	md.Extra = md.Extra.Clone()
	return Envelope{
		ID:        idspkg.New(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      payload,
		Metadata:  md,
	}, nil
}

// Message converts the envelope into a broker message keyed by the envelope
// id. Type, source and correlation id are mirrored into headers so brokers
// and tools can route without decoding the body.
func (e Envelope) Message() (*message.Message, error) {
	payload, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	msg := message.NewMessage(e.ID, payload)
	msg.Metadata.Set(metadatapkg.HeaderMessageType, e.Type)
	msg.Metadata.Set(metadatapkg.HeaderContentType, "application/json")
	if e.Metadata.Source != "" {
		msg.Metadata.Set(metadatapkg.HeaderSource, e.Metadata.Source)
	}
	metadatapkg.SetCorrelationID(msg, e.Metadata.CorrelationID)
	return msg, nil
}

// DecodeEnvelope reads an envelope from msg. Missing ids fall back to the
// message headers.
func DecodeEnvelope(msg *message.Message) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope %s: %w", msg.UUID, err)
	}
	if env.ID == "" {
		env.ID = msg.UUID
	}
	if env.Type == "" {
		env.Type = msg.Metadata.Get(metadatapkg.HeaderMessageType)
	}
	if env.Metadata.CorrelationID == "" {
		env.Metadata.CorrelationID = metadatapkg.CorrelationID(msg)
	}
	return env, nil
}
