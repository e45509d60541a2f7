package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// FromWatermill converts Watermill metadata into a Metadata copy.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts metadata into a Watermill map copy.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// CorrelationID reads the correlation id from the wire header, falling back
// to the key Watermill's correlation middleware uses.
func CorrelationID(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	if id := msg.Metadata.Get(HeaderCorrelationID); id != "" {
		return id
	}
	return middleware.MessageCorrelationID(msg)
}

// SetCorrelationID writes id under both the wire header and Watermill's key.
func SetCorrelationID(msg *message.Message, id string) {
	msg.Metadata.Set(HeaderCorrelationID, id)
	msg.Metadata.Set(middleware.CorrelationIDMetadataKey, id)
}
