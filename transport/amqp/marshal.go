package amqp

import (
	"fmt"
	"strconv"
	"time"

	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/meshflow/internal/runtime/metadata"
)

// marshaler converts between Watermill messages and AMQP frames. The
// Watermill marshaler handles uuid and headers; the broker-level properties
// are filled in here.
type marshaler struct {
	inner wmamqp.DefaultMarshaler
}

func newMarshaler() marshaler {
	return marshaler{inner: wmamqp.DefaultMarshaler{}}
}

func (m marshaler) marshal(msg *message.Message, priority uint8, persistent bool) (amqp.Publishing, error) {
	pub, err := m.inner.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	pub.MessageId = msg.UUID
	pub.CorrelationId = msg.Metadata.Get(metadata.HeaderCorrelationID)
	pub.Type = msg.Metadata.Get(metadata.HeaderMessageType)
	pub.ContentType = msg.Metadata.Get(metadata.HeaderContentType)
	if pub.ContentType == "" {
		pub.ContentType = "application/json"
	}
	pub.Priority = priority
	pub.Timestamp = time.Now().UTC()
	if persistent {
		pub.DeliveryMode = amqp.Persistent
	} else {
		pub.DeliveryMode = amqp.Transient
	}
	return pub, nil
}

// unmarshal flattens non-string headers first because Watermill metadata
// is string-only. The x-death table becomes the x-death-* headers.
func (m marshaler) unmarshal(d amqp.Delivery) (*message.Message, error) {
	headers := make(amqp.Table, len(d.Headers)+3)
	for key, value := range d.Headers {
		switch v := value.(type) {
		case string:
			headers[key] = v
		case nil:
		default:
			if key == "x-death" {
				continue
			}
			headers[key] = fmt.Sprint(v)
		}
	}
	if death, ok := lastDeath(d.Headers); ok {
		headers[metadata.HeaderOriginalQueue] = death.queue
		headers[metadata.HeaderDeathReason] = death.reason
		headers[metadata.HeaderDeathCount] = strconv.FormatInt(death.count, 10)
	}
	if _, ok := headers[metadata.HeaderCorrelationID]; !ok && d.CorrelationId != "" {
		headers[metadata.HeaderCorrelationID] = d.CorrelationId
	}
	if _, ok := headers[metadata.HeaderPriority]; !ok && d.Priority > 0 {
		headers[metadata.HeaderPriority] = strconv.Itoa(int(d.Priority))
	}
	if _, ok := headers[wmamqp.DefaultMessageUUIDHeaderKey]; !ok {
		headers[wmamqp.DefaultMessageUUIDHeaderKey] = d.MessageId
	}
	d.Headers = headers

	msg, err := m.inner.Unmarshal(d)
	if err != nil {
		return nil, err
	}
	if msg.UUID == "" {
		msg.UUID = d.MessageId
	}
	return msg, nil
}

type deathRecord struct {
	queue  string
	reason string
	count  int64
}

// lastDeath reads the most recent entry of RabbitMQ's x-death header.
func lastDeath(headers amqp.Table) (deathRecord, bool) {
	raw, ok := headers["x-death"].([]any)
	if !ok || len(raw) == 0 {
		return deathRecord{}, false
	}
	entry, ok := raw[0].(amqp.Table)
	if !ok {
		return deathRecord{}, false
	}
	rec := deathRecord{}
	rec.queue, _ = entry["queue"].(string)
	rec.reason, _ = entry["reason"].(string)
	switch c := entry["count"].(type) {
	case int64:
		rec.count = c
	case int32:
		rec.count = int64(c)
	case int:
		rec.count = int64(c)
	}
	return rec, rec.queue != ""
}
