package transport

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/delay"
	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/meshflow/internal/runtime/ids"
	"github.com/drblury/meshflow/internal/runtime/metadata"
)

// EnsureCorrelationID stamps msg with a correlation id taken from the
// message, the ambient context or a fresh id, in that order.
func EnsureCorrelationID(ctx context.Context, msg *message.Message) string {
	id := metadata.CorrelationID(msg)
	if id == "" {
		id = metadata.CorrelationIDFromContext(ctx)
	}
	if id == "" {
		id = idspkg.NewCorrelationID()
	}
	metadata.SetCorrelationID(msg, id)
	return id
}

// DelayOf returns the delay requested through delay.Message, if any. The
// relative duration wins because the absolute deadline only has second
// precision.
func DelayOf(msg *message.Message, now time.Time) time.Duration {
	if raw := msg.Metadata.Get(delay.DelayedForKey); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return max(d, 0)
		}
	}
	if until := msg.Metadata.Get(delay.DelayedUntilKey); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			return max(t.Sub(now), 0)
		}
	}
	return 0
}

// ClearDelay removes delay metadata so a delayed message is not delayed twice.
func ClearDelay(msg *message.Message) {
	delete(msg.Metadata, delay.DelayedUntilKey)
	delete(msg.Metadata, delay.DelayedForKey)
}

// AttemptCount reads the dead-letter recovery attempt, defaulting to 1.
func AttemptCount(msg *message.Message) int {
	n, err := strconv.Atoi(msg.Metadata.Get(metadata.HeaderAttemptCount))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Chain wraps handler with middlewares so that middlewares[0] runs first.
func Chain(handler Handler, middlewares []message.HandlerMiddleware) Handler {
	if len(middlewares) == 0 {
		return handler
	}
	h := func(msg *message.Message) ([]*message.Message, error) {
		return nil, handler(msg)
	}
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return func(msg *message.Message) error {
		_, err := h(msg)
		return err
	}
}
