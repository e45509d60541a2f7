package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
)

// RawHandler receives the undecoded data of an envelope along with a
// handler context such as an event or task context.
type RawHandler[C any] func(ctx context.Context, data json.RawMessage, mc C) error

// TypedHandler receives data decoded into T.
type TypedHandler[T any, C any] func(ctx context.Context, data T, mc C) error

// Typed adapts fn into a RawHandler. A payload that does not decode into T
// fails the message.
func Typed[T any, C any](fn TypedHandler[T, C]) RawHandler[C] {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, data json.RawMessage, mc C) error {
		var typed T
		if err := jsoncodec.Unmarshal(data, &typed); err != nil {
			return fmt.Errorf("failed to unmarshal %T payload: %w", typed, err)
		}
		return fn(ctx, typed, mc)
	}
}

// Require returns errspkg.ErrHandlerRequired for a nil handler.
func Require[C any](fn RawHandler[C]) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return nil
}
