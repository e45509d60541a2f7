package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
)

type testContext struct{ id string }

func TestTypedDecodesPayload(t *testing.T) {
	var got userCreated
	var gotCtx testContext
	raw := Typed(func(ctx context.Context, data userCreated, mc testContext) error {
		got = data
		gotCtx = mc
		return nil
	})

	err := raw(context.Background(), json.RawMessage(`{"userId":"123","email":"a@b.com"}`), testContext{id: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, userCreated{UserID: "123", Email: "a@b.com"}, got)
	assert.Equal(t, "evt-1", gotCtx.id)
}

func TestTypedPropagatesHandlerError(t *testing.T) {
	boom := errors.New("handler failed")
	raw := Typed(func(ctx context.Context, data userCreated, mc testContext) error {
		return boom
	})
	assert.ErrorIs(t, raw(context.Background(), json.RawMessage(`{}`), testContext{}), boom)
}

func TestTypedRejectsUndecodablePayload(t *testing.T) {
	called := false
	raw := Typed(func(ctx context.Context, data userCreated, mc testContext) error {
		called = true
		return nil
	})
	err := raw(context.Background(), json.RawMessage(`{"userId":42}`), testContext{})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestRequire(t *testing.T) {
	assert.ErrorIs(t, Require[testContext](nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, Require(Typed[userCreated, testContext](nil)), errspkg.ErrHandlerRequired)
	assert.NoError(t, Require(RawHandler[testContext](func(context.Context, json.RawMessage, testContext) error { return nil })))
}
