package meshflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/meshflow/internal/runtime/handlers"
)

type orderPlaced struct {
	ID    string `json:"id" validate:"required"`
	Total int    `json:"total" validate:"gte=0"`
}

func TestTypedExports(t *testing.T) {
	var got orderPlaced
	handler := TypedEvent(func(ctx context.Context, data orderPlaced, ec EventContext) error {
		got = data
		return nil
	})
	require.NoError(t, handler(context.Background(), json.RawMessage(`{"id":"o-1","total":5}`), EventContext{}))
	assert.Equal(t, orderPlaced{ID: "o-1", Total: 5}, got)

	processor := TypedTask(func(ctx context.Context, data orderPlaced, tc TaskContext) error {
		return errors.New("declined")
	})
	assert.EqualError(t, processor(context.Background(), json.RawMessage(`{"id":"o-1"}`), TaskContext{}), "declined")
}

func TestStructSchemaExport(t *testing.T) {
	schema := StructSchema[orderPlaced]()
	assert.Empty(t, schema.Validate([]byte(`{"id":"o-1","total":1}`)))
	assert.NotEmpty(t, schema.Validate([]byte(`{"total":-1}`)))
}

func TestErrorResponseExports(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrCircuitOpen))
	resp := NewErrorResponse(ErrTimeout)
	assert.False(t, resp.Success)
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"there"}`), &payload))
	assert.Equal(t, "there", payload["hello"])
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md["key"])
	assert.Equal(t, "x-correlation-id", HeaderCorrelationID)
}

func TestErrorCategoryConstants(t *testing.T) {
	assert.EqualValues(t, "none", ErrorCategoryNone)
	assert.EqualValues(t, "validation", ErrorCategoryValidation)
}

func TestDefaultMiddlewaresExport(t *testing.T) {
	names := make([]string, 0, 4)
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{"recoverer", "correlation_id", "tracer", "log_messages"}, names)
	var _ message.HandlerMiddleware = RecovererMiddleware().Middleware
	var _ handlers.Schema = StructSchema[orderPlaced]()
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
