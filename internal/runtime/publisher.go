package runtime

import (
	"context"
	"errors"

	"github.com/drblury/meshflow/internal/runtime/events"
	"github.com/drblury/meshflow/internal/runtime/resilience"
	"github.com/drblury/meshflow/internal/runtime/tasks"
)

var errNilService = errors.New("meshflow service is nil")

// PublishEvent publishes data as eventType on the event bus and returns the
// event id.
func (s *Service) PublishEvent(ctx context.Context, eventType string, data any, opts ...events.PublishOption) (string, error) {
	if s == nil {
		return "", errNilService
	}
	return s.bus.Publish(ctx, eventType, data, opts...)
}

// PublishTask enqueues data as taskType and returns the task id.
func (s *Service) PublishTask(ctx context.Context, taskType string, data any, opts ...tasks.PublishOption) (string, error) {
	if s == nil {
		return "", errNilService
	}
	return s.tasks.Publish(ctx, taskType, data, opts...)
}

// Call invokes service through the resilient invoker.
func (s *Service) Call(ctx context.Context, service string, req resilience.Request, opts ...resilience.CallOption) (*resilience.Response, error) {
	if s == nil {
		return nil, errNilService
	}
	return s.invoker.Call(ctx, service, req, opts...)
}
