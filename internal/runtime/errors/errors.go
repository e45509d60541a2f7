// Package errors holds the error taxonomy shared by every meshflow component.
package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrServiceNotFound    = sterrors.New("meshflow: service not found")
	ErrNoHealthyInstance  = sterrors.New("meshflow: no healthy instance")
	ErrCatalogUnavailable = sterrors.New("meshflow: catalog unavailable")

	ErrCircuitOpen      = sterrors.New("meshflow: circuit open")
	ErrTimeout          = sterrors.New("meshflow: call timed out")
	ErrBulkheadRejected = sterrors.New("meshflow: bulkhead rejected call")
	ErrUpstream         = sterrors.New("meshflow: upstream failure")

	ErrEventValidation       = sterrors.New("meshflow: event validation failed")
	ErrTaskValidation        = sterrors.New("meshflow: task validation failed")
	ErrNoProcessorRegistered = sterrors.New("meshflow: no processor registered")

	ErrNotConnected   = sterrors.New("meshflow: transport not connected")
	ErrChannelClosed  = sterrors.New("meshflow: transport closed")
	ErrQueueNotFound  = sterrors.New("meshflow: queue not found")
	ErrUnknownCatalog = sterrors.New("meshflow: unknown catalog system")

	ErrServiceNameRequired = sterrors.New("meshflow: service name is required")
	ErrHandlerRequired     = sterrors.New("meshflow: handler function is required")
	ErrQueueRequired       = sterrors.New("meshflow: queue name is required")
	ErrExchangeRequired    = sterrors.New("meshflow: exchange name is required")
	ErrEventTypeRequired   = sterrors.New("meshflow: event type is required")
	ErrTaskTypeRequired    = sterrors.New("meshflow: task type is required")
	ErrChannelRequired     = sterrors.New("meshflow: message channel is required")
	ErrCatalogRequired     = sterrors.New("meshflow: catalog is required")
	ErrMaxAttemptsRequired = sterrors.New("meshflow: max attempts must be positive")
	ErrMaxAttemptsExceeded = sterrors.New("meshflow: max attempts exceeded")
)

// DiscoveryError reports a failed catalog lookup. Kind is one of
// ErrServiceNotFound, ErrNoHealthyInstance or ErrCatalogUnavailable.
type DiscoveryError struct {
	Service string
	Kind    error
	Cause   error
}

func (e *DiscoveryError) Error() string {
	msg := fmt.Sprintf("%s: %q", e.Kind, e.Service)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DiscoveryError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// CircuitOpenError is returned without calling the dependency while its
// breaker rejects traffic.
type CircuitOpenError struct {
	Name  string
	State string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: %q is %s", ErrCircuitOpen, e.Name, e.State)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// TimeoutError reports an attempt cancelled after Timeout elapsed.
type TimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %q after %s", ErrTimeout, e.Service, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// BulkheadRejectedError reports a call refused because every slot and every
// queue position of the dependency was taken.
type BulkheadRejectedError struct {
	Name          string
	MaxConcurrent int
	MaxQueued     int
}

func (e *BulkheadRejectedError) Error() string {
	return fmt.Sprintf("%s: %q (max concurrent %d, max queued %d)", ErrBulkheadRejected, e.Name, e.MaxConcurrent, e.MaxQueued)
}

func (e *BulkheadRejectedError) Is(target error) bool { return target == ErrBulkheadRejected }

// UpstreamError carries a 5xx answer from a downstream service.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %q answered %d", ErrUpstream, e.Service, e.StatusCode)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// ValidationKind selects which sentinel a ValidationError matches.
type ValidationKind string

const (
	EventValidation ValidationKind = "event"
	TaskValidation  ValidationKind = "task"
)

// ValidationError lists the schema problems found in a payload.
type ValidationError struct {
	Kind     ValidationKind
	Type     string
	Problems []string
}

func NewEventValidationError(eventType string, problems ...string) *ValidationError {
	return &ValidationError{Kind: EventValidation, Type: eventType, Problems: problems}
}

func NewTaskValidationError(taskType string, problems ...string) *ValidationError {
	return &ValidationError{Kind: TaskValidation, Type: taskType, Problems: problems}
}

func (e *ValidationError) Error() string {
	base := ErrEventValidation
	if e.Kind == TaskValidation {
		base = ErrTaskValidation
	}
	if len(e.Problems) == 0 {
		return fmt.Sprintf("%s: %q", base, e.Type)
	}
	return fmt.Sprintf("%s: %q: %s", base, e.Type, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	switch e.Kind {
	case TaskValidation:
		return target == ErrTaskValidation
	default:
		return target == ErrEventValidation
	}
}

// NoProcessorError is fatal for the message that caused it.
type NoProcessorError struct {
	TaskType string
}

func (e *NoProcessorError) Error() string {
	return fmt.Sprintf("%s: %q", ErrNoProcessorRegistered, e.TaskType)
}

func (e *NoProcessorError) Is(target error) bool { return target == ErrNoProcessorRegistered }
