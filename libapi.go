package meshflow

import (
	"context"

	runtimepkg "github.com/drblury/meshflow/internal/runtime"
	catalogpkg "github.com/drblury/meshflow/internal/runtime/catalog"
	configpkg "github.com/drblury/meshflow/internal/runtime/config"
	"github.com/drblury/meshflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/events"
	handlerpkg "github.com/drblury/meshflow/internal/runtime/handlers"
	"github.com/drblury/meshflow/internal/runtime/health"
	"github.com/drblury/meshflow/internal/runtime/httpapi"
	idspkg "github.com/drblury/meshflow/internal/runtime/ids"
	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/meshflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/internal/runtime/resilience"
	"github.com/drblury/meshflow/internal/runtime/tasks"
	"github.com/drblury/meshflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]
	ZapOptions                = loggingpkg.ZapOptions

	HandlerInfo  = runtimepkg.HandlerInfo
	HandlerStats = runtimepkg.HandlerStats
	HandlerKind  = runtimepkg.HandlerKind

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Service catalog
	ServiceInstance = catalogpkg.ServiceInstance
	Registration    = catalogpkg.Registration
	CatalogBackend  = catalogpkg.Backend
	CatalogClient   = catalogpkg.Client
	MemoryCatalog   = catalogpkg.MemoryCatalog
	ConsulConfig    = catalogpkg.ConsulConfig

	// Resilient invocation
	Invoker          = resilience.Invoker
	InvokerConfig    = resilience.InvokerConfig
	Request          = resilience.Request
	Response         = resilience.Response
	CallOption       = resilience.CallOption
	Fallback         = resilience.Fallback
	CircuitBreaker   = resilience.CircuitBreaker
	BreakerSettings  = resilience.BreakerSettings
	BreakerState     = resilience.State
	RetryPolicy      = resilience.RetryPolicy
	BulkheadSettings = resilience.BulkheadSettings

	// Events and tasks
	EventBus             = events.Bus
	EventContext         = events.EventContext
	EventHandler         = events.Handler
	EventPublishOption   = events.PublishOption
	EventSubscribeOption = events.SubscribeOption
	TaskQueue            = tasks.Queue
	TaskContext          = tasks.TaskContext
	TaskProcessor        = tasks.Processor
	TaskPublishOption    = tasks.PublishOption
	Schema               = handlerpkg.Schema
	SchemaRegistry       = handlerpkg.SchemaRegistry

	// Dead-letter recovery
	DeadLetterHandler  = deadletter.Handler
	DeadLetterContext  = deadletter.Context
	DeadLetterMetrics  = deadletter.Metrics
	DeadLetterSnapshot = deadletter.Snapshot

	// Health
	HealthReport    = health.Report
	HealthCheckFunc = health.CheckFunc

	ErrorResponse = errspkg.Response

	// Transports
	Channel                 = transport.Channel
	TransportBuilder        = transport.Builder
	TransportConfig         = transport.Config
	TransportRegistry       = transport.Registry
	TransportCapabilities   = transport.Capabilities
	TransportQueueInspector = transport.QueueInspector
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewMemoryCatalog = catalogpkg.NewMemoryCatalog
	OpenCatalog      = catalogpkg.Open

	DefaultRetryPolicy     = resilience.DefaultRetryPolicy
	DefaultBreakerSettings = resilience.DefaultBreakerSettings
	WithTimeout            = resilience.WithTimeout
	WithRetry              = resilience.WithRetry
	WithRetryable          = resilience.WithRetryable
	WithFallback           = resilience.WithFallback
	WithDependency         = resilience.WithDependency

	WithEventCorrelationID = events.WithCorrelationID
	WithEventMetadata      = events.WithMetadata
	WithConcurrency        = events.WithConcurrency
	WithQueue              = events.WithQueue
	WithPriority           = tasks.WithPriority
	WithDelay              = tasks.WithDelay
	WithTaskCorrelationID  = tasks.WithCorrelationID
	WithTaskMetadata       = tasks.WithMetadata

	RetryAll = deadletter.RetryAll

	HTTPStatus       = errspkg.HTTPStatus
	NewErrorResponse = errspkg.NewResponse
	AbortWithError   = httpapi.Abort
	Gateway          = httpapi.Gateway

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrServiceNotFound     = errspkg.ErrServiceNotFound
	ErrNoHealthyInstance   = errspkg.ErrNoHealthyInstance
	ErrCatalogUnavailable  = errspkg.ErrCatalogUnavailable
	ErrCircuitOpen         = errspkg.ErrCircuitOpen
	ErrTimeout             = errspkg.ErrTimeout
	ErrBulkheadRejected    = errspkg.ErrBulkheadRejected
	ErrUpstream            = errspkg.ErrUpstream
	ErrEventValidation     = errspkg.ErrEventValidation
	ErrTaskValidation      = errspkg.ErrTaskValidation
	ErrMaxAttemptsExceeded = errspkg.ErrMaxAttemptsExceeded
	ErrHandlerRequired     = errspkg.ErrHandlerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NewZapLogger         = loggingpkg.NewZapLogger

	NewMetadata = metadatapkg.New

	NewID            = idspkg.New
	NewCorrelationID = idspkg.NewCorrelationID

	RegisterTransport = transport.Register
	BuildTransport    = transport.Build
)

// Header names stamped on every published message.
const (
	HeaderCorrelationID = metadatapkg.HeaderCorrelationID
	HeaderAttemptCount  = metadatapkg.HeaderAttemptCount
	HeaderMessageType   = metadatapkg.HeaderMessageType
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// TypedEvent decodes event data into T before calling fn.
func TypedEvent[T any](fn func(ctx context.Context, data T, ec EventContext) error) EventHandler {
	return events.Typed[T](fn)
}

// TypedTask decodes task data into T before calling fn.
func TypedTask[T any](fn func(ctx context.Context, data T, tc TaskContext) error) TaskProcessor {
	return tasks.Typed[T](fn)
}

// StructSchema validates payloads against the validate tags of T.
func StructSchema[T any]() Schema {
	return handlerpkg.Struct[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
