// Package tasks implements the task queue: one durable priority queue shared
// by every task type, with a processor registered per type.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/delay"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/handlers"
	"github.com/drblury/meshflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/transport"
)

const (
	// DefaultQueue is shared by every task type.
	DefaultQueue = "meshflow.tasks"
	// DefaultMaxPriority bounds task priorities.
	DefaultMaxPriority uint8 = 10
)

// TaskContext is passed to processors next to the task data.
type TaskContext struct {
	handlers.MessageContextBase
	Priority int
	// Attempt is the dead-letter recovery attempt, 1 for a fresh task.
	Attempt int
}

func (c TaskContext) TaskID() string   { return c.ID }
func (c TaskContext) TaskType() string { return c.Type }

// Processor handles one task type.
type Processor = handlers.RawHandler[TaskContext]

// Typed decodes the task data into T before calling fn.
func Typed[T any](fn handlers.TypedHandler[T, TaskContext]) Processor {
	return handlers.Typed(fn)
}

type Config struct {
	// Queue defaults to DefaultQueue.
	Queue string
	// MaxPriority defaults to DefaultMaxPriority.
	MaxPriority uint8
	// Source is recorded on published tasks.
	Source string
}

// Option customises a Queue.
type Option func(*Queue)

func WithSchemas(schemas *handlers.SchemaRegistry) Option {
	return func(q *Queue) {
		if schemas != nil {
			q.schemas = schemas
		}
	}
}

// WithMiddlewares wraps the dispatcher, outermost first.
func WithMiddlewares(mws ...message.HandlerMiddleware) Option {
	return func(q *Queue) { q.middlewares = append(q.middlewares, mws...) }
}

// Queue publishes tasks and dispatches them to registered processors.
type Queue struct {
	ch          transport.Channel
	cfg         Config
	logger      logging.ServiceLogger
	schemas     *handlers.SchemaRegistry
	middlewares []message.HandlerMiddleware

	mu         sync.RWMutex
	processors map[string]Processor
	declared   bool
}

func NewQueue(ch transport.Channel, cfg Config, logger logging.ServiceLogger, opts ...Option) (*Queue, error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.MaxPriority == 0 {
		cfg.MaxPriority = DefaultMaxPriority
	}
	q := &Queue{
		ch:         ch,
		cfg:        cfg,
		logger:     logging.OrNop(logger).With(logging.LogFields{"component": "task_queue", "queue": cfg.Queue}),
		schemas:    handlers.NewSchemaRegistry(),
		processors: make(map[string]Processor),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Name is the physical queue tasks are sent to.
func (q *Queue) Name() string { return q.cfg.Queue }

// DeadLetterQueue holds tasks that were rejected.
func (q *Queue) DeadLetterQueue() string { return transport.DeadLetterQueueName(q.cfg.Queue) }

func (q *Queue) Schemas() *handlers.SchemaRegistry { return q.schemas }

// RegisterSchema validates every published and dispatched task of taskType.
func (q *Queue) RegisterSchema(taskType string, schema handlers.Schema) error {
	if taskType == "" {
		return errspkg.ErrTaskTypeRequired
	}
	q.schemas.Register(taskType, schema)
	return nil
}

// RegisterProcessor sets the processor of taskType, replacing any previous one.
func (q *Queue) RegisterProcessor(taskType string, fn Processor) error {
	if taskType == "" {
		return errspkg.ErrTaskTypeRequired
	}
	if err := handlers.Require(fn); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[taskType] = fn
	return nil
}

// TaskTypes lists the types with a registered processor.
func (q *Queue) TaskTypes() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	types := make([]string, 0, len(q.processors))
	for t := range q.processors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (q *Queue) processor(taskType string) (Processor, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fn, ok := q.processors[taskType]
	return fn, ok
}

// Declare creates the task queue and its dead-letter pair. Publish and
// StartProcessing call it on first use.
func (q *Queue) Declare(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared {
		return nil
	}
	_, err := q.ch.DeclareDeadLetterQueue(ctx, q.cfg.Queue, transport.QueueOptions{
		Durable:     true,
		MaxPriority: q.cfg.MaxPriority,
	})
	if err != nil {
		return fmt.Errorf("declare task queue: %w", err)
	}
	q.declared = true
	return nil
}

type publishOptions struct {
	priority      uint8
	delay         time.Duration
	correlationID string
	metadata      metadatapkg.Metadata
}

// PublishOption customises one task.
type PublishOption func(*publishOptions)

// WithPriority orders the task ahead of lower priorities. Values above the
// queue maximum are capped.
func WithPriority(p uint8) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithDelay keeps the task invisible to processors for d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.delay = d }
}

func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

func WithMetadata(md metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) { o.metadata = o.metadata.Merge(md) }
}

// Publish enqueues a task and returns its id. The producer never waits for
// the delay.
func (q *Queue) Publish(ctx context.Context, taskType string, data any, opts ...PublishOption) (string, error) {
	if taskType == "" {
		return "", errspkg.ErrTaskTypeRequired
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	priority := min(o.priority, q.cfg.MaxPriority)
	encodedPriority := int(priority)

	env, err := handlers.NewEnvelope(ctx, taskType, data, handlers.EnvelopeMetadata{
		CorrelationID: o.correlationID,
		Source:        q.cfg.Source,
		Priority:      &encodedPriority,
		Extra:         o.metadata,
	})
	if err != nil {
		return "", err
	}
	if problems := q.schemas.Validate(taskType, env.Data); len(problems) > 0 {
		return "", errspkg.NewTaskValidationError(taskType, problems...)
	}

	msg, err := env.Message()
	if err != nil {
		return "", err
	}
	msg.Metadata.Set(metadatapkg.HeaderPriority, strconv.Itoa(int(priority)))
	if o.delay > 0 {
		delay.Message(msg, delay.For(o.delay))
	}

	if err := q.Declare(ctx); err != nil {
		return "", err
	}
	if err := q.ch.Send(ctx, q.cfg.Queue, msg, transport.PublishOptions{Priority: priority, Persistent: true}); err != nil {
		return "", fmt.Errorf("send task %s: %w", taskType, err)
	}

	q.logger.Debug("Task published", logging.LogFields{
		"task_id":        env.ID,
		"task_type":      taskType,
		"priority":       priority,
		"delay":          o.delay.String(),
		"correlation_id": env.Metadata.CorrelationID,
	})
	return env.ID, nil
}
