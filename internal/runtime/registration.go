package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/meshflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/events"
	loggingpkg "github.com/drblury/meshflow/internal/runtime/logging"
	"github.com/drblury/meshflow/internal/runtime/tasks"
	"github.com/drblury/meshflow/transport"
)

const deadLetterDepthInterval = 15 * time.Second

// subscription is a consumer started by Start, or at once when the service
// is already running.
type subscription struct {
	info  *HandlerInfo
	start func(ctx context.Context, mws []message.HandlerMiddleware) (transport.Consumer, error)
}

// SubscribeEvent registers handler for eventType on the service's event bus.
// The subscriber queue is {ServiceName}.{eventType} unless events.WithQueue
// overrides it.
func (s *Service) SubscribeEvent(eventType string, handler events.Handler, opts ...events.SubscribeOption) error {
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	info := &HandlerInfo{Name: eventType, Kind: HandlerKindEvent, Queue: s.bus.QueueName(eventType, opts...)}
	return s.addSubscription(subscription{
		info: info,
		start: func(ctx context.Context, mws []message.HandlerMiddleware) (transport.Consumer, error) {
			all := append([]events.SubscribeOption{events.WithHandlerMiddlewares(mws...)}, opts...)
			return s.bus.Subscribe(ctx, eventType, handler, all...)
		},
	})
}

// RegisterTaskProcessor registers fn for taskType. Every processor shares one
// consumer of the task queue, started with Start.
func (s *Service) RegisterTaskProcessor(taskType string, fn tasks.Processor) error {
	if err := s.tasks.RegisterProcessor(taskType, fn); err != nil {
		return err
	}

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if s.taskWired {
		return nil
	}
	info := &HandlerInfo{Name: s.tasks.Name(), Kind: HandlerKindTask, Queue: s.tasks.Name()}
	err := s.addSubscription(subscription{
		info: info,
		start: func(ctx context.Context, mws []message.HandlerMiddleware) (transport.Consumer, error) {
			return s.tasks.StartProcessing(ctx, tasks.ProcessOptions{
				Prefetch:    s.Conf.Prefetch,
				Middlewares: mws,
			})
		},
	})
	if err != nil {
		return err
	}
	s.taskWired = true
	return nil
}

// HandleDeadLetters recovers the dead letters of queue with handler. A nil
// handler retries every message until the attempt limit is reached.
func (s *Service) HandleDeadLetters(queue string, handler deadletter.Handler) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	if handler == nil {
		handler = deadletter.RetryAll
	}
	dlq := transport.DeadLetterQueueName(queue)
	info := &HandlerInfo{Name: queue, Kind: HandlerKindDeadLetter, Queue: dlq}

	s.mu.Lock()
	s.dlQueues = append(s.dlQueues, queue)
	s.mu.Unlock()

	return s.addSubscription(subscription{
		info: info,
		start: func(ctx context.Context, mws []message.HandlerMiddleware) (transport.Consumer, error) {
			return s.recovery.ProcessDeadLetters(ctx, queue, handler, mws...)
		},
	})
}

func (s *Service) addSubscription(sub subscription) error {
	sub.info.Stats = newHandlerStats()

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, sub.info)
	s.handlersMu.Unlock()

	s.mu.Lock()
	ctx := s.running
	if ctx == nil {
		s.pending = append(s.pending, sub)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.startSubscription(ctx, sub); err != nil {
		s.removeHandler(sub.info)
		return err
	}
	return nil
}

func (s *Service) removeHandler(info *HandlerInfo) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	for i, h := range s.handlers {
		if h == info {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

func (s *Service) startConsumers(ctx context.Context) error {
	s.mu.Lock()
	s.running = ctx
	pending := s.pending
	s.pending = nil
	queues := append([]string(nil), s.dlQueues...)
	s.mu.Unlock()

	for _, sub := range pending {
		if err := s.startSubscription(ctx, sub); err != nil {
			return err
		}
	}
	if len(queues) > 0 && s.dlMetrics != nil {
		go s.recovery.MonitorDepth(ctx, deadLetterDepthInterval, queues...)
	}
	return nil
}

func (s *Service) startSubscription(ctx context.Context, sub subscription) error {
	mws := s.consumeChain()
	mws = append(mws, statsMiddleware(sub.info.Stats, s.errorClassifier))
	if !s.hooks.empty() {
		mws = append(mws, jobHooksMiddleware(sub.info, s.hooks))
	}

	consumer, err := sub.start(ctx, mws)
	if err != nil {
		return fmt.Errorf("start %s handler %s: %w", sub.info.Kind, sub.info.Name, err)
	}
	s.Logger.Debug("Handler started", loggingpkg.LogFields{
		"handler": sub.info.Name,
		"kind":    string(sub.info.Kind),
		"queue":   consumer.Queue(),
	})

	s.mu.Lock()
	s.consumers = append(s.consumers, consumer)
	s.mu.Unlock()
	return nil
}

// Handlers returns every registered handler in registration order.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}
