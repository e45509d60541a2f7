// Package memory provides an in-process message channel with exchanges,
// bindings, priorities, delays and dead-lettering. It backs tests and local
// development; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	idspkg "github.com/drblury/meshflow/internal/runtime/ids"
	"github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

func init() {
	transport.Register(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates an unconnected broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Channel, error) {
	return New(logger), nil
}

// Broker is an in-memory transport.Channel.
type Broker struct {
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	connected bool
	closed    bool
	exchanges map[string]*exchange
	queues    map[string]*queue
	consumers map[string]*consumer
	timers    map[*time.Timer]struct{}
}

type exchange struct {
	kind     transport.ExchangeKind
	opts     transport.ExchangeOptions
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name   string
	opts   transport.QueueOptions
	items  []*envelope
	signal chan struct{}
}

type envelope struct {
	msg        *message.Message
	priority   uint8
	routingKey string
	enqueuedAt time.Time
}

var _ transport.Channel = (*Broker)(nil)
var _ transport.QueueInspector = (*Broker)(nil)

// New returns a broker; call Connect before use.
func New(logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		logger:    logger.With(watermill.LogFields{"transport": TransportName}),
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		consumers: make(map[string]*consumer),
		timers:    make(map[*time.Timer]struct{}),
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errspkg.ErrChannelClosed
	}
	b.connected = true
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usableLocked()
}

func (b *Broker) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

func (b *Broker) usableLocked() error {
	switch {
	case b.closed:
		return errspkg.ErrChannelClosed
	case !b.connected:
		return errspkg.ErrNotConnected
	}
	return nil
}

func (b *Broker) DeclareQueue(ctx context.Context, name string, opts transport.QueueOptions) error {
	if name == "" {
		return errspkg.ErrQueueRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}

	if existing, ok := b.queues[name]; ok {
		if !sameQueueOptions(existing.opts, opts) {
			return fmt.Errorf("queue %s already declared with different arguments", name)
		}
		return nil
	}
	b.queues[name] = &queue{name: name, opts: opts, signal: make(chan struct{}, 1)}
	return nil
}

func sameQueueOptions(a, b transport.QueueOptions) bool {
	return a.Durable == b.Durable &&
		a.MaxPriority == b.MaxPriority &&
		a.MessageTTL == b.MessageTTL &&
		a.DeadLetterExchange == b.DeadLetterExchange &&
		a.DeadLetterRoutingKey == b.DeadLetterRoutingKey
}

func (b *Broker) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind, opts transport.ExchangeOptions) error {
	if name == "" {
		return errspkg.ErrExchangeRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}

	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind {
			return fmt.Errorf("exchange %s already declared as %s", name, existing.kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, opts: opts}
	return nil
}

func (b *Broker) Bind(ctx context.Context, queueName, exchangeName, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("exchange %s not found", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrQueueNotFound, queueName)
	}
	for _, bnd := range ex.bindings {
		if bnd.queue == queueName && bnd.key == routingKey {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: routingKey})
	return nil
}

func (b *Broker) DeclareDeadLetterQueue(ctx context.Context, queueName string, opts transport.QueueOptions) (transport.DeadLetterTopology, error) {
	return transport.DeclareDeadLetterTopology(ctx, b, queueName, opts)
}

func (b *Broker) Publish(ctx context.Context, exchangeName, routingKey string, msg *message.Message, opts transport.PublishOptions) error {
	transport.EnsureCorrelationID(ctx, msg)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}

	stored := msg.Copy()
	if d := transport.DelayOf(stored, time.Now()); d > 0 {
		transport.ClearDelay(stored)
		b.scheduleLocked(d, exchangeName, routingKey, stored, opts.Priority)
		return nil
	}
	return b.routeLocked(exchangeName, routingKey, stored, opts.Priority)
}

func (b *Broker) Send(ctx context.Context, queueName string, msg *message.Message, opts transport.PublishOptions) error {
	return b.Publish(ctx, "", queueName, msg, opts)
}

func (b *Broker) scheduleLocked(d time.Duration, exchangeName, routingKey string, msg *message.Message, priority uint8) {
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, timer)
		if b.closed {
			return
		}
		if err := b.routeLocked(exchangeName, routingKey, msg, priority); err != nil {
			b.logger.Error("Dropping delayed message", err, watermill.LogFields{
				"message_uuid": msg.UUID,
				"exchange":     exchangeName,
				"routing_key":  routingKey,
			})
		}
	})
	b.timers[timer] = struct{}{}
}

// routeLocked delivers msg to every queue exchangeName routes routingKey to.
// The empty exchange routes to the queue named routingKey.
func (b *Broker) routeLocked(exchangeName, routingKey string, msg *message.Message, priority uint8) error {
	if exchangeName == "" {
		q, ok := b.queues[routingKey]
		if !ok {
			return fmt.Errorf("%w: %s", errspkg.ErrQueueNotFound, routingKey)
		}
		b.enqueueLocked(q, msg, priority, routingKey)
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("exchange %s not found", exchangeName)
	}

	seen := make(map[string]struct{}, len(ex.bindings))
	for _, bnd := range ex.bindings {
		if !matches(ex.kind, bnd.key, routingKey) {
			continue
		}
		if _, dup := seen[bnd.queue]; dup {
			continue
		}
		seen[bnd.queue] = struct{}{}
		if q, ok := b.queues[bnd.queue]; ok {
			b.enqueueLocked(q, msg.Copy(), priority, routingKey)
		}
	}
	return nil
}

func matches(kind transport.ExchangeKind, bindingKey, routingKey string) bool {
	switch kind {
	case transport.ExchangeFanout:
		return true
	case transport.ExchangeTopic:
		return transport.MatchTopic(bindingKey, routingKey)
	default:
		return bindingKey == routingKey
	}
}

func (b *Broker) enqueueLocked(q *queue, msg *message.Message, priority uint8, routingKey string) {
	if q.opts.MaxPriority == 0 {
		priority = 0
	} else if priority > q.opts.MaxPriority {
		priority = q.opts.MaxPriority
	}
	q.insert(&envelope{msg: msg, priority: priority, routingKey: routingKey, enqueuedAt: time.Now()}, false)
	q.wake()
}

// insert keeps items ordered by priority, FIFO within a priority. A requeued
// message goes in front of its priority band.
func (q *queue) insert(env *envelope, front bool) {
	idx := len(q.items)
	for i, existing := range q.items {
		if existing.priority < env.priority || (front && existing.priority == env.priority) {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = env
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a live message is available or ctx ends. Messages older
// than the queue TTL are dead-lettered with reason "expired".
func (b *Broker) pop(ctx context.Context, q *queue) (*envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		for len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			if q.opts.MessageTTL > 0 && time.Since(env.enqueuedAt) > q.opts.MessageTTL {
				b.deadLetterLocked(q, env, "expired")
				continue
			}
			if len(q.items) > 0 {
				q.wake()
			}
			b.mu.Unlock()
			return env, nil
		}
		b.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) deadLetterLocked(q *queue, env *envelope, reason string) {
	if q.opts.DeadLetterExchange == "" {
		b.logger.Info("Discarding rejected message without dead-letter exchange", watermill.LogFields{
			"queue":        q.name,
			"message_uuid": env.msg.UUID,
			"reason":       reason,
		})
		return
	}

	key := q.opts.DeadLetterRoutingKey
	if key == "" {
		key = env.routingKey
	}

	dead := env.msg.Copy()
	count, _ := strconv.Atoi(dead.Metadata.Get(metadata.HeaderDeathCount))
	dead.Metadata.Set(metadata.HeaderDeathCount, strconv.Itoa(count+1))
	dead.Metadata.Set(metadata.HeaderOriginalQueue, q.name)
	dead.Metadata.Set(metadata.HeaderDeathReason, reason)
	if dead.Metadata.Get(metadata.HeaderFirstDeathQueue) == "" {
		dead.Metadata.Set(metadata.HeaderFirstDeathQueue, q.name)
		dead.Metadata.Set(metadata.HeaderFirstDeathReason, reason)
	}

	if err := b.routeLocked(q.opts.DeadLetterExchange, key, dead, 0); err != nil {
		b.logger.Error("Dead-lettering failed", err, watermill.LogFields{"queue": q.name, "message_uuid": env.msg.UUID})
	}
}

func (b *Broker) Consume(ctx context.Context, queueName string, handler transport.Handler, opts transport.ConsumeOptions) (transport.Consumer, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrQueueNotFound, queueName)
	}

	workers := max(opts.Concurrency, 1)
	loopCtx, cancel := context.WithCancel(ctx)
	c := &consumer{
		broker:  b,
		tag:     idspkg.NewConsumerTag(queueName),
		queue:   q,
		handler: transport.Chain(handler, opts.Middlewares),
		opts:    opts,
		baseCtx: context.WithoutCancel(ctx),
		cancel:  cancel,
	}
	b.consumers[c.tag] = c

	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.run(loopCtx)
	}

	b.logger.Debug("Consumer started", watermill.LogFields{"queue": queueName, "consumer_tag": c.tag, "workers": workers})
	return c, nil
}

func (b *Broker) QueueDepth(ctx context.Context, queueName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errspkg.ErrQueueNotFound, queueName)
	}
	return len(q.items), nil
}

// Peek returns copies of the messages waiting in queueName, head first.
func (b *Broker) Peek(queueName string) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]*message.Message, 0, len(q.items))
	for _, env := range q.items {
		out = append(out, env.msg.Copy())
	}
	return out
}

// Close stops every consumer and pending delay. The broker cannot be reused.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		_ = c.Cancel()
	}
	return nil
}
