// Package amqp provides the RabbitMQ/AMQP 0-9-1 transport for meshflow.
//
// The broker records every declaration and every consumer it has been asked
// for. When the connection drops it redials on a fixed delay, replays the
// topology on the new connection and restarts the registered consumers.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	idspkg "github.com/drblury/meshflow/internal/runtime/ids"
	"github.com/drblury/meshflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "amqp"

// DefaultReconnectDelay is used when Config.ReconnectDelay is zero.
const DefaultReconnectDelay = 5 * time.Second

// delayQueueGrace keeps an idle delay queue around for this long after its
// last message expired.
const delayQueueGrace = time.Minute

func init() {
	transport.Register(TransportName, Build, transport.AMQPCapabilities)
}

// Config configures the broker connection.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
	Prefetch       int
}

// Build creates an unconnected broker from the runtime config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Channel, error) {
	if cfg.GetAMQPURL() == "" {
		return nil, errors.New("amqp url is required")
	}
	return New(Config{
		URL:            cfg.GetAMQPURL(),
		ReconnectDelay: cfg.GetReconnectDelay(),
		Prefetch:       cfg.GetPrefetch(),
	}, logger), nil
}

// Broker is a transport.Channel backed by a RabbitMQ connection.
type Broker struct {
	cfg       Config
	logger    watermill.LoggerAdapter
	marshaler marshaler

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu           sync.Mutex
	conn         Connection
	pub          Session
	connected    bool
	closed       bool
	declarations []declaration
	consumers    map[string]*consumer
}

var _ transport.Channel = (*Broker)(nil)
var _ transport.QueueInspector = (*Broker)(nil)

// New returns a broker; call Connect before use.
func New(cfg Config, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Broker{
		cfg:       cfg,
		logger:    logger.With(watermill.LogFields{"transport": TransportName}),
		marshaler: newMarshaler(),
		ctx:       ctx,
		stop:      stop,
		consumers: make(map[string]*consumer),
	}
}

func (b *Broker) Capabilities() transport.Capabilities {
	return transport.AMQPCapabilities
}

// Connect dials the broker. Calling it on a connected broker is a no-op.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errspkg.ErrChannelClosed
	}
	if b.connected {
		return nil
	}
	if err := b.connectLocked(); err != nil {
		return fmt.Errorf("connect to amqp broker: %w", err)
	}
	b.logger.Info("Connected to AMQP broker", nil)
	return nil
}

// connectLocked dials, replays recorded topology and restarts consumers.
func (b *Broker) connectLocked() error {
	conn, err := Dialer(b.cfg.URL)
	if err != nil {
		return err
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	for _, d := range b.declarations {
		if err := d.apply(pub); err != nil {
			_ = conn.Close()
			return fmt.Errorf("replay %s: %w", d, err)
		}
	}

	b.conn = conn
	b.pub = pub
	b.connected = true

	for _, c := range b.consumers {
		if err := c.start(conn); err != nil {
			b.logger.Error("Could not restart consumer", err, watermill.LogFields{"queue": c.queue, "consumer_tag": c.tag})
		}
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.wg.Add(1)
	go b.watch(conn, notify)
	return nil
}

func (b *Broker) watch(conn Connection, notify <-chan *amqp.Error) {
	defer b.wg.Done()

	var cause *amqp.Error
	select {
	case <-b.ctx.Done():
		return
	case cause = <-notify:
	}

	b.mu.Lock()
	if b.closed || b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.conn = nil
	b.pub = nil
	b.mu.Unlock()

	fields := watermill.LogFields{"reconnect_delay": b.cfg.ReconnectDelay.String()}
	if cause != nil {
		fields = fields.Add(watermill.LogFields{"reason": cause.Reason, "code": cause.Code})
	}
	b.logger.Error("AMQP connection lost", errspkg.ErrNotConnected, fields)

	b.reconnect()
}

// reconnect redials every ReconnectDelay until it succeeds or the broker
// closes.
func (b *Broker) reconnect() {
	select {
	case <-b.ctx.Done():
		return
	case <-time.After(b.cfg.ReconnectDelay):
	}

	attempt := 0
	_, err := backoff.Retry(b.ctx, func() (struct{}, error) {
		attempt++
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return struct{}{}, backoff.Permanent(errspkg.ErrChannelClosed)
		}
		if b.connected {
			return struct{}{}, nil
		}
		return struct{}{}, b.connectLocked()
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(b.cfg.ReconnectDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Info("AMQP reconnect failed", watermill.LogFields{
				"attempt": attempt,
				"error":   err.Error(),
				"retry":   next.String(),
			})
		}),
	)
	if err != nil {
		return
	}
	b.logger.Info("Reconnected to AMQP broker", watermill.LogFields{"attempts": attempt})
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usableLocked()
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

// session returns the shared publishing channel.
func (b *Broker) session() (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}
	return b.pub, nil
}

// declare applies d and records it for replay. A channel-level error closes
// the AMQP channel, so a fresh one is opened for the next caller.
func (b *Broker) declare(d declaration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if err := d.apply(b.pub); err != nil {
		b.reopenLocked()
		return err
	}
	b.recordLocked(d)
	return nil
}

func (b *Broker) recordLocked(d declaration) {
	for i, existing := range b.declarations {
		if existing.key() == d.key() {
			b.declarations[i] = d
			return
		}
	}
	b.declarations = append(b.declarations, d)
}

func (b *Broker) reopenLocked() {
	if b.conn == nil {
		return
	}
	if b.pub != nil {
		_ = b.pub.Close()
	}
	pub, err := b.conn.Channel()
	if err != nil {
		b.logger.Error("Could not reopen AMQP channel", err, nil)
		return
	}
	b.pub = pub
}

func (b *Broker) DeclareQueue(ctx context.Context, name string, opts transport.QueueOptions) error {
	if name == "" {
		return errspkg.ErrQueueRequired
	}
	return b.declare(declaration{kind: declareQueue, name: name, queueOpts: opts})
}

func (b *Broker) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind, opts transport.ExchangeOptions) error {
	if name == "" {
		return errspkg.ErrExchangeRequired
	}
	return b.declare(declaration{kind: declareExchange, name: name, exchangeKind: kind, exchangeOpts: opts})
}

func (b *Broker) Bind(ctx context.Context, queue, exchange, routingKey string) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	if exchange == "" {
		return errspkg.ErrExchangeRequired
	}
	return b.declare(declaration{kind: bindQueue, name: queue, exchange: exchange, routingKey: routingKey})
}

func (b *Broker) DeclareDeadLetterQueue(ctx context.Context, queue string, opts transport.QueueOptions) (transport.DeadLetterTopology, error) {
	return transport.DeclareDeadLetterTopology(ctx, b, queue, opts)
}

// Publish sends msg to exchange. A message carrying delay metadata is parked
// in a TTL queue that dead-letters into exchange once the delay elapses.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg *message.Message, opts transport.PublishOptions) error {
	transport.EnsureCorrelationID(ctx, msg)

	out := msg
	d := transport.DelayOf(msg, time.Now())
	if d > 0 {
		out = msg.Copy()
		transport.ClearDelay(out)
	}

	pub, err := b.marshaler.marshal(out, opts.Priority, opts.Persistent)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
	}

	if d > 0 {
		parked, err := b.declareDelayQueue(exchange, routingKey, d)
		if err != nil {
			return fmt.Errorf("declare delay queue: %w", err)
		}
		exchange, routingKey = "", parked
	}

	s, err := b.session()
	if err != nil {
		return err
	}
	if err := s.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		b.discardSession(s)
		return fmt.Errorf("publish to %q/%q: %w", exchange, routingKey, err)
	}
	return nil
}

// discardSession reopens the publishing channel after a failed publish unless
// another caller already replaced it.
func (b *Broker) discardSession(s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != s || b.usableLocked() != nil {
		return
	}
	b.reopenLocked()
}

func (b *Broker) Send(ctx context.Context, queue string, msg *message.Message, opts transport.PublishOptions) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	return b.Publish(ctx, "", queue, msg, opts)
}

// declareDelayQueue is not recorded for replay; it is redeclared on every
// delayed publish and expires on its own.
func (b *Broker) declareDelayQueue(exchange, routingKey string, d time.Duration) (string, error) {
	target := routingKey
	if exchange != "" {
		target = exchange + "." + routingKey
	}
	name := transport.DelayQueueName(target, d)
	ttl := d.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	opts := transport.QueueOptions{
		Durable:              true,
		MessageTTL:           time.Duration(ttl) * time.Millisecond,
		DeadLetterExchange:   exchange,
		DeadLetterRoutingKey: routingKey,
		Args:                 map[string]any{"x-expires": ttl + delayQueueGrace.Milliseconds()},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return "", err
	}
	dl := declaration{kind: declareQueue, name: name, queueOpts: opts}
	if err := dl.apply(b.pub); err != nil {
		b.reopenLocked()
		return "", err
	}
	return name, nil
}

func (b *Broker) Consume(ctx context.Context, queue string, handler transport.Handler, opts transport.ConsumeOptions) (transport.Consumer, error) {
	if queue == "" {
		return nil, errspkg.ErrQueueRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}

	if opts.Prefetch <= 0 {
		opts.Prefetch = b.cfg.Prefetch
	}
	c := &consumer{
		broker:  b,
		tag:     idspkg.NewConsumerTag(queue),
		queue:   queue,
		handler: transport.Chain(handler, opts.Middlewares),
		opts:    opts,
		baseCtx: context.WithoutCancel(ctx),
	}
	if err := c.start(b.conn); err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	b.consumers[c.tag] = c

	b.logger.Info("Consumer started", watermill.LogFields{
		"queue":        queue,
		"consumer_tag": c.tag,
		"concurrency":  max(opts.Concurrency, 1),
	})
	return c, nil
}

// QueueDepth reports the number of ready messages in queue. A missing queue
// closes the probing channel, so a throwaway one is used.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return 0, err
	}
	conn := b.conn
	b.mu.Unlock()

	s, err := conn.Channel()
	if err != nil {
		return 0, err
	}
	defer s.Close()

	q, err := s.QueueDeclarePassive(queue, false, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return 0, fmt.Errorf("%w: %s", errspkg.ErrQueueNotFound, queue)
		}
		return 0, err
	}
	return q.Messages, nil
}

// Close cancels every consumer and closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		_ = c.Cancel()
	}

	b.stop()

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.pub = nil
	b.connected = false
	b.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}
