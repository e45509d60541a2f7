package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/transport"
)

// consumer is a registered subscription. It outlives the AMQP channel it
// currently reads from; start is called again after every reconnect.
type consumer struct {
	broker  *Broker
	tag     string
	queue   string
	handler transport.Handler
	opts    transport.ConsumeOptions
	baseCtx context.Context

	mu       sync.Mutex
	session  Session
	stopRun  context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	canceled bool
}

func (c *consumer) Queue() string { return c.queue }
func (c *consumer) Tag() string   { return c.tag }

// start opens a dedicated channel on conn and spawns the workers.
func (c *consumer) start(conn Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return nil
	}
	if c.stopRun != nil {
		c.stopRun()
	}

	s, err := conn.Channel()
	if err != nil {
		return err
	}
	if c.opts.Prefetch > 0 {
		if err := s.Qos(c.opts.Prefetch, 0, false); err != nil {
			_ = s.Close()
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	deliveries, err := s.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = s.Close()
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	c.session = s
	c.stopRun = stop
	for range max(c.opts.Concurrency, 1) {
		c.wg.Add(1)
		go c.run(ctx, deliveries)
	}
	return nil
}

func (c *consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.deliver(d)
		}
	}
}

// deliver acknowledges only after the handler returned nil. Failures are
// rejected without requeue so the queue's dead-letter exchange takes them.
func (c *consumer) deliver(d amqp.Delivery) {
	logger := c.broker.logger
	fields := watermill.LogFields{"queue": c.queue, "consumer_tag": c.tag, "delivery_tag": d.DeliveryTag}

	msg, err := c.broker.marshaler.unmarshal(d)
	if err != nil {
		logger.Error("Could not decode delivery, rejecting", err, fields)
		_ = d.Nack(false, false)
		return
	}
	msg.SetContext(metadata.WithCorrelationID(c.baseCtx, metadata.CorrelationID(msg)))
	fields = fields.Add(watermill.LogFields{"message_uuid": msg.UUID})

	if err := c.handle(msg); err != nil {
		requeue := c.opts.RequeueOnError
		logger.Info("Handler failed, rejecting message", fields.Add(watermill.LogFields{
			"error":   err.Error(),
			"requeue": requeue,
		}))
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			logger.Error("Nack failed", nackErr, fields)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Error("Ack failed", err, fields)
	}
}

func (c *consumer) handle(msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(msg)
}

// Cancel stops delivery, waits for in-flight handlers and removes the
// consumer from the replay registry.
func (c *consumer) Cancel() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.canceled = true
		s := c.session
		if s != nil {
			err = s.Cancel(c.tag, false)
		}
		if c.stopRun != nil {
			c.stopRun()
		}
		c.mu.Unlock()

		c.wg.Wait()
		if s != nil {
			_ = s.Close()
		}

		c.broker.mu.Lock()
		delete(c.broker.consumers, c.tag)
		c.broker.mu.Unlock()
	})
	return err
}
