package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/meshflow/transport"
)

type consumer struct {
	broker  *Broker
	tag     string
	queue   *queue
	handler transport.Handler
	opts    transport.ConsumeOptions
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

func (c *consumer) Queue() string { return c.queue.name }
func (c *consumer) Tag() string   { return c.tag }

func (c *consumer) Cancel() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()

		c.broker.mu.Lock()
		delete(c.broker.consumers, c.tag)
		c.broker.mu.Unlock()
	})
	return nil
}

func (c *consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		env, err := c.broker.pop(ctx, c.queue)
		if err != nil {
			return
		}
		c.deliver(env)
	}
}

func (c *consumer) deliver(env *envelope) {
	msg := env.msg.Copy()
	msg.SetContext(c.baseCtx)

	err := c.handle(msg)

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		return
	}

	fields := watermill.LogFields{"queue": c.queue.name, "message_uuid": msg.UUID, "consumer_tag": c.tag}
	if c.opts.RequeueOnError && !b.closed {
		b.logger.Debug("Handler failed, requeueing", fields.Add(watermill.LogFields{"error": err.Error()}))
		c.queue.insert(env, true)
		c.queue.wake()
		return
	}
	b.logger.Info("Handler failed, rejecting message", fields.Add(watermill.LogFields{"error": err.Error()}))
	b.deadLetterLocked(c.queue, env, "rejected")
}

func (c *consumer) handle(msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(msg)
}
