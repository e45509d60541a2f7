package transport

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// DeadLetterExchangeName is the per-queue dead-letter exchange.
func DeadLetterExchangeName(queue string) string {
	return queue + ".dead-letter-exchange"
}

// DeadLetterQueueName is the per-queue dead-letter queue.
func DeadLetterQueueName(queue string) string {
	return queue + ".dead-letter"
}

// DelayQueueName holds messages for queue until d elapses. One queue exists
// per distinct delay so expiry order matches arrival order.
func DelayQueueName(queue string, d time.Duration) string {
	return queue + ".delay." + strconv.FormatInt(d.Milliseconds(), 10)
}

// SubscriptionQueueName is the durable queue a service consumes eventType from.
func SubscriptionQueueName(servicePrefix, eventType string) string {
	return servicePrefix + "." + eventType
}

// DeadLetterDeclarer is the subset of Channel needed to wire a dead-letter pair.
type DeadLetterDeclarer interface {
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind, opts ExchangeOptions) error
	Bind(ctx context.Context, queue, exchange, routingKey string) error
}

// DeclareDeadLetterTopology declares a direct dead-letter exchange and queue
// for queue, then declares queue itself pointing at them. Rejected messages
// keep the original queue name as routing key.
func DeclareDeadLetterTopology(ctx context.Context, ch DeadLetterDeclarer, queue string, opts QueueOptions) (DeadLetterTopology, error) {
	topo := DeadLetterTopology{
		Queue:    queue,
		DLQ:      DeadLetterQueueName(queue),
		Exchange: DeadLetterExchangeName(queue),
	}

	if err := ch.DeclareExchange(ctx, topo.Exchange, ExchangeDirect, ExchangeOptions{Durable: opts.Durable}); err != nil {
		return topo, fmt.Errorf("declare dead-letter exchange %s: %w", topo.Exchange, err)
	}
	if err := ch.DeclareQueue(ctx, topo.DLQ, QueueOptions{Durable: opts.Durable}); err != nil {
		return topo, fmt.Errorf("declare dead-letter queue %s: %w", topo.DLQ, err)
	}
	if err := ch.Bind(ctx, topo.DLQ, topo.Exchange, queue); err != nil {
		return topo, fmt.Errorf("bind dead-letter queue %s: %w", topo.DLQ, err)
	}

	opts.DeadLetterExchange = topo.Exchange
	opts.DeadLetterRoutingKey = queue
	if err := ch.DeclareQueue(ctx, queue, opts); err != nil {
		return topo, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return topo, nil
}
