package amqp

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/meshflow/transport"
)

type declarationKind int

const (
	declareQueue declarationKind = iota
	declareExchange
	bindQueue
)

// declaration is one recorded topology call. The broker keeps them in call
// order so a replay declares exchanges and queues before binding them.
type declaration struct {
	kind         declarationKind
	name         string
	exchangeKind transport.ExchangeKind
	queueOpts    transport.QueueOptions
	exchangeOpts transport.ExchangeOptions
	exchange     string
	routingKey   string
}

func (d declaration) key() string {
	switch d.kind {
	case declareQueue:
		return "queue:" + d.name
	case declareExchange:
		return "exchange:" + d.name
	default:
		return "binding:" + d.name + "|" + d.exchange + "|" + d.routingKey
	}
}

func (d declaration) String() string {
	switch d.kind {
	case declareQueue:
		return "queue " + d.name
	case declareExchange:
		return "exchange " + d.name
	default:
		return fmt.Sprintf("binding %s -> %s (%s)", d.exchange, d.name, d.routingKey)
	}
}

func (d declaration) apply(s Session) error {
	switch d.kind {
	case declareQueue:
		o := d.queueOpts
		_, err := s.QueueDeclare(d.name, o.Durable, o.AutoDelete, o.Exclusive, false, queueArgs(o))
		return err
	case declareExchange:
		o := d.exchangeOpts
		return s.ExchangeDeclare(d.name, string(d.exchangeKind), o.Durable, o.AutoDelete, o.Internal, false, nil)
	default:
		return s.QueueBind(d.name, d.routingKey, d.exchange, false, nil)
	}
}

// queueArgs maps queue options onto RabbitMQ x-arguments.
func queueArgs(o transport.QueueOptions) amqp.Table {
	args := amqp.Table{}
	for k, v := range o.Args {
		args[k] = v
	}
	if o.MaxPriority > 0 {
		args["x-max-priority"] = int32(o.MaxPriority)
	}
	if o.MessageTTL > 0 {
		args["x-message-ttl"] = o.MessageTTL.Milliseconds()
	}
	if o.DeadLetterExchange != "" || o.DeadLetterRoutingKey != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
	}
	if o.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = o.DeadLetterRoutingKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
