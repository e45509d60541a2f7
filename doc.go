// Package meshflow is the communication layer of a microservice: it finds
// other services through a catalog, calls them through a resilient invoker
// and exchanges events and tasks over a message broker.
//
// Service hosts one process. NewService reads Config, connects the pieces and
// exposes helpers: Call invokes another service by name with timeout,
// circuit breaker, retry, bulkhead and fallback applied; PublishEvent and
// SubscribeEvent use one topic exchange where every subscriber gets its own
// queue named {service}.{eventType}; PublishTask and RegisterTaskProcessor
// use a priority queue with delayed delivery; HandleDeadLetters replays or
// abandons rejected messages. Start registers the instance in the catalog,
// serves GET /health and blocks until its context ends, then deregisters.
//
// # Transports
//
// Two transports register themselves with the default registry:
//   - amqp: RabbitMQ through amqp091-go, with reconnect and consumer replay
//   - memory: an in-process broker with the same topology semantics, for tests
//
// Import github.com/drblury/meshflow/transport/transports to enable both.
//
// # Middleware
//
// Every consumer runs the default chain of panic recovery, correlation id
// propagation, OpenTelemetry tracing and debug logging. Add your own with
// ServiceDependencies.Middlewares, and observe handlers with JobHooks.
//
// # Errors
//
// Failures surface as sentinel errors (ErrCircuitOpen, ErrTimeout,
// ErrEventValidation and friends). HTTPStatus and NewErrorResponse turn them
// into the {success,message,error} body served at the HTTP edge.
package meshflow
