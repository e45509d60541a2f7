/*
Package runtime hosts a meshflow service.

# Package Structure

## Core Service (service.go)

Service wires together:
  - the message channel (transport registry or ServiceDependencies.Channel)
  - the service catalog client with its TTL cache
  - the resilient invoker for outbound calls
  - the event bus, the task queue and dead-letter recovery
  - the gin engine serving /health, /metrics and /api/handlers

Start connects, starts every registered consumer, registers the instance in
the catalog and blocks. When its context ends the instance is deregistered
and everything is shut down.

## Handler Registration (registration.go)

SubscribeEvent, RegisterTaskProcessor and HandleDeadLetters record a
HandlerInfo and start the consumer with Start, or at once when the service
is already running.

## Middleware (middleware.go)

The consume chain shared by every consumer, outermost first:
  - Recoverer: panic recovery
  - CorrelationID: message traceability
  - Tracer: OpenTelemetry spans continued from message metadata
  - LogMessages: debug logging of payloads

Per handler, the stats middleware and the JobHooks middleware run inside it.

## Stats (stats.go, webui.go)

Per-handler latency percentiles, throughput, error categories and backlog,
listed by GET /api/handlers.

# Sub-packages

  - catalog/: service discovery (Consul, in-memory) and the caching client
  - config/: configuration, defaults, validation and viper loading
  - deadletter/: dead-letter recovery and its metrics
  - errors/: sentinel errors, typed errors and the HTTP error envelope
  - events/: the publish/subscribe event bus
  - handlers/: envelopes, typed handlers and payload schemas
  - health/: the health checker behind GET /health
  - httpapi/: gin middleware and the call gateway
  - ids/: ULID identifiers
  - jsoncodec/: JSON encoding
  - logging/: the ServiceLogger interface and its adapters
  - metadata/: message headers and context helpers
  - resilience/: circuit breaker, retry, bulkhead and the invoker
  - tasks/: the priority task queue

# Usage Example

	cfg, err := config.Load("meshflow.yaml")
	if err != nil {
		return err
	}
	svc := runtime.NewService(cfg, logger, ctx, runtime.ServiceDependencies{})

	_ = svc.SubscribeEvent("order.created", events.Typed(onOrderCreated))
	_ = svc.RegisterTaskProcessor("send-email", tasks.Typed(sendEmail))
	_ = svc.HandleDeadLetters(svc.Tasks().Name(), deadletter.RetryAll)

	return svc.Start(ctx)
*/
package runtime
