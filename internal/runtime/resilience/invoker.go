package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/logging"
	"github.com/drblury/meshflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/meshflow/resilience"

// Resolver maps a service name to host:port. *catalog.Client satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
	Invalidate(names ...string)
}

// Request is sent to the resolved instance as is.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// Response is the buffered answer of a call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fallback produces a degraded response from the error that ended a call.
type Fallback func(ctx context.Context, service string, err error) (*Response, error)

// InvokerConfig holds the defaults of every call.
type InvokerConfig struct {
	Breaker  BreakerSettings
	Retry    RetryPolicy
	Bulkhead BulkheadSettings
	// Timeout bounds one attempt, including reading the body.
	Timeout time.Duration
	// Scheme used to reach resolved instances. Defaults to http.
	Scheme string
}

// InvokerOption customises an Invoker.
type InvokerOption func(*Invoker)

func WithHTTPClient(client *http.Client) InvokerOption {
	return func(i *Invoker) {
		if client != nil {
			i.client = client
		}
	}
}

func WithLogger(logger logging.ServiceLogger) InvokerOption {
	return func(i *Invoker) { i.logger = logging.OrNop(logger) }
}

func WithMetrics(metrics *Metrics) InvokerOption {
	return func(i *Invoker) { i.metrics = metrics }
}

// WithBreakerRegistry shares breakers with other components, such as the
// health endpoint.
func WithBreakerRegistry(registry *BreakerRegistry) InvokerOption {
	return func(i *Invoker) { i.breakers = registry }
}

func WithTracerProvider(tp trace.TracerProvider) InvokerOption {
	return func(i *Invoker) {
		if tp != nil {
			i.tracer = tp.Tracer(tracerName)
		}
	}
}

// Invoker performs resilient HTTP calls to catalog-resolved services.
type Invoker struct {
	resolver Resolver
	cfg      InvokerConfig
	client   *http.Client
	logger   logging.ServiceLogger
	metrics  *Metrics
	breakers *BreakerRegistry
	tracer   trace.Tracer

	mu        sync.Mutex
	bulkheads map[string]*Bulkhead
}

func NewInvoker(resolver Resolver, cfg InvokerConfig, opts ...InvokerOption) (*Invoker, error) {
	if resolver == nil {
		return nil, errspkg.ErrCatalogRequired
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	cfg.Retry = cfg.Retry.withDefaults()
	cfg.Bulkhead = cfg.Bulkhead.withDefaults()

	i := &Invoker{
		resolver:  resolver,
		cfg:       cfg,
		client:    &http.Client{},
		logger:    logging.NewNopLogger(),
		tracer:    otel.Tracer(tracerName),
		bulkheads: make(map[string]*Bulkhead),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.breakers == nil {
		i.breakers = NewBreakerRegistry(cfg.Breaker, i.logger, i.metrics)
	}
	i.logger = i.logger.With(logging.LogFields{"component": "invoker"})
	return i, nil
}

// Breakers exposes the breaker registry.
func (i *Invoker) Breakers() *BreakerRegistry { return i.breakers }

// Bulkhead returns the bulkhead of dependency, creating it on first use.
func (i *Invoker) Bulkhead(dependency string) *Bulkhead {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.bulkheads[dependency]
	if !ok {
		b = NewBulkhead(dependency, i.cfg.Bulkhead, i.metrics)
		i.bulkheads[dependency] = b
	}
	return b
}

type callOptions struct {
	timeout    time.Duration
	retry      RetryPolicy
	fallback   Fallback
	dependency string
}

// CallOption overrides the invoker defaults for one call.
type CallOption func(*callOptions)

func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetry replaces the retry policy. A policy without a Retryable keeps
// the current predicate.
func WithRetry(p RetryPolicy) CallOption {
	return func(o *callOptions) {
		if p.Retryable == nil {
			p.Retryable = o.retry.Retryable
		}
		o.retry = p.withDefaults()
	}
}

func WithRetryable(fn func(error) bool) CallOption {
	return func(o *callOptions) {
		if fn != nil {
			o.retry.Retryable = fn
		}
	}
}

func WithFallback(fn Fallback) CallOption {
	return func(o *callOptions) { o.fallback = fn }
}

// WithDependency keys the breaker and bulkhead by name instead of by
// service, e.g. to isolate one expensive endpoint.
func WithDependency(name string) CallOption {
	return func(o *callOptions) { o.dependency = name }
}

// Call resolves service and sends req to one of its healthy instances.
//
// Each attempt takes a bulkhead slot, resolves an address and runs the
// request inside the dependency's breaker with a timeout. Failed attempts
// are retried per the retry policy. The fallback, if any, only answers when
// the circuit is open or every attempt was used.
func (i *Invoker) Call(ctx context.Context, service string, req Request, opts ...CallOption) (*Response, error) {
	if service == "" {
		return nil, errspkg.ErrServiceNameRequired
	}
	o := callOptions{timeout: i.cfg.Timeout, retry: i.cfg.Retry}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dependency == "" {
		o.dependency = service
	}

	ctx, span := i.tracer.Start(ctx, "meshflow.call "+service, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("meshflow.service", service),
			attribute.String("meshflow.dependency", o.dependency),
			attribute.String("http.request.method", req.method()),
			attribute.String("url.path", req.Path),
		))
	defer span.End()

	started := time.Now()
	breaker := i.breakers.Get(o.dependency)
	bulkhead := i.Bulkhead(o.dependency)
	log := i.logger.With(logging.LogFields{"service": service, "dependency": o.dependency})

	resp, result, err := Retry(ctx, o.retry, func(ctx context.Context, attempt int) (*Response, error) {
		return i.attempt(ctx, service, req, o.timeout, breaker, bulkhead)
	}, func(attempt int, err error, wait time.Duration) {
		i.metrics.recordRetry(o.dependency)
		log.Debug("Retrying call", logging.LogFields{"attempt": attempt, "wait": wait.String(), "error": err.Error()})
	})
	span.SetAttributes(attribute.Int("meshflow.attempts", result.Attempts))

	if err == nil {
		i.metrics.recordCall(o.dependency, "success", time.Since(started))
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		return resp, nil
	}

	if o.fallback != nil && (errors.Is(err, errspkg.ErrCircuitOpen) || result.Attempts >= o.retry.MaxAttempts) {
		fb, fbErr := o.fallback(ctx, service, err)
		if fbErr == nil {
			i.metrics.recordFallback(o.dependency)
			i.metrics.recordCall(o.dependency, "fallback", time.Since(started))
			log.Info("Call answered by fallback", logging.LogFields{"attempts": result.Attempts, "error": err.Error()})
			span.SetAttributes(attribute.Bool("meshflow.fallback", true))
			return fb, nil
		}
		log.Error("Fallback failed", fbErr, logging.LogFields{"attempts": result.Attempts})
	}

	i.metrics.recordCall(o.dependency, "error", time.Since(started))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Warn("Call failed", logging.LogFields{"attempts": result.Attempts, "error": err.Error()})
	return nil, err
}

func (i *Invoker) attempt(ctx context.Context, service string, req Request, timeout time.Duration, breaker *CircuitBreaker, bulkhead *Bulkhead) (*Response, error) {
	release, err := bulkhead.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	addr, err := i.resolver.Resolve(ctx, service)
	if err != nil {
		return nil, err
	}

	return Execute(breaker, func() (*Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := i.send(attemptCtx, addr, req)
		if err == nil {
			if resp.StatusCode >= http.StatusInternalServerError {
				return nil, &errspkg.UpstreamError{Service: service, StatusCode: resp.StatusCode, Body: resp.Body}
			}
			return resp, nil
		}

		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &errspkg.TimeoutError{Service: service, Timeout: timeout}
		}
		if IsTransportError(err) {
			i.resolver.Invalidate(service)
		}
		return nil, err
	})
}

func (i *Invoker) send(ctx context.Context, addr string, req Request) (*Response, error) {
	target := url.URL{Scheme: i.cfg.Scheme, Host: addr, Path: req.Path}
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get(metadata.HeaderCorrelationID) == "" {
		if id := metadata.CorrelationIDFromContext(ctx); id != "" {
			httpReq.Header.Set(metadata.HeaderCorrelationID, id)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: payload}, nil
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}
