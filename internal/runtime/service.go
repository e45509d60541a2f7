package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	catalogpkg "github.com/drblury/meshflow/internal/runtime/catalog"
	configpkg "github.com/drblury/meshflow/internal/runtime/config"
	"github.com/drblury/meshflow/internal/runtime/deadletter"
	"github.com/drblury/meshflow/internal/runtime/events"
	"github.com/drblury/meshflow/internal/runtime/handlers"
	"github.com/drblury/meshflow/internal/runtime/health"
	"github.com/drblury/meshflow/internal/runtime/httpapi"
	loggingpkg "github.com/drblury/meshflow/internal/runtime/logging"
	"github.com/drblury/meshflow/internal/runtime/resilience"
	"github.com/drblury/meshflow/internal/runtime/tasks"
	"github.com/drblury/meshflow/transport"
)

// shutdownTimeout bounds deregistration and HTTP shutdown once Start's
// context ends.
const shutdownTimeout = 10 * time.Second

// ServiceDependencies holds the optional collaborators of a Service. Nil
// fields are built from the configuration.
type ServiceDependencies struct {
	// Channel replaces the transport registry lookup, e.g. with memory.New.
	Channel transport.Channel
	// Catalog replaces catalog.Open.
	Catalog catalogpkg.Backend
	// Listener serves HTTP instead of listening on Conf.HTTPPort.
	Listener   net.Listener
	HTTPClient *http.Client
	// Metrics receives every meshflow collector and backs /metrics.
	Metrics        *prometheus.Registry
	TracerProvider trace.TracerProvider
	Schemas        *handlers.SchemaRegistry

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     JobHooks
	ErrorClassifier           ErrorClassifier
}

// Service hosts one meshflow process: catalog registration, the resilient
// invoker, the event bus, the task queue, dead-letter recovery and the HTTP
// endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	channel    transport.Channel
	backend    catalogpkg.Backend
	resolver   *catalogpkg.Client
	invoker    *resilience.Invoker
	bus        *events.Bus
	tasks      *tasks.Queue
	recovery   *deadletter.Recovery
	dlMetrics  *deadletter.Metrics
	health     *health.Checker
	engine     *gin.Engine
	registry   *prometheus.Registry
	listener   net.Listener
	registered string

	tracerProvider  trace.TracerProvider
	hooks           JobHooks
	errorClassifier ErrorClassifier

	middlewares   []message.HandlerMiddleware
	middlewaresMu sync.RWMutex

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	// pending holds subscriptions registered before Start.
	mu        sync.Mutex
	running   context.Context
	pending   []subscription
	consumers []transport.Consumer
	dlQueues  []string

	// taskWired is set once the shared task consumer is registered.
	taskMu    sync.Mutex
	taskWired bool
}

// NewService constructs a Service for the supplied configuration. It panics
// when a component cannot be built; use TryNewService to get the error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning construction errors.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errors.New("config is nil")
	}
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log = loggingpkg.OrNop(log).With(loggingpkg.LogFields{"service": conf.ServiceName})
	log.Info("Creating service", loggingpkg.LogFields{
		"pubsub_system":  conf.PubSubSystem,
		"catalog_system": conf.CatalogSystem,
		"config":         conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		channel:         deps.Channel,
		backend:         deps.Catalog,
		listener:        deps.Listener,
		registry:        deps.Metrics,
		tracerProvider:  deps.TracerProvider,
		hooks:           deps.Hooks,
		errorClassifier: deps.ErrorClassifier,
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	var err error
	if s.channel == nil {
		s.channel, err = transport.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
	}
	if s.backend == nil {
		s.backend, err = catalogpkg.Open(conf.CatalogSystem, catalogpkg.ConsulConfig{
			Address:    conf.ConsulAddress,
			Token:      conf.ConsulToken,
			Datacenter: conf.ConsulDatacenter,
		})
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
	}

	if err := s.buildComponents(deps); err != nil {
		return nil, err
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.buildHTTP()
	return s, nil
}

func (s *Service) buildComponents(deps ServiceDependencies) error {
	conf := s.Conf
	var err error

	s.resolver, err = catalogpkg.NewClient(s.backend, s.Logger, catalogpkg.ClientOptions{
		TTL:  conf.CatalogCacheTTL,
		Size: conf.CatalogCacheSize,
	})
	if err != nil {
		return err
	}

	var resilienceMetrics *resilience.Metrics
	if conf.MetricsEnabled {
		resilienceMetrics = resilience.NewMetrics(s.registry)
		if err := resilienceMetrics.Register(); err != nil {
			return fmt.Errorf("register resilience metrics: %w", err)
		}
		s.dlMetrics = deadletter.NewMetrics(s.registry)
		if err := s.dlMetrics.Register(); err != nil {
			return fmt.Errorf("register dead-letter metrics: %w", err)
		}
	}

	invokerOpts := []resilience.InvokerOption{
		resilience.WithLogger(s.Logger),
		resilience.WithMetrics(resilienceMetrics),
		resilience.WithTracerProvider(s.tracerProvider),
	}
	if deps.HTTPClient != nil {
		invokerOpts = append(invokerOpts, resilience.WithHTTPClient(deps.HTTPClient))
	}
	s.invoker, err = resilience.NewInvoker(s.resolver, resilience.InvokerConfig{
		Breaker: resilience.BreakerSettings{
			FailureRate:     conf.CircuitFailureRate,
			MinimumRequests: conf.CircuitMinimumRequests,
			ResetTimeout:    conf.CircuitResetTimeout,
			Window:          conf.CircuitWindow,
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:   conf.RetryMaxAttempts,
			InitialDelay:  conf.RetryInitialDelay,
			BackoffFactor: conf.RetryBackoffFactor,
			MaxDelay:      conf.RetryMaxDelay,
		},
		Bulkhead: resilience.BulkheadSettings{
			MaxConcurrent: conf.BulkheadMaxConcurrent,
			MaxQueued:     conf.BulkheadMaxQueued,
		},
		Timeout: conf.CallTimeout,
	}, invokerOpts...)
	if err != nil {
		return err
	}

	schemas := deps.Schemas
	if schemas == nil {
		schemas = handlers.NewSchemaRegistry()
	}
	s.bus, err = events.NewBus(s.channel, events.Config{
		Exchange:      conf.EventExchange,
		ServicePrefix: conf.ServiceName,
	}, s.Logger, events.WithSchemas(schemas))
	if err != nil {
		return err
	}
	s.tasks, err = tasks.NewQueue(s.channel, tasks.Config{
		Queue:       conf.TaskQueue,
		MaxPriority: conf.TaskMaxPriority,
		Source:      conf.ServiceName,
	}, s.Logger, tasks.WithSchemas(schemas))
	if err != nil {
		return err
	}
	s.recovery, err = deadletter.NewRecovery(s.channel, deadletter.Config{
		MaxAttempts: conf.DeadLetterMaxAttempts,
	}, s.Logger, s.dlMetrics)
	if err != nil {
		return err
	}

	s.health = health.NewChecker(conf.ServiceName, conf.HealthCheckTimeout, s.Logger)
	s.health.Register("broker", health.PingCheck(s.channel))
	s.health.Register("catalog", health.PingCheck(s.backend))
	s.health.RegisterInformational("circuit_breakers", health.BreakerCheck(s.invoker.Breakers()))
	s.health.RegisterInformational("runtime", health.RuntimeCheck())
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) buildHTTP() {
	s.engine = httpapi.NewEngine(s.Logger)
	s.health.Mount(s.engine)
	if s.Conf.MetricsEnabled {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))
	}
	s.engine.GET("/api/handlers", s.handleGetHandlers)
}

func (s *Service) Channel() transport.Channel             { return s.channel }
func (s *Service) Catalog() *catalogpkg.Client            { return s.resolver }
func (s *Service) Invoker() *resilience.Invoker           { return s.invoker }
func (s *Service) Events() *events.Bus                    { return s.bus }
func (s *Service) Tasks() *tasks.Queue                    { return s.tasks }
func (s *Service) Recovery() *deadletter.Recovery         { return s.recovery }
func (s *Service) DeadLetterMetrics() *deadletter.Metrics { return s.dlMetrics }
func (s *Service) Health() *health.Checker                { return s.health }
func (s *Service) Metrics() *prometheus.Registry          { return s.registry }

// Engine is the gin engine serving /health and /metrics. Routes added before
// Start are served.
func (s *Service) Engine() *gin.Engine { return s.engine }

// Start connects to the broker, registers the instance in the catalog,
// starts every registered consumer and serves HTTP. It blocks until ctx ends,
// then deregisters and shuts everything down.
func (s *Service) Start(ctx context.Context) error {
	if err := s.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	listener, err := s.listen()
	if err != nil {
		_ = s.channel.Close()
		return err
	}
	server := &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": listener.Addr().String()})
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if err := s.startConsumers(ctx); err != nil {
		s.shutdown(server)
		return err
	}
	if err := s.register(ctx, listener.Addr()); err != nil {
		s.shutdown(server)
		return err
	}

	select {
	case <-ctx.Done():
		s.Logger.Info("Shutting down", loggingpkg.LogFields{"reason": context.Cause(ctx).Error()})
		s.shutdown(server)
		return nil
	case err := <-serveErr:
		s.shutdown(server)
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Service) listen() (net.Listener, error) {
	if s.listener != nil {
		return s.listener, nil
	}
	addr := net.JoinHostPort("", strconv.Itoa(s.Conf.HTTPPort))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return l, nil
}

func (s *Service) register(ctx context.Context, addr net.Addr) error {
	if s.Conf.DisableRegistration {
		return nil
	}
	reg := s.registration(addr)
	if err := s.backend.Register(ctx, reg); err != nil {
		return fmt.Errorf("register %s in catalog: %w", reg.ID, err)
	}
	s.registered = reg.ID
	s.Logger.Info("Registered in catalog", loggingpkg.LogFields{"service_id": reg.ID, "health_check": reg.HealthCheckURL})
	return nil
}

func (s *Service) registration(addr net.Addr) catalogpkg.Registration {
	port := s.Conf.HTTPPort
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	host := s.Conf.ServiceAddress
	if host == "" {
		host, _ = os.Hostname()
	}
	id := s.Conf.ServiceID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%d", s.Conf.ServiceName, host, port)
	}
	return catalogpkg.Registration{
		ID:                      id,
		Name:                    s.Conf.ServiceName,
		Address:                 host,
		Port:                    port,
		Tags:                    s.Conf.ServiceTags,
		HealthCheckURL:          fmt.Sprintf("http://%s/health", net.JoinHostPort(host, strconv.Itoa(port))),
		CheckInterval:           s.Conf.HealthCheckInterval,
		CheckTimeout:            s.Conf.HealthCheckTimeout,
		DeregisterCriticalAfter: s.Conf.DeregisterCriticalAfter,
	}
}

// shutdown runs with its own deadline because Start's context is already done.
func (s *Service) shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.registered != "" {
		if err := s.backend.Deregister(ctx, s.registered); err != nil {
			s.Logger.Error("Failed to deregister from catalog", err, loggingpkg.LogFields{"service_id": s.registered})
		} else {
			s.Logger.Info("Deregistered from catalog", loggingpkg.LogFields{"service_id": s.registered})
		}
		s.registered = ""
	}

	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.running = nil
	s.mu.Unlock()
	for _, c := range consumers {
		if err := c.Cancel(); err != nil {
			s.Logger.Error("Failed to cancel consumer", err, loggingpkg.LogFields{"queue": c.Queue()})
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		s.Logger.Error("HTTP shutdown failed", err, nil)
	}
	if err := s.channel.Close(); err != nil {
		s.Logger.Error("Failed to close transport", err, nil)
	}
}
