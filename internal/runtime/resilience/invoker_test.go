package resilience

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/metadata"
)

type fakeResolver struct {
	mu            sync.Mutex
	addr          string
	err           error
	resolves      int
	invalidations []string
}

func resolverFor(t *testing.T, srv *httptest.Server) *fakeResolver {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &fakeResolver{addr: u.Host}
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.err != nil {
		return "", f.err
	}
	return f.addr, nil
}

func (f *fakeResolver) Invalidate(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations = append(f.invalidations, names...)
}

func (f *fakeResolver) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidations...)
}

func fastConfig() InvokerConfig {
	return InvokerConfig{
		Breaker: BreakerSettings{FailureRate: 0.5, MinimumRequests: 2, ResetTimeout: time.Minute},
		Retry:   RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 2 * time.Millisecond},
		Timeout: time.Second,
	}
}

func newTestInvoker(t *testing.T, resolver Resolver, cfg InvokerConfig, opts ...InvokerOption) *Invoker {
	t.Helper()
	inv, err := NewInvoker(resolver, cfg, opts...)
	require.NoError(t, err)
	return inv
}

func TestNewInvokerRequiresResolver(t *testing.T) {
	_, err := NewInvoker(nil, InvokerConfig{})
	assert.ErrorIs(t, err, errspkg.ErrCatalogRequired)
}

func TestCallForwardsRequest(t *testing.T) {
	var got struct {
		method, path, query, header, correlation, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.Query().Get("page")
		got.header = r.Header.Get("X-Tenant")
		got.correlation = r.Header.Get(metadata.HeaderCorrelationID)
		got.body = string(body)
		w.Header().Set("X-Served-By", "users-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"u-1"}`))
	}))
	defer srv.Close()

	inv := newTestInvoker(t, resolverFor(t, srv), fastConfig())
	ctx := metadata.WithCorrelationID(context.Background(), "corr-7")

	resp, err := inv.Call(ctx, "users", Request{
		Method: http.MethodPost,
		Path:   "/users",
		Header: http.Header{"X-Tenant": {"acme"}},
		Query:  url.Values{"page": {"2"}},
		Body:   []byte(`{"name":"ada"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":"u-1"}`, string(resp.Body))
	assert.Equal(t, "users-1", resp.Header.Get("X-Served-By"))
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/users", got.path)
	assert.Equal(t, "2", got.query)
	assert.Equal(t, "acme", got.header)
	assert.Equal(t, "corr-7", got.correlation)
	assert.Equal(t, `{"name":"ada"}`, got.body)
}

func TestCallClientErrorsAreNotFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	inv := newTestInvoker(t, resolverFor(t, srv), fastConfig())
	for range 3 {
		resp, err := inv.Call(context.Background(), "users", Request{Path: "/missing"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, StateClosed, inv.Breakers().Get("users").State())
}

func TestCallRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := fastConfig()
	cfg.Breaker.MinimumRequests = 10
	inv := newTestInvoker(t, resolverFor(t, srv), cfg, WithMetrics(metrics))

	resp, err := inv.Call(context.Background(), "users", Request{Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.retries.WithLabelValues("users")))
}

func TestCallTimeoutCancelsRequestAndCountsAsFailure(t *testing.T) {
	cancelled := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			cancelled <- struct{}{}
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.Retry.MaxAttempts = 1
	inv := newTestInvoker(t, resolverFor(t, srv), cfg)

	_, err := inv.Call(context.Background(), "slow", Request{Path: "/"})
	var timeout *errspkg.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "slow", timeout.Service)
	assert.Equal(t, 30*time.Millisecond, timeout.Timeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight request was not cancelled")
	}
	assert.Equal(t, uint32(1), inv.Breakers().Get("slow").Counts().TotalFailures)
}

func TestCallTimeoutIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.Breaker.MinimumRequests = 10
	inv := newTestInvoker(t, resolverFor(t, srv), cfg)

	_, err := inv.Call(context.Background(), "slow", Request{Path: "/"})
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCallOpensCircuit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	inv := newTestInvoker(t, resolverFor(t, srv), cfg)

	for range 2 {
		_, err := inv.Call(context.Background(), "orders", Request{Path: "/"})
		assert.ErrorIs(t, err, errspkg.ErrUpstream)
	}
	assert.Equal(t, StateOpen, inv.Breakers().Get("orders").State())

	_, err := inv.Call(context.Background(), "orders", Request{Path: "/"})
	assert.ErrorIs(t, err, errspkg.ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load(), "open circuit short-circuits the call")
}

func fallbackRecorder(calls *[]error) Fallback {
	return func(ctx context.Context, service string, err error) (*Response, error) {
		*calls = append(*calls, err)
		return &Response{StatusCode: http.StatusOK, Body: []byte("cached")}, nil
	}
}

func TestFallbackAfterRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Breaker.MinimumRequests = 10
	inv := newTestInvoker(t, resolverFor(t, srv), cfg)

	var calls []error
	resp, err := inv.Call(context.Background(), "catalog", Request{Path: "/"}, WithFallback(fallbackRecorder(&calls)))
	require.NoError(t, err)
	assert.Equal(t, "cached", string(resp.Body))
	assert.Equal(t, int32(3), hits.Load())
	require.Len(t, calls, 1)
	assert.ErrorIs(t, calls[0], errspkg.ErrUpstream)
}

func TestFallbackWhenCircuitOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	inv := newTestInvoker(t, resolverFor(t, srv), cfg)
	for range 2 {
		_, _ = inv.Call(context.Background(), "catalog", Request{Path: "/"})
	}

	var calls []error
	resp, err := inv.Call(context.Background(), "catalog", Request{Path: "/"}, WithFallback(fallbackRecorder(&calls)))
	require.NoError(t, err)
	assert.Equal(t, "cached", string(resp.Body))
	require.Len(t, calls, 1)
	assert.ErrorIs(t, calls[0], errspkg.ErrCircuitOpen)
}

func TestFallbackSkippedWhenAttemptsRemain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Breaker.MinimumRequests = 10
	inv := newTestInvoker(t, resolverFor(t, srv), cfg)

	var calls []error
	_, err := inv.Call(context.Background(), "catalog", Request{Path: "/"},
		WithRetryable(func(error) bool { return false }),
		WithFallback(fallbackRecorder(&calls)),
	)
	assert.ErrorIs(t, err, errspkg.ErrUpstream)
	assert.Empty(t, calls)
}

func TestCallRejectedByBulkhead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Bulkhead = BulkheadSettings{MaxConcurrent: 1}
	inv := newTestInvoker(t, resolverFor(t, srv), cfg)

	done := make(chan error, 1)
	go func() {
		_, err := inv.Call(context.Background(), "reports", Request{Path: "/"})
		done <- err
	}()
	require.Eventually(t, func() bool {
		inFlight, _ := inv.Bulkhead("reports").Stats()
		return inFlight == 1
	}, time.Second, time.Millisecond)

	_, err := inv.Call(context.Background(), "reports", Request{Path: "/"})
	assert.ErrorIs(t, err, errspkg.ErrBulkheadRejected)

	close(release)
	assert.NoError(t, <-done)
}

func TestDependencyIsolatesBulkheads(t *testing.T) {
	inv := newTestInvoker(t, &fakeResolver{addr: "127.0.0.1:1"}, fastConfig())
	assert.NotSame(t, inv.Bulkhead("reports"), inv.Bulkhead("reports.export"))
	assert.Same(t, inv.Bulkhead("reports"), inv.Bulkhead("reports"))
}

func TestConnectionRefusedInvalidatesCache(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	resolver := resolverFor(t, srv)
	srv.Close()

	cfg := fastConfig()
	cfg.Breaker.MinimumRequests = 10
	inv := newTestInvoker(t, resolver, cfg)

	_, err := inv.Call(context.Background(), "users", Request{Path: "/"})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, []string{"users", "users", "users"}, resolver.invalidated())
	assert.Equal(t, 3, resolver.resolves, "every attempt resolves again")
}

func TestDiscoveryErrorsAreReturned(t *testing.T) {
	resolver := &fakeResolver{err: &errspkg.DiscoveryError{Service: "ghost", Kind: errspkg.ErrServiceNotFound}}
	inv := newTestInvoker(t, resolver, fastConfig())

	_, err := inv.Call(context.Background(), "ghost", Request{Path: "/"})
	assert.ErrorIs(t, err, errspkg.ErrServiceNotFound)
	assert.Equal(t, 1, resolver.resolves)
	assert.Zero(t, inv.Breakers().Get("ghost").Counts().Requests, "discovery runs outside the breaker")
}

func TestCallRequiresServiceName(t *testing.T) {
	inv := newTestInvoker(t, &fakeResolver{}, fastConfig())
	_, err := inv.Call(context.Background(), "", Request{})
	assert.ErrorIs(t, err, errspkg.ErrServiceNameRequired)
}

func TestCallerCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	inv := newTestInvoker(t, resolverFor(t, srv), fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := inv.Call(ctx, "users", Request{Path: "/"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errspkg.ErrTimeout)
	assert.True(t, strings.Contains(err.Error(), "deadline") || strings.Contains(err.Error(), "canceled"))
}
