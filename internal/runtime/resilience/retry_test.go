package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
)

func TestRetryDelaySequence(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, p.Delays(7))
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 4 * time.Millisecond}
}

func TestRetrySucceedsEventually(t *testing.T) {
	var waits []time.Duration
	v, res, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", &errspkg.UpstreamError{StatusCode: 503}
		}
		return "done", nil
	}, func(attempt int, err error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.Exhausted)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	openErr := &errspkg.CircuitOpenError{Name: "svc", State: "OPEN"}
	_, res, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (int, error) {
		return 0, openErr
	}, nil)

	assert.Same(t, openErr, err)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Exhausted)
}

func TestRetryExhausts(t *testing.T) {
	upstream := &errspkg.UpstreamError{StatusCode: 500}
	_, res, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (int, error) {
		return 0, upstream
	}, nil)

	assert.Same(t, upstream, err)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, res.Exhausted)
}

func TestRetryCustomPredicate(t *testing.T) {
	p := fastPolicy(4)
	p.Retryable = func(err error) bool { return errors.Is(err, errBoom) }

	_, res, err := Retry(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		return 0, errBoom
	}, nil)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 4, res.Attempts)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 10, InitialDelay: time.Hour, BackoffFactor: 2, MaxDelay: time.Hour}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, res, err := Retry(ctx, p, func(ctx context.Context, attempt int) (int, error) {
		return 0, &errspkg.UpstreamError{StatusCode: 502}
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
}

func TestDefaultRetryable(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", fmt.Errorf("get: %w", refused), true},
		{"upstream 5xx", &errspkg.UpstreamError{StatusCode: 503}, true},
		{"catalog unavailable", &errspkg.DiscoveryError{Kind: errspkg.ErrCatalogUnavailable}, true},
		{"service not found", &errspkg.DiscoveryError{Kind: errspkg.ErrServiceNotFound}, false},
		{"no healthy instance", &errspkg.DiscoveryError{Kind: errspkg.ErrNoHealthyInstance}, false},
		{"circuit open", &errspkg.CircuitOpenError{}, false},
		{"timeout", &errspkg.TimeoutError{}, false},
		{"bulkhead", &errspkg.BulkheadRejectedError{}, false},
		{"cancelled", context.Canceled, false},
		{"plain", errBoom, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultRetryable(tc.err))
		})
	}
}
