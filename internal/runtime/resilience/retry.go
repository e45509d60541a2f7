package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
)

// RetryPolicy bounds the retry loop. The wait before attempt n+1 is
// min(InitialDelay * BackoffFactor^(n-1), MaxDelay).
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. 1 disables retries.
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// Retryable decides whether a failed attempt is tried again. Defaults
	// to DefaultRetryable.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
		Retryable:     DefaultRetryable,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.BackoffFactor,
		MaxInterval:         p.MaxDelay,
	}
}

// Delays lists the waits between the first n+1 attempts.
func (p RetryPolicy) Delays(n int) []time.Duration {
	p = p.withDefaults()
	b := p.backOff()
	b.Reset()
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}

// DefaultRetryable retries transport failures, an unreachable catalog and
// 5xx answers. Open circuits, timeouts, bulkhead rejections, unknown
// services and caller cancellation are final.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, errspkg.ErrCircuitOpen),
		errors.Is(err, errspkg.ErrTimeout),
		errors.Is(err, errspkg.ErrBulkheadRejected),
		errors.Is(err, errspkg.ErrServiceNotFound),
		errors.Is(err, errspkg.ErrNoHealthyInstance):
		return false
	case errors.Is(err, errspkg.ErrCatalogUnavailable),
		errors.Is(err, errspkg.ErrUpstream):
		return true
	}
	return IsTransportError(err)
}

// IsTransportError reports network-level failures such as refused or reset
// connections.
func IsTransportError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// Attempt is called once per try with the 1-based attempt number.
type Attempt[T any] func(ctx context.Context, attempt int) (T, error)

// RetryResult reports how the loop ended.
type RetryResult struct {
	Attempts int
	// Exhausted is true when the last attempt failed with a retryable error
	// and no attempts were left.
	Exhausted bool
}

// Retry runs op until it succeeds, fails with a non-retryable error, the
// policy runs out of attempts or ctx ends. onRetry, when set, is called
// before each wait.
func Retry[T any](ctx context.Context, p RetryPolicy, op Attempt[T], onRetry func(attempt int, err error, wait time.Duration)) (T, RetryResult, error) {
	p = p.withDefaults()
	var res RetryResult

	value, err := backoff.Retry(ctx, func() (T, error) {
		res.Attempts++
		v, err := op(ctx, res.Attempts)
		if err == nil {
			return v, nil
		}
		if !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		if res.Attempts >= p.MaxAttempts {
			res.Exhausted = true
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if onRetry != nil {
				onRetry(res.Attempts, err, wait)
			}
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return value, res, err
}
