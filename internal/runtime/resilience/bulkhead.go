package resilience

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
)

// BulkheadSettings cap concurrent calls to one dependency.
type BulkheadSettings struct {
	MaxConcurrent int
	// MaxQueued callers may wait for a slot; the next one is rejected.
	MaxQueued int
}

func (s BulkheadSettings) withDefaults() BulkheadSettings {
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 10
	}
	if s.MaxQueued < 0 {
		s.MaxQueued = 0
	}
	return s
}

// Bulkhead limits in-flight calls and queues a bounded number of waiters.
type Bulkhead struct {
	name     string
	settings BulkheadSettings
	sem      *semaphore.Weighted
	metrics  *Metrics

	mu       sync.Mutex
	inFlight int
	queued   int
}

func NewBulkhead(name string, settings BulkheadSettings, metrics *Metrics) *Bulkhead {
	settings = settings.withDefaults()
	return &Bulkhead{
		name:     name,
		settings: settings,
		sem:      semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		metrics:  metrics,
	}
}

// Acquire takes a slot, waiting in the queue when every slot is busy. It
// fails with *errors.BulkheadRejectedError when the queue is full too, or
// with ctx's error when ctx ends while waiting. The returned release must
// be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	if b.sem.TryAcquire(1) {
		b.mu.Lock()
		b.inFlight++
		b.publishLocked()
		b.mu.Unlock()
		return b.releaser(), nil
	}

	b.mu.Lock()
	if b.queued >= b.settings.MaxQueued {
		b.mu.Unlock()
		b.metrics.recordRejected(b.name)
		return nil, &errspkg.BulkheadRejectedError{
			Name:          b.name,
			MaxConcurrent: b.settings.MaxConcurrent,
			MaxQueued:     b.settings.MaxQueued,
		}
	}
	b.queued++
	b.publishLocked()
	b.mu.Unlock()

	err := b.sem.Acquire(ctx, 1)

	b.mu.Lock()
	b.queued--
	if err == nil {
		b.inFlight++
	}
	b.publishLocked()
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return b.releaser(), nil
}

func (b *Bulkhead) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.inFlight--
			b.publishLocked()
			b.mu.Unlock()
			b.sem.Release(1)
		})
	}
}

func (b *Bulkhead) publishLocked() {
	b.metrics.setBulkhead(b.name, b.inFlight, b.queued)
}

// Stats reports the current number of running and waiting calls.
func (b *Bulkhead) Stats() (inFlight, queued int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight, b.queued
}

func (b *Bulkhead) Settings() BulkheadSettings { return b.settings }
