// Package resilience guards outbound calls with a per-dependency circuit
// breaker, bounded retries with exponential backoff, a bulkhead and a
// per-attempt timeout.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/logging"
)

// State is the state of one circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (s State) gaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// BreakerSettings tune every breaker a registry creates.
type BreakerSettings struct {
	// FailureRate in (0, 1] trips the circuit once reached.
	FailureRate float64
	// MinimumRequests is the sample size required before FailureRate is
	// considered.
	MinimumRequests uint32
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
	// Window clears the closed-state counters periodically. Zero keeps them
	// until the next transition.
	Window time.Duration
	// IsFailure decides which errors count against the circuit. Defaults to
	// every error except caller cancellation.
	IsFailure func(error) bool
}

// DefaultBreakerSettings returns the defaults used when a field is zero.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureRate:     0.5,
		MinimumRequests: 5,
		ResetTimeout:    30 * time.Second,
		Window:          time.Minute,
	}
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	d := DefaultBreakerSettings()
	if s.FailureRate <= 0 || s.FailureRate > 1 {
		s.FailureRate = d.FailureRate
	}
	if s.MinimumRequests == 0 {
		s.MinimumRequests = d.MinimumRequests
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	if s.IsFailure == nil {
		s.IsFailure = defaultIsFailure
	}
	return s
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// StateChange describes one transition.
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// StateListener observes transitions. Listeners run while the breaker holds
// its lock and must not call back into it.
type StateListener func(StateChange)

// CircuitBreaker gates calls to one dependency.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker builds a standalone breaker. onChange may be nil.
func NewCircuitBreaker(name string, settings BreakerSettings, onChange StateListener) *CircuitBreaker {
	settings = settings.withDefaults()
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    settings.Window,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinimumRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRate
		},
		IsSuccessful: func(err error) bool {
			return !settings.IsFailure(err)
		},
	}
	if onChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(StateChange{Name: name, From: fromGobreaker(from), To: fromGobreaker(to), At: time.Now()})
		}
	}
	return &CircuitBreaker{name: name, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *CircuitBreaker) Name() string { return b.name }

// State reports the current state. An open circuit whose reset timeout has
// elapsed reports HALF_OPEN.
func (b *CircuitBreaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Counts returns the outcome counters of the current window.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Execute runs fn unless the circuit rejects the call, in which case it
// returns a *errors.CircuitOpenError without invoking fn.
func (b *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, &errspkg.CircuitOpenError{Name: b.name, State: string(StateOpen)}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, &errspkg.CircuitOpenError{Name: b.name, State: string(StateHalfOpen)}
	}
	return result, err
}

// Execute is the typed form of CircuitBreaker.Execute.
func Execute[T any](b *CircuitBreaker, fn func() (T, error)) (T, error) {
	result, err := b.Execute(func() (any, error) {
		return fn()
	})
	typed, _ := result.(T)
	return typed, err
}

// BreakerRegistry lazily creates one breaker per dependency name.
type BreakerRegistry struct {
	settings BreakerSettings
	logger   logging.ServiceLogger
	metrics  *Metrics

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []StateListener
}

func NewBreakerRegistry(settings BreakerSettings, logger logging.ServiceLogger, metrics *Metrics) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings.withDefaults(),
		logger:   logging.OrNop(logger).With(logging.LogFields{"component": "circuit_breaker"}),
		metrics:  metrics,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange adds a listener for transitions of every breaker.
func (r *BreakerRegistry) OnStateChange(listener StateListener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Get returns the breaker for name, creating it in CLOSED state.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewCircuitBreaker(name, r.settings, r.notify)
	r.breakers[name] = b
	r.metrics.recordBreaker(name, StateClosed)
	return b
}

func (r *BreakerRegistry) notify(change StateChange) {
	fields := logging.LogFields{"dependency": change.Name, "from": string(change.From), "to": string(change.To)}
	if change.To == StateOpen {
		r.logger.Warn("Circuit opened", fields)
	} else {
		r.logger.Info("Circuit state changed", fields)
	}
	r.metrics.recordTransition(change.Name, change.From, change.To)

	r.mu.RLock()
	listeners := append([]StateListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(change)
	}
}

// States snapshots the state of every known breaker.
func (r *BreakerRegistry) States() map[string]State {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	states := make(map[string]State, len(breakers))
	for _, b := range breakers {
		states[b.name] = b.State()
	}
	return states
}

// Names returns the sorted dependency names seen so far.
func (r *BreakerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
