package resilience

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes breaker, bulkhead and call statistics. A nil *Metrics
// records nothing.
type Metrics struct {
	mu sync.Mutex

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	bulkheadInFlight   *prometheus.GaugeVec
	bulkheadQueued     *prometheus.GaugeVec
	bulkheadRejected   *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newResilienceCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshflow",
			Subsystem: "resilience",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newResilienceGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshflow",
			Subsystem: "resilience",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. They are registered on registerer by
// Register; a nil registerer uses the Prometheus default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:         registerer,
		breakerState:       newResilienceGaugeVec("breaker_state", "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)", []string{"dependency"}),
		breakerTransitions: newResilienceCounterVec("breaker_transitions_total", "Circuit breaker state transitions", []string{"dependency", "from", "to"}),
		bulkheadInFlight:   newResilienceGaugeVec("bulkhead_in_flight", "Calls currently holding a bulkhead slot", []string{"dependency"}),
		bulkheadQueued:     newResilienceGaugeVec("bulkhead_queued", "Calls waiting for a bulkhead slot", []string{"dependency"}),
		bulkheadRejected:   newResilienceCounterVec("bulkhead_rejected_total", "Calls rejected by a full bulkhead", []string{"dependency"}),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "meshflow",
				Subsystem: "resilience",
				Name:      "call_duration_seconds",
				Help:      "Duration of resilient calls including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"dependency", "outcome"},
		),
		retries:   newResilienceCounterVec("retries_total", "Retried call attempts", []string{"dependency"}),
		fallbacks: newResilienceCounterVec("fallbacks_total", "Calls answered by a fallback", []string{"dependency"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.breakerState,
		m.breakerTransitions,
		m.bulkheadInFlight,
		m.bulkheadQueued,
		m.bulkheadRejected,
		m.callDuration,
		m.retries,
		m.fallbacks,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) recordTransition(name string, from, to State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(to.gaugeValue())
	m.breakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()
}

func (m *Metrics) recordBreaker(name string, state State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state.gaugeValue())
}

func (m *Metrics) setBulkhead(name string, inFlight, queued int) {
	if m == nil {
		return
	}
	m.bulkheadInFlight.WithLabelValues(name).Set(float64(inFlight))
	m.bulkheadQueued.WithLabelValues(name).Set(float64(queued))
}

func (m *Metrics) recordRejected(name string) {
	if m == nil {
		return
	}
	m.bulkheadRejected.WithLabelValues(name).Inc()
}

func (m *Metrics) recordCall(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(name, outcome).Observe(d.Seconds())
}

func (m *Metrics) recordRetry(name string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(name).Inc()
}

func (m *Metrics) recordFallback(name string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(name).Inc()
}
