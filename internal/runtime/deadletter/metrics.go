package deadletter

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dead-letter recovery per original queue.
type Metrics struct {
	mu sync.RWMutex

	queues map[string]*QueueMetrics

	receivedTotal  *prometheus.CounterVec
	retriedTotal   *prometheus.CounterVec
	abandonedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	depth          *prometheus.GaugeVec
	attemptHist    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// QueueMetrics holds the counters of one queue's dead letters.
type QueueMetrics struct {
	Received        uint64    `json:"received"`
	Retried         uint64    `json:"retried"`
	Abandoned       uint64    `json:"abandoned"`
	HandlerErrors   uint64    `json:"handler_errors"`
	Depth           uint64    `json:"depth"`
	AvgAttemptCount float64   `json:"avg_attempt_count"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// Snapshot is a point-in-time view of every queue.
type Snapshot struct {
	TotalReceived  uint64                   `json:"total_received"`
	TotalRetried   uint64                   `json:"total_retried"`
	TotalAbandoned uint64                   `json:"total_abandoned"`
	Queues         map[string]*QueueMetrics `json:"queues"`
	CollectedAt    time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshflow",
			Subsystem: "deadletter",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshflow",
			Subsystem: "deadletter",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshflow",
			Subsystem: "deadletter",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		queues:         make(map[string]*QueueMetrics),
		registerer:     registerer,
		receivedTotal:  newCounterVec("received_total", "Dead letters picked up for recovery", []string{"queue", "reason"}),
		retriedTotal:   newCounterVec("retried_total", "Dead letters republished to their original queue", []string{"queue"}),
		abandonedTotal: newCounterVec("abandoned_total", "Dead letters permanently abandoned", []string{"queue", "cause"}),
		failedTotal:    newCounterVec("handler_errors_total", "Recovery handler failures", []string{"queue"}),
		depth:          newGaugeVec("depth", "Messages waiting in the dead-letter queue", []string{"queue"}),
		attemptHist:    newHistogramVec("attempt_count", "Attempt count of dead letters when picked up", []float64{1, 2, 3, 5, 10, 20}, []string{"queue"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.receivedTotal,
		m.retriedTotal,
		m.abandonedTotal,
		m.failedTotal,
		m.depth,
		m.attemptHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordReceived records a dead letter entering recovery.
func (m *Metrics) RecordReceived(queue, reason string, attempt int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.queueLocked(queue)
	qm.Received++
	qm.LastUpdatedAt = time.Now()
	total := qm.Received
	qm.AvgAttemptCount = ((qm.AvgAttemptCount * float64(total-1)) + float64(attempt)) / float64(total)

	m.receivedTotal.WithLabelValues(queue, reason).Inc()
	m.attemptHist.WithLabelValues(queue).Observe(float64(attempt))
}

func (m *Metrics) RecordRetried(queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.queueLocked(queue)
	qm.Retried++
	qm.LastUpdatedAt = time.Now()
	m.retriedTotal.WithLabelValues(queue).Inc()
}

// RecordAbandoned counts a dead letter given up on. cause is "max_attempts"
// or "not_retried".
func (m *Metrics) RecordAbandoned(queue, cause string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.queueLocked(queue)
	qm.Abandoned++
	qm.LastUpdatedAt = time.Now()
	m.abandonedTotal.WithLabelValues(queue, cause).Inc()
}

func (m *Metrics) RecordHandlerError(queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.queueLocked(queue)
	qm.HandlerErrors++
	qm.LastUpdatedAt = time.Now()
	m.failedTotal.WithLabelValues(queue).Inc()
}

// SetDepth syncs the depth gauge with the broker.
func (m *Metrics) SetDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qm := m.queueLocked(queue)
	qm.Depth = uint64(max(depth, 0))
	qm.LastUpdatedAt = time.Now()
	m.depth.WithLabelValues(queue).Set(float64(qm.Depth))
}

// Snapshot returns copies of every queue's metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		Queues:      make(map[string]*QueueMetrics, len(m.queues)),
		CollectedAt: time.Now(),
	}
	for queue, qm := range m.queues {
		copied := *qm
		snapshot.Queues[queue] = &copied
		snapshot.TotalReceived += qm.Received
		snapshot.TotalRetried += qm.Retried
		snapshot.TotalAbandoned += qm.Abandoned
	}
	return snapshot
}

// Queue returns a copy of queue's metrics, or nil if nothing was recorded.
func (m *Metrics) Queue(queue string) *QueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if qm, ok := m.queues[queue]; ok {
		copied := *qm
		return &copied
	}
	return nil
}

func (m *Metrics) queueLocked(queue string) *QueueMetrics {
	if qm, ok := m.queues[queue]; ok {
		return qm
	}
	qm := &QueueMetrics{}
	m.queues[queue] = qm
	return qm
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*QueueMetrics)
	m.receivedTotal.Reset()
	m.retriedTotal.Reset()
	m.abandonedTotal.Reset()
	m.failedTotal.Reset()
	m.depth.Reset()
	m.attemptHist.Reset()
}
