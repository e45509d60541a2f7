package deadletter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordReceived(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordReceived("orders", "rejected", 1)
	m.RecordReceived("orders", "expired", 3)

	qm := m.Queue("orders")
	require.NotNil(t, qm)
	assert.Equal(t, uint64(2), qm.Received)
	assert.Equal(t, 2.0, qm.AvgAttemptCount) // (1+3)/2
	assert.False(t, qm.LastUpdatedAt.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receivedTotal.WithLabelValues("orders", "expired")))
}

func TestMetrics_Outcomes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordRetried("orders")
	m.RecordRetried("orders")
	m.RecordAbandoned("orders", "max_attempts")
	m.RecordHandlerError("orders")
	m.SetDepth("orders", 4)

	qm := m.Queue("orders")
	require.NotNil(t, qm)
	assert.Equal(t, uint64(2), qm.Retried)
	assert.Equal(t, uint64(1), qm.Abandoned)
	assert.Equal(t, uint64(1), qm.HandlerErrors)
	assert.Equal(t, uint64(4), qm.Depth)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.depth.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abandonedTotal.WithLabelValues("orders", "max_attempts")))
}

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordReceived("orders", "rejected", 1)
	m.RecordReceived("payments", "rejected", 1)
	m.RecordRetried("orders")
	m.RecordAbandoned("payments", "not_retried")

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.TotalReceived)
	assert.Equal(t, uint64(1), snap.TotalRetried)
	assert.Equal(t, uint64(1), snap.TotalAbandoned)
	assert.Len(t, snap.Queues, 2)

	snap.Queues["orders"].Retried = 99
	assert.Equal(t, uint64(1), m.Queue("orders").Retried, "snapshot holds copies")
}

func TestMetrics_RegisterTwiceAndReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewMetrics(reg).Register())
	require.NoError(t, NewMetrics(reg).Register(), "already registered collectors are tolerated")

	m := NewMetrics(reg)
	m.RecordRetried("orders")
	m.Reset()
	assert.Nil(t, m.Queue("orders"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordReceived("orders", "rejected", 1)
	m.RecordRetried("orders")
	m.RecordAbandoned("orders", "max_attempts")
	m.RecordHandlerError("orders")
	m.SetDepth("orders", 1)
}
