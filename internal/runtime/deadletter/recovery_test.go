package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/meshflow/internal/runtime/metadata"
	"github.com/drblury/meshflow/internal/runtime/tasks"
	"github.com/drblury/meshflow/transport"
	"github.com/drblury/meshflow/transport/memory"
)

func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	broker := memory.New(nil)
	require.NoError(t, broker.Connect(context.Background()))
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func newRecovery(t *testing.T, ch transport.Channel, maxAttempts int, logger logging.ServiceLogger) (*Recovery, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, metrics.Register())
	r, err := NewRecovery(ch, Config{MaxAttempts: maxAttempts, ErrorBackoff: 5 * time.Millisecond}, logger, metrics)
	require.NoError(t, err)
	return r, metrics
}

// declareOrders creates "orders" with its dead-letter pair and parks msg in
// the dead-letter queue.
func declareOrders(t *testing.T, broker *memory.Broker, msgs ...*message.Message) {
	t.Helper()
	_, err := broker.DeclareDeadLetterQueue(context.Background(), "orders", transport.QueueOptions{Durable: true})
	require.NoError(t, err)
	for _, msg := range msgs {
		require.NoError(t, broker.Send(context.Background(), "orders.dead-letter", msg, transport.PublishOptions{}))
	}
}

func TestNewRecoveryValidation(t *testing.T) {
	_, err := NewRecovery(nil, Config{MaxAttempts: 1}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrChannelRequired)

	_, err = NewRecovery(newBroker(t), Config{}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrMaxAttemptsRequired)

	r, err := NewRecovery(newBroker(t), Config{MaxAttempts: 3}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.MaxAttempts())

	_, err = r.ProcessDeadLetters(context.Background(), "", RetryAll)
	assert.ErrorIs(t, err, errspkg.ErrQueueRequired)
	_, err = r.ProcessDeadLetters(context.Background(), "orders", nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestFailingTaskIsRetriedThenAbandoned(t *testing.T) {
	broker := newBroker(t)
	capture := watermill.NewCaptureLogger()
	logger := logging.NewWatermillServiceLogger(capture)

	queue, err := tasks.NewQueue(broker, tasks.Config{}, logger)
	require.NoError(t, err)

	var mu sync.Mutex
	var processed, recovered []int
	require.NoError(t, queue.RegisterProcessor("report.build", func(ctx context.Context, data json.RawMessage, tc tasks.TaskContext) error {
		mu.Lock()
		processed = append(processed, tc.Attempt)
		mu.Unlock()
		return errors.New("renderer crashed")
	}))
	consumer, err := queue.StartProcessing(context.Background(), tasks.ProcessOptions{})
	require.NoError(t, err)
	defer consumer.Cancel()

	recovery, metrics := newRecovery(t, broker, 2, logger)
	dlConsumer, err := recovery.ProcessDeadLetters(context.Background(), queue.Name(), func(ctx context.Context, msg *message.Message, dc *Context) error {
		mu.Lock()
		recovered = append(recovered, dc.AttemptCount)
		mu.Unlock()
		assert.Equal(t, queue.Name(), dc.OriginalQueue)
		assert.Equal(t, "rejected", dc.Reason)
		return dc.Retry(ctx)
	})
	require.NoError(t, err)
	defer dlConsumer.Cancel()

	_, err = queue.Publish(context.Background(), "report.build", map[string]string{"id": "r-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		qm := metrics.Queue(queue.Name())
		return qm != nil && qm.Abandoned == 1
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, processed)
	assert.Equal(t, []int{1, 2}, recovered)
	mu.Unlock()

	qm := metrics.Queue(queue.Name())
	assert.Equal(t, uint64(3), qm.Received)
	assert.Equal(t, uint64(2), qm.Retried)
	assert.True(t, capture.HasError(errspkg.ErrMaxAttemptsExceeded), "abandonment is logged")

	depth, err := broker.QueueDepth(context.Background(), queue.DeadLetterQueue())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRetryStripsDeathHeaders(t *testing.T) {
	broker := newBroker(t)
	dead := message.NewMessage("m-1", []byte(`{"n":1}`))
	dead.Metadata.Set(metadatapkg.HeaderOriginalQueue, "orders")
	dead.Metadata.Set(metadatapkg.HeaderDeathReason, "expired")
	dead.Metadata.Set(metadatapkg.HeaderDeathCount, "1")
	dead.Metadata.Set(metadatapkg.HeaderAttemptCount, "2")
	dead.Metadata.Set(metadatapkg.HeaderCorrelationID, "corr-1")
	declareOrders(t, broker, dead)

	recovery, _ := newRecovery(t, broker, 5, nil)
	seen := make(chan *Context, 1)
	c, err := recovery.ProcessDeadLetters(context.Background(), "orders", func(ctx context.Context, msg *message.Message, dc *Context) error {
		assert.Equal(t, "corr-1", metadatapkg.CorrelationIDFromContext(ctx))
		assert.NoError(t, dc.Retry(ctx))
		assert.NoError(t, dc.Retry(ctx), "second retry is a no-op")
		seen <- dc
		return nil
	})
	require.NoError(t, err)
	defer c.Cancel()

	dc := <-seen
	assert.Equal(t, "orders", dc.OriginalQueue)
	assert.Equal(t, "expired", dc.Reason)
	assert.Equal(t, 2, dc.AttemptCount)
	assert.Equal(t, "orders.dead-letter", dc.DeadLetterQueue)

	require.Eventually(t, func() bool { return len(broker.Peek("orders")) == 1 }, time.Second, 5*time.Millisecond)
	retried := broker.Peek("orders")[0]
	assert.Equal(t, "m-1", retried.UUID)
	assert.Equal(t, "3", retried.Metadata.Get(metadatapkg.HeaderAttemptCount))
	assert.Equal(t, "corr-1", retried.Metadata.Get(metadatapkg.HeaderCorrelationID))
	assert.Empty(t, retried.Metadata.Get(metadatapkg.HeaderOriginalQueue))
	assert.Empty(t, retried.Metadata.Get(metadatapkg.HeaderDeathReason))
	assert.Empty(t, retried.Metadata.Get(metadatapkg.HeaderDeathCount))
}

type sendRecorder struct {
	transport.Channel
	mu   sync.Mutex
	sent []transport.PublishOptions
}

func (r *sendRecorder) Send(ctx context.Context, queue string, msg *message.Message, opts transport.PublishOptions) error {
	r.mu.Lock()
	r.sent = append(r.sent, opts)
	r.mu.Unlock()
	return r.Channel.Send(ctx, queue, msg, opts)
}

func (r *sendRecorder) options() []transport.PublishOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.PublishOptions(nil), r.sent...)
}

func TestRetryKeepsPriority(t *testing.T) {
	broker := newBroker(t)
	dead := message.NewMessage("m-1", []byte(`{}`))
	dead.Metadata.Set(metadatapkg.HeaderOriginalQueue, "orders")
	dead.Metadata.Set(metadatapkg.HeaderAttemptCount, "1")
	dead.Metadata.Set(metadatapkg.HeaderPriority, "7")
	declareOrders(t, broker, dead)

	recorder := &sendRecorder{Channel: broker}
	recovery, _ := newRecovery(t, recorder, 3, nil)
	c, err := recovery.ProcessDeadLetters(context.Background(), "orders", RetryAll)
	require.NoError(t, err)
	defer c.Cancel()

	require.Eventually(t, func() bool { return len(recorder.options()) == 1 }, time.Second, 5*time.Millisecond)
	opts := recorder.options()[0]
	assert.Equal(t, uint8(7), opts.Priority)
	assert.True(t, opts.Persistent)

	require.Eventually(t, func() bool { return len(broker.Peek("orders")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "7", broker.Peek("orders")[0].Metadata.Get(metadatapkg.HeaderPriority))
}

func TestNotRetryingAbandonsMessage(t *testing.T) {
	broker := newBroker(t)
	declareOrders(t, broker, message.NewMessage("m-1", []byte(`{}`)))

	capture := watermill.NewCaptureLogger()
	recovery, metrics := newRecovery(t, broker, 3, logging.NewWatermillServiceLogger(capture))
	c, err := recovery.ProcessDeadLetters(context.Background(), "orders", func(ctx context.Context, msg *message.Message, dc *Context) error {
		assert.Equal(t, "orders", dc.OriginalQueue, "falls back to the recovered queue")
		assert.Equal(t, 1, dc.AttemptCount)
		return nil
	})
	require.NoError(t, err)
	defer c.Cancel()

	require.Eventually(t, func() bool {
		qm := metrics.Queue("orders")
		return qm != nil && qm.Abandoned == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, broker.Peek("orders"))
	assert.Empty(t, broker.Peek("orders.dead-letter"))

	found := false
	for _, msg := range capture.Captured()[watermill.InfoLogLevel] {
		if msg.Msg == "Dead letter abandoned by handler" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHandlerErrorKeepsMessageDeadLettered(t *testing.T) {
	broker := newBroker(t)
	declareOrders(t, broker, message.NewMessage("m-1", []byte(`{}`)))

	recovery, metrics := newRecovery(t, broker, 3, nil)
	var calls atomic.Int32
	c, err := recovery.ProcessDeadLetters(context.Background(), "orders", func(ctx context.Context, msg *message.Message, dc *Context) error {
		if calls.Add(1) == 1 {
			return errors.New("inspection store down")
		}
		assert.Equal(t, 1, dc.AttemptCount, "a failed handler does not consume an attempt")
		return dc.Retry(ctx)
	})
	require.NoError(t, err)
	defer c.Cancel()

	require.Eventually(t, func() bool { return len(broker.Peek("orders")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	qm := metrics.Queue("orders")
	assert.Equal(t, uint64(1), qm.HandlerErrors)
	assert.Equal(t, uint64(1), qm.Retried)
}

func TestMaxAttemptsSkipsHandler(t *testing.T) {
	broker := newBroker(t)
	dead := message.NewMessage("m-1", []byte(`{}`))
	dead.Metadata.Set(metadatapkg.HeaderAttemptCount, "4")
	declareOrders(t, broker, dead)

	recovery, metrics := newRecovery(t, broker, 3, nil)
	var called atomic.Bool
	c, err := recovery.ProcessDeadLetters(context.Background(), "orders", func(ctx context.Context, msg *message.Message, dc *Context) error {
		called.Store(true)
		return nil
	})
	require.NoError(t, err)
	defer c.Cancel()

	require.Eventually(t, func() bool {
		qm := metrics.Queue("orders")
		return qm != nil && qm.Abandoned == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, called.Load())
}

func TestMonitorDepth(t *testing.T) {
	broker := newBroker(t)
	declareOrders(t, broker, message.NewMessage("m-1", []byte(`{}`)), message.NewMessage("m-2", []byte(`{}`)))

	recovery, metrics := newRecovery(t, broker, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		recovery.MonitorDepth(ctx, 5*time.Millisecond, "orders", "missing")
		close(done)
	}()

	require.Eventually(t, func() bool {
		qm := metrics.Queue("orders")
		return qm != nil && qm.Depth == 2
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, metrics.Queue("missing"))

	cancel()
	<-done
}
