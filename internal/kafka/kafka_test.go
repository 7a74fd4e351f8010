package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	failOn string
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range msgs {
		if string(m.Key) == w.failOn {
			return errors.New("broker unavailable")
		}
		w.msgs = append(w.msgs, m)
	}
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func envelope(t *testing.T, eventType string, payload any) orders.Envelope {
	t.Helper()
	env, err := orders.NewEnvelope(eventType, "test", "corr-1", payload)
	require.NoError(t, err)
	return env
}

func TestProducerFlushesOnClose(t *testing.T) {
	w := &fakeWriter{failOn: "bad"}
	p := newProducer(w, 8, zap.NewNop())
	p.Start()
	ctx := context.Background()

	env := envelope(t, orders.EventOrderPlaced, orders.OrderPlacedPayload{OrderID: "o-1", UserID: "u-1"})
	require.NoError(t, p.Publish(ctx, orders.TopicOrderPlaced, orders.PartitionKey("o-1"), env))
	require.NoError(t, p.Publish(ctx, orders.TopicOrderPlaced, []byte("bad"), env))
	require.NoError(t, p.Publish(ctx, orders.TopicCatalogProductEvent, orders.PartitionKey("p-1"),
		envelope(t, orders.EventProductChanged, orders.ProductChangedPayload{ProductID: "p-1"})))

	p.Close()
	p.Close()
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.WaitClosed(waitCtx))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.closed)
	require.Len(t, w.msgs, 2, "a failed write is logged and the loop continues")
	assert.Equal(t, orders.TopicOrderPlaced, w.msgs[0].Topic)
	assert.Equal(t, orders.TopicCatalogProductEvent, w.msgs[1].Topic)
	assert.Equal(t, orders.EventOrderPlaced, Header(w.msgs[0], HeaderEventType))
	assert.Equal(t, "1", Header(w.msgs[0], HeaderEventVersion))

	got, err := DecodeEnvelope(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	payload, err := UnwrapPayload[orders.OrderPlacedPayload](got.Payload)
	require.NoError(t, err)
	assert.Equal(t, "o-1", payload.OrderID)
}

func TestPublishAfterClose(t *testing.T) {
	p := newProducer(&fakeWriter{}, 1, nil)
	p.Start()
	p.Close()
	err := p.Publish(context.Background(), orders.TopicOrderPlaced, nil, orders.Envelope{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublishHonoursContextWhenQueueFull(t *testing.T) {
	p := newProducer(&fakeWriter{}, 1, nil) // not started: nothing drains
	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, "t", nil, orders.Envelope{}))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, "t", nil, orders.Envelope{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope(kafka.Message{Value: []byte("{not json")})
	assert.Error(t, err)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestConsumerCommitsOnlyHandledMessages(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Key: []byte("a")},
		{Offset: 2, Key: []byte("fail")},
		{Offset: 3, Key: []byte("a")},
	}}
	c := newConsumer(r, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu   sync.Mutex
		seen []int64
	)
	handled := make(chan struct{}, 3)
	h := func(_ context.Context, m kafka.Message) error {
		defer func() { handled <- struct{}{} }()
		if string(m.Key) == "fail" {
			return errors.New("boom")
		}
		mu.Lock()
		seen = append(seen, m.Offset)
		mu.Unlock()
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx, h) }()
	for range 3 {
		<-handled
	}
	cancel()
	require.NoError(t, <-errc)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.True(t, r.closed)
	assert.Equal(t, []int64{1}, r.committed, "the failure at offset 2 holds back offset 3")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 3}, seen, "same key keeps its order")
}

func TestOffsetsCommitContiguousPrefix(t *testing.T) {
	o := newOffsets()
	p0 := []*inflight{
		o.add(kafka.Message{Topic: "order.placed", Partition: 0, Offset: 10}),
		o.add(kafka.Message{Topic: "order.placed", Partition: 0, Offset: 11}),
		o.add(kafka.Message{Topic: "order.placed", Partition: 0, Offset: 12}),
	}
	p1 := o.add(kafka.Message{Topic: "order.placed", Partition: 1, Offset: 4})

	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.doneLocked(p0[1])
	assert.False(t, ok, "offset 10 is still in flight")

	m, ok := o.doneLocked(p1)
	require.True(t, ok, "partitions are independent")
	assert.Equal(t, int64(4), m.Offset)

	m, ok = o.doneLocked(p0[0])
	require.True(t, ok)
	assert.Equal(t, int64(11), m.Offset)

	m, ok = o.doneLocked(p0[2])
	require.True(t, ok)
	assert.Equal(t, int64(12), m.Offset)
	assert.Empty(t, o.pending)
}

func TestHeaderCarrierRoundTripsTraceContext(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c},
		SpanID:     trace.SpanID{0x01, 0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	m := kafka.Message{Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte("order.placed")}}}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, headerCarrier{&m})
	prop.Inject(ctx, headerCarrier{&m})

	require.Len(t, m.Headers, 2, "injecting twice replaces the header")
	assert.ElementsMatch(t, []string{HeaderEventType, "traceparent"}, headerCarrier{&m}.Keys())

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), headerCarrier{&m}))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}
