package kafka

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is done and its offset may be
// committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	log     *zap.Logger
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, log: log}
}

// Start fetches until ctx is done. Messages with the same key go to the same
// worker, so per-key order is kept. Offsets are committed per partition only
// up to the last message whose predecessors were all handled: a failed
// message holds back its partition's commits and is redelivered after a
// restart or rebalance.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	track := newOffsets()
	jobs := make([]chan *inflight, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan *inflight, 64)
		wg.Add(1)
		go func(in <-chan *inflight) {
			defer wg.Done()
			for job := range in {
				if c.handle(ctx, h, job.m) {
					c.commit(ctx, track, job)
				}
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case jobs[c.slot(m.Key)] <- track.add(m):
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

var tracer = otel.Tracer("github.com/ariefcatur/marketplace-orders/internal/kafka")

func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{&m})
	msgCtx, span := tracer.Start(msgCtx, "kafka.consume "+m.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		))
	defer span.End()

	if err := h(msgCtx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.log.Error("event_handle_failed", zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		return false
	}
	return true
}

func (c *Consumer) commit(ctx context.Context, track *offsets, job *inflight) {
	track.mu.Lock()
	defer track.mu.Unlock()
	upTo, ok := track.doneLocked(job)
	if !ok {
		return
	}
	if err := c.r.CommitMessages(ctx, upTo); err != nil && ctx.Err() == nil {
		c.log.Warn("event_commit_failed", zap.String("topic", upTo.Topic),
			zap.Int("partition", upTo.Partition), zap.Int64("offset", upTo.Offset), zap.Error(err))
	}
}

type partitionKey struct {
	topic     string
	partition int
}

type inflight struct {
	m    kafka.Message
	done bool
}

// offsets keeps fetched messages per partition in fetch order until they can
// be committed. Commits happen under mu, so a partition's offset never moves
// backwards.
type offsets struct {
	mu      sync.Mutex
	pending map[partitionKey][]*inflight
}

func newOffsets() *offsets {
	return &offsets{pending: make(map[partitionKey][]*inflight)}
}

func (o *offsets) add(m kafka.Message) *inflight {
	job := &inflight{m: m}
	k := partitionKey{m.Topic, m.Partition}
	o.mu.Lock()
	o.pending[k] = append(o.pending[k], job)
	o.mu.Unlock()
	return job
}

// doneLocked marks job handled and pops the handled prefix of its partition,
// returning the last message of that prefix. Caller holds mu.
func (o *offsets) doneLocked(job *inflight) (kafka.Message, bool) {
	job.done = true
	k := partitionKey{job.m.Topic, job.m.Partition}
	q := o.pending[k]
	n := 0
	for n < len(q) && q[n].done {
		n++
	}
	if n == 0 {
		return kafka.Message{}, false
	}
	last := q[n-1].m
	if n == len(q) {
		delete(o.pending, k)
	} else {
		o.pending[k] = q[n:]
	}
	return last, true
}

func (c *Consumer) slot(key []byte) int {
	if c.workers == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(c.workers))
}
