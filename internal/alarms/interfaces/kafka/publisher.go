package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	alarms "pointcalc/internal/alarms/domain"
	"pointcalc/internal/observability/metrics"
)

const (
	defaultQueueSize    = 1024
	defaultBatchSize    = 100
	defaultWriteTimeout = 5 * time.Second

	headerEventType = "event-type"
)

// Writer is the subset of *kafka.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a writer for brokers and topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Publisher forwards occurrence events to Kafka keyed by rule id, so every
// event of one rule lands on one partition in order.
type Publisher struct {
	writer       Writer
	queue        chan kafka.Message
	batchSize    int
	writeTimeout time.Duration
	logger       *zap.Logger
	dropped      atomic.Uint64
	published    atomic.Uint64
}

// Option customizes the publisher.
type Option func(*Publisher)

// WithQueueSize bounds the pending message queue.
func WithQueueSize(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.queue = make(chan kafka.Message, size)
		}
	}
}

// WithBatchSize bounds messages per write.
func WithBatchSize(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

// WithWriteTimeout bounds one write call.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		if timeout > 0 {
			p.writeTimeout = timeout
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher constructs a publisher. Run must be started to drain the queue.
func NewPublisher(writer Writer, opts ...Option) (*Publisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher: nil writer")
	}
	p := &Publisher{
		writer:       writer,
		queue:        make(chan kafka.Message, defaultQueueSize),
		batchSize:    defaultBatchSize,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Notify enqueues an event. A full queue drops the event.
func (p *Publisher) Notify(_ context.Context, event alarms.Event) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("encode alarm event", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:     []byte(event.Occurrence.RuleID),
		Value:   payload,
		Time:    event.Occurrence.UpdatedAt,
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(event.Type)}},
	}
	select {
	case p.queue <- msg:
		metrics.SetQueueDepth("kafka", len(p.queue))
	default:
		p.dropped.Add(1)
		p.logger.Warn("kafka queue full, event dropped",
			zap.String("event", event.Type),
			zap.String("occurrence", event.Occurrence.ID))
	}
}

// Run drains the queue in batches until ctx is done, then flushes what is
// left and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return p.writer.Close()
		case msg := <-p.queue:
			p.write(context.Background(), p.collect(msg))
		}
	}
}

// Dropped returns the number of events discarded on a full queue.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Published returns the number of messages written.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

func (p *Publisher) collect(first kafka.Message) []kafka.Message {
	batch := []kafka.Message{first}
	for len(batch) < p.batchSize {
		select {
		case msg := <-p.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) flush() {
	for {
		select {
		case msg := <-p.queue:
			p.write(context.Background(), p.collect(msg))
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, batch []kafka.Message) {
	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	metrics.SetQueueDepth("kafka", len(p.queue))
	if err := p.writer.WriteMessages(writeCtx, batch...); err != nil {
		p.logger.Warn("kafka write failed", zap.Int("messages", len(batch)), zap.Error(err))
		return
	}
	p.published.Add(uint64(len(batch)))
}
