package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	values "pointcalc/internal/values/domain"
)

const (
	defaultKeyPrefix = "pointcalc:value:"
	defaultChannel   = "pointcalc.values.changed"
	defaultQueueSize = 1024
)

// Mirror copies value changes into Redis hashes and publishes them on a channel
// for downstream consumers. It never blocks the writer: changes that do not fit
// into the queue are dropped and logged.
type Mirror struct {
	client    *redis.Client
	keyPrefix string
	channel   string
	ttl       time.Duration
	queue     chan values.ChangeEvent
	logger    *zap.Logger
}

// Option configures the mirror.
type Option func(*Mirror)

// WithKeyPrefix overrides the hash key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(m *Mirror) {
		if prefix != "" {
			m.keyPrefix = prefix
		}
	}
}

// WithChannel overrides the publish channel.
func WithChannel(channel string) Option {
	return func(m *Mirror) {
		if channel != "" {
			m.channel = channel
		}
	}
}

// WithTTL expires mirrored hashes that stop receiving updates.
func WithTTL(ttl time.Duration) Option {
	return func(m *Mirror) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithQueueSize sets the async buffer size.
func WithQueueSize(size int) Option {
	return func(m *Mirror) {
		if size > 0 {
			m.queue = make(chan values.ChangeEvent, size)
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMirror constructs a Redis mirror.
func NewMirror(client *redis.Client, opts ...Option) (*Mirror, error) {
	if client == nil {
		return nil, errors.New("value mirror: nil redis client")
	}
	m := &Mirror{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		channel:   defaultChannel,
		queue:     make(chan values.ChangeEvent, defaultQueueSize),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Notify enqueues a change; it is meant to be registered as a store subscriber.
func (m *Mirror) Notify(_ context.Context, evt values.ChangeEvent) {
	if m == nil {
		return
	}
	select {
	case m.queue <- evt:
	default:
		m.logger.Warn("value mirror queue full, dropping change", zap.String("point", evt.Key.String()))
	}
}

// Run drains the queue until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	if m == nil {
		return errors.New("value mirror: nil")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-m.queue:
			if err := m.Write(ctx, evt); err != nil {
				m.logger.Warn("value mirror write failed", zap.String("point", evt.Key.String()), zap.Error(err))
			}
		}
	}
}

// Write stores the change in a hash and publishes it.
func (m *Mirror) Write(ctx context.Context, evt values.ChangeEvent) error {
	if m == nil {
		return errors.New("value mirror: nil")
	}
	encodedValue, err := json.Marshal(evt.Value)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := m.keyFor(evt.Key)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"value":     string(encodedValue),
		"quality":   string(evt.Quality),
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	pipe.Publish(ctx, m.channel, payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *Mirror) keyFor(key values.Key) string {
	return m.keyPrefix + string(key.Kind) + ":" + key.ID
}
