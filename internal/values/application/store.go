package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pointcalc/internal/observability/metrics"
	values "pointcalc/internal/values/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type entry struct {
	mu         sync.RWMutex
	current    values.CurrentValue
	written    bool
	seq        uint64
	reads      atomic.Uint64
	history    []values.Sample
	retention  time.Duration
	maxSamples int

	// publishes leave in write order: seq is taken under mu, published
	// advances under pubMu once subscribers have returned.
	pubMu     sync.Mutex
	pubCond   *sync.Cond
	published uint64
}

func newEntry() *entry {
	e := &entry{}
	e.pubCond = sync.NewCond(&e.pubMu)
	return e
}

// Store is the authoritative table of current point values.
type Store struct {
	entries sync.Map

	subMu       sync.RWMutex
	subscribers []values.Subscriber

	dropped atomic.Uint64
	clock   Clock
	logger  *zap.Logger
}

// StoreOption customizes the store.
type StoreOption func(*Store)

// WithClock assigns a clock used for zero timestamps.
func WithClock(clock Clock) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...StoreOption) *Store {
	store := &Store{
		clock:  systemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// WriteOption customizes a single write.
type WriteOption func(*writeParams)

type writeParams struct {
	raw    any
	hasRaw bool
}

// WithRawValue records the unscaled value delivered by acquisition.
func WithRawValue(raw any) WriteOption {
	return func(p *writeParams) {
		p.raw = raw
		p.hasRaw = true
	}
}

// Subscribe registers a change subscriber.
func (s *Store) Subscribe(sub values.Subscriber) {
	if s == nil || sub == nil {
		return
	}
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.subMu.Unlock()
}

// Get returns the current value of a point.
func (s *Store) Get(key values.Key) (values.CurrentValue, error) {
	if s == nil {
		return values.CurrentValue{}, errors.New("values: nil store")
	}
	e := s.lookup(key)
	if e == nil {
		return values.CurrentValue{}, values.ErrNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.written {
		return values.CurrentValue{}, values.ErrNotFound
	}
	cur := e.current
	cur.ReadCount = e.reads.Add(1)
	return cur, nil
}

// Set writes a value. Writes older than the stored timestamp are dropped and
// reported as not applied without an error.
func (s *Store) Set(ctx context.Context, key values.Key, value any, quality values.Quality, ts time.Time, opts ...WriteOption) (bool, error) {
	if s == nil {
		return false, errors.New("values: nil store")
	}
	if err := key.Validate(); err != nil {
		return false, err
	}
	if !quality.Valid() {
		return false, errors.New("values: invalid quality")
	}
	params := writeParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	ts = ts.UTC()

	e := s.loadOrCreate(key)
	e.mu.Lock()
	if e.written && ts.Before(e.current.Timestamp) {
		e.mu.Unlock()
		s.dropped.Add(1)
		metrics.IncValueDrop(string(key.Kind))
		s.logger.Debug("dropped out-of-order write",
			zap.String("point", key.String()),
			zap.Time("ts", ts),
			zap.Time("stored_ts", e.current.Timestamp))
		return false, nil
	}
	cur := e.current
	cur.Key = key
	cur.Value = value
	cur.RawValue = value
	if params.hasRaw {
		cur.RawValue = params.raw
	}
	if !e.written || cur.Quality != quality {
		cur.QualityTimestamp = ts
	}
	cur.Quality = quality
	cur.Timestamp = ts
	cur.WriteCount++
	if quality == values.QualityBad || quality == values.QualityNotConnected {
		cur.ErrorCount++
	}
	e.current = cur
	e.written = true
	e.seq++
	seq := e.seq
	e.appendSample(values.Sample{Value: value, Quality: quality, At: ts})
	e.mu.Unlock()

	metrics.IncValueWrite(string(key.Kind))
	e.awaitTurn(seq)
	defer e.markPublished(seq)
	s.publish(ctx, values.ChangeEvent{
		Key:       key,
		PointKind: key.Kind,
		PointID:   key.ID,
		Value:     value,
		Quality:   quality,
		Timestamp: ts,
		Origin:    originOf(key),
	})
	return true, nil
}

// Dropped returns the number of writes rejected for non-monotonic timestamps.
func (s *Store) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// SetRetention configures the sample history kept for a point. A non-positive
// window disables history for the point.
func (s *Store) SetRetention(key values.Key, window time.Duration, maxSamples int) {
	if s == nil || key.Validate() != nil {
		return
	}
	e := s.loadOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if window <= 0 {
		e.retention = 0
		e.maxSamples = 0
		e.history = nil
		return
	}
	e.retention = window
	e.maxSamples = maxSamples
	e.trim(e.current.Timestamp)
}

// Samples returns historical samples taken at or after since, oldest first.
func (s *Store) Samples(key values.Key, since time.Time) []values.Sample {
	e := s.lookup(key)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]values.Sample, 0, len(e.history))
	for _, sample := range e.history {
		if sample.At.Before(since) {
			continue
		}
		out = append(out, sample)
	}
	return out
}

func (s *Store) lookup(key values.Key) *entry {
	if s == nil {
		return nil
	}
	value, ok := s.entries.Load(key)
	if !ok {
		return nil
	}
	return value.(*entry)
}

func (s *Store) loadOrCreate(key values.Key) *entry {
	if value, ok := s.entries.Load(key); ok {
		return value.(*entry)
	}
	value, _ := s.entries.LoadOrStore(key, newEntry())
	return value.(*entry)
}

func (s *Store) publish(ctx context.Context, evt values.ChangeEvent) {
	s.subMu.RLock()
	subs := append([]values.Subscriber(nil), s.subscribers...)
	s.subMu.RUnlock()
	for _, sub := range subs {
		sub(ctx, evt)
	}
}

// awaitTurn blocks until every earlier write of the point has been
// published. Subscribers must not write the point they are notified about.
func (e *entry) awaitTurn(seq uint64) {
	e.pubMu.Lock()
	for e.published != seq-1 {
		e.pubCond.Wait()
	}
	e.pubMu.Unlock()
}

func (e *entry) markPublished(seq uint64) {
	e.pubMu.Lock()
	e.published = seq
	e.pubCond.Broadcast()
	e.pubMu.Unlock()
}

func (e *entry) appendSample(sample values.Sample) {
	if e.retention <= 0 {
		return
	}
	e.history = append(e.history, sample)
	e.trim(sample.At)
}

func (e *entry) trim(now time.Time) {
	if len(e.history) == 0 {
		return
	}
	cutoff := now.Add(-e.retention)
	drop := 0
	for drop < len(e.history) && e.history[drop].At.Before(cutoff) {
		drop++
	}
	if e.maxSamples > 0 && len(e.history)-drop > e.maxSamples {
		drop = len(e.history) - e.maxSamples
	}
	if drop > 0 {
		e.history = append(e.history[:0], e.history[drop:]...)
	}
}

func originOf(key values.Key) values.Origin {
	if key.Kind == values.KindVirtualPoint {
		return values.OriginScheduler
	}
	return values.OriginAcquisition
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
