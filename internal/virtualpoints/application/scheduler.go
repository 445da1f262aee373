package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointcalc/internal/expression"
	"pointcalc/internal/observability/metrics"
	valuesapp "pointcalc/internal/values/application"
	values "pointcalc/internal/values/domain"
	vp "pointcalc/internal/virtualpoints/domain"
	"pointcalc/internal/virtualpoints/graph"
)

const defaultMaxSamples = 4096

// ValueStore is the subset of the value store used by the scheduler.
type ValueStore interface {
	Get(key values.Key) (values.CurrentValue, error)
	Set(ctx context.Context, key values.Key, value any, quality values.Quality, ts time.Time, opts ...valuesapp.WriteOption) (bool, error)
	Samples(key values.Key, since time.Time) []values.Sample
	SetRetention(key values.Key, window time.Duration, maxSamples int)
}

// Evaluator runs formulas.
type Evaluator interface {
	Evaluate(ctx context.Context, req expression.Request) (expression.Result, error)
	Run(ctx context.Context, body string, bindings map[string]any, budget time.Duration) (any, error)
	Validate(body string, bindings map[string]any) error
}

// HistorySink receives execution records. Failures are logged and never
// affect the evaluation being described.
type HistorySink interface {
	Append(ctx context.Context, record vp.ExecutionRecord) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// WaveReport summarizes one scheduling wave.
type WaveReport struct {
	Trigger   string            `json:"trigger"`
	Evaluated []string          `json:"evaluated"`
	Failed    []string          `json:"failed,omitempty"`
	Stale     []string          `json:"stale,omitempty"`
	Skipped   map[string]string `json:"skipped,omitempty"`
}

func (r *WaveReport) skip(id, reason string) {
	if r.Skipped == nil {
		r.Skipped = make(map[string]string)
	}
	r.Skipped[id] = reason
	metrics.IncScheduleSkip(reason)
}

// Scheduler recomputes virtual points in dependency order.
type Scheduler struct {
	store      ValueStore
	evaluator  Evaluator
	history    HistorySink
	clock      Clock
	logger     *zap.Logger
	budget     time.Duration
	maxSamples int

	snapshot atomic.Pointer[graph.Snapshot]
	runtimes sync.Map
	version  atomic.Uint64
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHistorySink assigns an execution history sink.
func WithHistorySink(sink HistorySink) Option {
	return func(s *Scheduler) {
		s.history = sink
	}
}

// WithEvalBudget sets the time budget of every formula run.
func WithEvalBudget(budget time.Duration) Option {
	return func(s *Scheduler) {
		if budget > 0 {
			s.budget = budget
		}
	}
}

// WithMaxSamples bounds the sample buffer kept per aggregated input.
func WithMaxSamples(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxSamples = n
		}
	}
}

// NewScheduler constructs a scheduler with an empty configuration.
func NewScheduler(store ValueStore, evaluator Evaluator, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("virtual points: nil value store")
	}
	if evaluator == nil {
		return nil, errors.New("virtual points: nil evaluator")
	}
	s := &Scheduler{
		store:      store,
		evaluator:  evaluator,
		clock:      systemClock{},
		logger:     zap.NewNop(),
		maxSamples: defaultMaxSamples,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snapshot.Store(graph.Build(nil, nil))
	return s, nil
}

// Reload builds a new dependency graph and swaps it in atomically. Invalid
// points are excluded from scheduling; the reload itself never fails.
func (s *Scheduler) Reload(points []vp.VirtualPoint, catalog graph.Catalog) *graph.Snapshot {
	normalized := make([]vp.VirtualPoint, len(points))
	types := make(map[string]values.DataType, len(points))
	for i, p := range points {
		p.Inputs = append([]vp.Input(nil), p.Inputs...)
		p.Normalize()
		normalized[i] = p
		types[p.ID] = p.DataType
	}
	snap := graph.Build(normalized, catalog,
		graph.WithValidator(s.formulaValidator(catalog, types)),
		graph.WithVersion(s.version.Add(1)),
	)

	windows := make(map[values.Key]time.Duration)
	for _, p := range snap.Points() {
		if !snap.Valid(p.ID) {
			continue
		}
		for _, in := range p.Inputs {
			key, ok := in.SourceKey()
			if !ok || !in.Aggregated() {
				continue
			}
			if in.Window() > windows[key] {
				windows[key] = in.Window()
			}
		}
	}
	for key, window := range windows {
		s.store.SetRetention(key, window, s.maxSamples)
	}

	s.snapshot.Store(snap)
	s.runtimes.Range(func(key, _ any) bool {
		if _, ok := snap.Point(key.(string)); !ok {
			s.runtimes.Delete(key)
		}
		return true
	})

	invalid := snap.Invalid()
	for id, err := range invalid {
		s.logger.Warn("virtual point excluded from scheduling",
			zap.String("point", id),
			zap.Error(err))
	}
	metrics.SetInvalidPoints(len(invalid))
	s.logger.Info("virtual points loaded",
		zap.Uint64("version", snap.Version()),
		zap.Int("points", snap.Len()),
		zap.Int("invalid", len(invalid)))
	return snap
}

// typedCatalog is implemented by catalogs that know data point types.
type typedCatalog interface {
	DataType(id string) (values.DataType, bool)
}

// formulaValidator compiles every formula of a point against bindings typed
// like the ones it will receive at evaluation time.
func (s *Scheduler) formulaValidator(catalog graph.Catalog, types map[string]values.DataType) graph.Validator {
	typed, _ := catalog.(typedCatalog)
	return func(p vp.VirtualPoint) error {
		bindings := make(map[string]any, len(p.Inputs))
		for _, in := range p.Inputs {
			var sample any = 0.0
			switch in.Source {
			case vp.SourceConstant:
				sample = in.Constant
			case vp.SourceFormula:
				if err := s.evaluator.Validate(in.Formula, bindings); err != nil {
					return fmt.Errorf("input %s: %w", in.VariableName, err)
				}
			case vp.SourceVirtualPoint:
				if !in.Aggregated() {
					sample = types[in.RefID].Zero()
				}
			case vp.SourceDataPoint:
				if typed != nil && !in.Aggregated() {
					if dt, ok := typed.DataType(in.RefID); ok {
						sample = dt.Zero()
					}
				}
			}
			bindings[in.VariableName] = sample
		}
		return s.evaluator.Validate(p.Formula, bindings)
	}
}

// Snapshot returns the active dependency graph.
func (s *Scheduler) Snapshot() *graph.Snapshot {
	return s.snapshot.Load()
}

// HandleChange schedules the on-change dependents of a changed data point.
// Virtual point changes are ignored: every virtual point write belongs to the
// wave that planned it.
func (s *Scheduler) HandleChange(ctx context.Context, evt values.ChangeEvent) WaveReport {
	if evt.PointKind != values.KindDataPoint {
		return WaveReport{Trigger: string(vp.TriggerOnChange)}
	}
	snap := s.snapshot.Load()
	ids := snap.Dependents(values.DataPointKey(evt.PointID), followOnChange)
	return s.runWave(ctx, snap, string(vp.TriggerOnChange), ids, "")
}

// HandleTick evaluates a timer point and its on-change dependents.
func (s *Scheduler) HandleTick(ctx context.Context, id string) WaveReport {
	snap := s.snapshot.Load()
	report := WaveReport{Trigger: string(vp.TriggerTimer)}
	p, ok := snap.Point(id)
	if !ok || !snap.Valid(id) || p.Trigger != vp.TriggerTimer {
		return report
	}
	if !p.Enabled {
		report.skip(id, skipDisabled)
		return report
	}
	ids := append([]string{id}, snap.Dependents(p.Key(), followOnChange)...)
	return s.runWave(ctx, snap, string(vp.TriggerTimer), ids, "")
}

// Recompute forces evaluation of a point, bypassing its cache, followed by its
// on-change dependents.
func (s *Scheduler) Recompute(ctx context.Context, id string) (WaveReport, error) {
	snap := s.snapshot.Load()
	p, ok := snap.Point(id)
	if !ok {
		return WaveReport{}, vp.ErrNotFound
	}
	if err := snap.Err(id); err != nil {
		return WaveReport{}, err
	}
	if !p.Enabled {
		return WaveReport{}, vp.ErrDisabled
	}
	ids := append([]string{id}, snap.Dependents(p.Key(), followOnChange)...)
	return s.runWave(ctx, snap, string(vp.TriggerManual), ids, id), nil
}

// Value returns the last computed value of a point.
func (s *Scheduler) Value(id string) (vp.Value, error) {
	rt, err := s.existing(id)
	if err != nil {
		return vp.Value{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := rt.value
	out.Inputs = copySnapshots(rt.value.Inputs)
	return out, nil
}

// Stats returns the execution statistics of a point.
func (s *Scheduler) Stats(id string) (vp.Stats, error) {
	rt, err := s.existing(id)
	if err != nil {
		return vp.Stats{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats, nil
}

// State returns the scheduling state of a point.
func (s *Scheduler) State(id string) State {
	rt, err := s.existing(id)
	if err != nil {
		return StateIdle
	}
	return rt.load()
}

func (s *Scheduler) existing(id string) (*runtime, error) {
	if _, ok := s.snapshot.Load().Point(id); !ok {
		return nil, vp.ErrNotFound
	}
	return s.runtime(id), nil
}

func (s *Scheduler) runtime(id string) *runtime {
	value, _ := s.runtimes.LoadOrStore(id, newRuntime(id))
	return value.(*runtime)
}

func (s *Scheduler) runWave(ctx context.Context, snap *graph.Snapshot, trigger string, ids []string, forced string) WaveReport {
	report := WaveReport{Trigger: trigger}
	if len(ids) == 0 {
		return report
	}
	now := s.clock.Now()

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, reason := s.runtime(id).claim(now, id == forced)
		if !ok {
			report.skip(id, reason)
			continue
		}
		claimed = append(claimed, id)
	}

	stale := make(map[string]struct{})
	for _, id := range claimed {
		rt := s.runtime(id)
		if _, skip := stale[id]; skip {
			rt.release(s.clock.Now())
			report.skip(id, skipStale)
			continue
		}
		p, ok := snap.Point(id)
		if !ok || !rt.cas(StateScheduled, StateEvaluating) {
			rt.release(s.clock.Now())
			continue
		}
		err := s.evaluate(ctx, rt, p, trigger)
		if err == nil {
			report.Evaluated = append(report.Evaluated, id)
			continue
		}
		report.Failed = append(report.Failed, id)
		if p.ErrorPolicy != vp.ErrorPropagate {
			continue
		}
		for _, dep := range snap.Dependents(p.Key(), nil) {
			if _, done := stale[dep]; done {
				continue
			}
			stale[dep] = struct{}{}
			report.Stale = append(report.Stale, dep)
			s.markStale(ctx, dep, id)
		}
	}
	return report
}

func (s *Scheduler) evaluate(ctx context.Context, rt *runtime, p vp.VirtualPoint, trigger string) error {
	started := s.clock.Now()
	wall := time.Now()

	bindings, inputs, quality, err := s.resolveInputs(ctx, p, started)
	var result expression.Result
	if err == nil {
		result, err = s.evaluator.Evaluate(ctx, expression.Request{
			Body:       p.Formula,
			Bindings:   bindings,
			Budget:     s.budget,
			ResultType: p.DataType,
		})
	}
	elapsed := time.Since(wall)
	finished := s.clock.Now()

	record := vp.ExecutionRecord{
		ID:        uuid.NewString(),
		PointID:   p.ID,
		Trigger:   trigger,
		StartedAt: started,
		Duration:  elapsed,
		Success:   err == nil,
		Inputs:    inputs,
	}

	rt.mu.Lock()
	rt.stats.Record(finished, elapsed, err)
	cachedUntil := time.Time{}
	var out pendingWrite
	if err == nil {
		rt.value = vp.Value{
			PointID:      p.ID,
			Value:        result.Value,
			Quality:      quality,
			CalculatedAt: finished,
			Inputs:       inputs,
		}
		out = pendingWrite{value: result.Value, quality: quality, at: finished, ok: true}
		if cache := p.CacheDuration(); cache > 0 {
			cachedUntil = finished.Add(cache)
		}
		record.Result = result.Value
	} else {
		record.Error = err.Error()
		out = s.applyErrorPolicy(rt, p, err, inputs, finished)
	}
	rt.mu.Unlock()

	// Store subscribers run alarm scripts and repository writes; the point
	// stays Evaluating until the value is published but its lock is free.
	s.flush(ctx, p, out)
	rt.settle(cachedUntil)

	if err != nil {
		metrics.ObserveEvaluation(metrics.ResultError, elapsed)
		s.logger.Warn("virtual point evaluation failed",
			zap.String("point", p.ID),
			zap.String("trigger", trigger),
			zap.String("policy", string(p.ErrorPolicy)),
			zap.Error(err))
	} else {
		metrics.ObserveEvaluation(metrics.ResultSuccess, elapsed)
	}
	s.appendHistory(ctx, record)
	return err
}

// pendingWrite is a store write collected under rt.mu and applied after it
// is released.
type pendingWrite struct {
	value   any
	quality values.Quality
	at      time.Time
	ok      bool
}

// applyErrorPolicy must be called with rt.mu held. The returned write is
// flushed by the caller once the lock is released.
func (s *Scheduler) applyErrorPolicy(rt *runtime, p vp.VirtualPoint, cause error, inputs map[string]vp.InputSnapshot, at time.Time) pendingWrite {
	switch p.ErrorPolicy {
	case vp.ErrorKeepLast:
		rt.value.PointID = p.ID
		rt.value.LastError = cause.Error()
		return pendingWrite{}
	case vp.ErrorPropagate:
		rt.value = vp.Value{
			PointID:      p.ID,
			Value:        rt.value.Value,
			Quality:      values.QualityBad,
			CalculatedAt: at,
			LastError:    cause.Error(),
			Stale:        true,
			Inputs:       inputs,
		}
		return pendingWrite{value: rt.value.Value, quality: values.QualityBad, at: at, ok: true}
	default:
		rt.value = vp.Value{
			PointID:      p.ID,
			Quality:      values.QualityBad,
			CalculatedAt: at,
			LastError:    cause.Error(),
			Inputs:       inputs,
		}
		return pendingWrite{quality: values.QualityBad, at: at, ok: true}
	}
}

func (s *Scheduler) markStale(ctx context.Context, id, cause string) {
	p, ok := s.snapshot.Load().Point(id)
	if !ok {
		return
	}
	rt := s.runtime(id)
	now := s.clock.Now()
	rt.mu.Lock()
	rt.value.PointID = id
	rt.value.Quality = values.QualityUncertain
	rt.value.Stale = true
	rt.value.LastError = fmt.Errorf("%w: %s failed", vp.ErrStaleDependency, cause).Error()
	rt.value.CalculatedAt = now
	out := pendingWrite{value: rt.value.Value, quality: values.QualityUncertain, at: now, ok: true}
	rt.mu.Unlock()
	s.flush(ctx, p, out)
}

func (s *Scheduler) flush(ctx context.Context, p vp.VirtualPoint, w pendingWrite) {
	if !w.ok {
		return
	}
	if _, err := s.store.Set(ctx, p.Key(), w.value, w.quality, w.at); err != nil {
		s.logger.Error("virtual point value write failed",
			zap.String("point", p.ID),
			zap.Error(err))
	}
}

func (s *Scheduler) resolveInputs(ctx context.Context, p vp.VirtualPoint, now time.Time) (map[string]any, map[string]vp.InputSnapshot, values.Quality, error) {
	bindings := make(map[string]any, len(p.Inputs))
	inputs := make(map[string]vp.InputSnapshot, len(p.Inputs))
	quality := values.QualityGood

	for _, in := range p.Inputs {
		var snap vp.InputSnapshot
		switch in.Source {
		case vp.SourceConstant:
			snap = vp.InputSnapshot{Value: in.Constant, Quality: values.QualityGood}
		case vp.SourceFormula:
			scope := make(map[string]any, len(bindings))
			for k, v := range bindings {
				scope[k] = v
			}
			v, err := s.evaluator.Run(ctx, in.Formula, scope, s.budget)
			if err != nil {
				return bindings, inputs, values.QualityBad, fmt.Errorf("input %s: %w", in.VariableName, err)
			}
			snap = vp.InputSnapshot{Value: v, Quality: values.QualityGood, Timestamp: now}
		default:
			key, _ := in.SourceKey()
			if in.Aggregated() {
				samples := s.store.Samples(key, now.Add(-in.Window()))
				v, q, err := aggregate(samples, in.Aggregation)
				if err != nil {
					return bindings, inputs, values.QualityBad, fmt.Errorf("input %s (%s): %w", in.VariableName, key, err)
				}
				snap = vp.InputSnapshot{Value: v, Quality: q, Timestamp: now}
				break
			}
			cur, err := s.store.Get(key)
			if err != nil {
				if errors.Is(err, values.ErrNotFound) {
					err = vp.ErrMissingInput
				}
				return bindings, inputs, values.QualityBad, fmt.Errorf("input %s (%s): %w", in.VariableName, key, err)
			}
			snap = vp.InputSnapshot{Value: cur.Value, Quality: cur.Quality, Timestamp: cur.Timestamp}
		}
		if !snap.Quality.IsGood() {
			quality = values.QualityUncertain
		}
		bindings[in.VariableName] = snap.Value
		inputs[in.VariableName] = snap
	}
	return bindings, inputs, quality, nil
}

func (s *Scheduler) appendHistory(ctx context.Context, record vp.ExecutionRecord) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(ctx, record); err != nil {
		metrics.IncHistoryFailure()
		s.logger.Warn("execution history append failed",
			zap.String("point", record.PointID),
			zap.Error(err))
	}
}

func followOnChange(p vp.VirtualPoint) bool {
	return p.Enabled && p.Trigger == vp.TriggerOnChange
}

func copySnapshots(in map[string]vp.InputSnapshot) map[string]vp.InputSnapshot {
	if in == nil {
		return nil
	}
	out := make(map[string]vp.InputSnapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
