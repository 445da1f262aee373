package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	alarmapp "pointcalc/internal/alarms/application"
	alarms "pointcalc/internal/alarms/domain"
	"pointcalc/internal/observability/metrics"
	valuesapp "pointcalc/internal/values/application"
	values "pointcalc/internal/values/domain"
	vpapp "pointcalc/internal/virtualpoints/application"
	vp "pointcalc/internal/virtualpoints/domain"
	"pointcalc/internal/virtualpoints/graph"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 4096
	defaultAlarmTick = time.Second

	queueChanges = "changes"
	queueTicks   = "ticks"
	skipQueue    = "queue_full"
)

// ErrStopped is returned when a write arrives after Run has returned.
var ErrStopped = errors.New("engine: stopped")

// Purger deletes rows older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

type purgeJob struct {
	name      string
	purger    Purger
	retention time.Duration
	spec      string
}

type background struct {
	name string
	run  func(ctx context.Context) error
}

// Engine wires the value store, the scheduler and the alarm engine to a
// worker pool. Data point changes are queued for the workers; virtual point
// changes are handed to the alarm engine inline by the writing goroutine.
type Engine struct {
	store     *valuesapp.Store
	scheduler *vpapp.Scheduler
	alarms    *alarmapp.Engine
	timers    *vpapp.Timers
	cron      *cron.Cron
	logger    *zap.Logger

	workers   int
	queueSize int
	alarmTick time.Duration
	purges    []purgeJob
	runners   []background

	changes chan values.ChangeEvent
	ticks   chan string
	stopped chan struct{}
	stop    sync.Once

	reloadMu sync.Mutex
	runCtx   context.Context
}

// Option customizes the engine.
type Option func(*Engine)

// WithWorkers sets the worker count.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize bounds the change and tick queues.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithAlarmTick sets the alarm tick period.
func WithAlarmTick(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.alarmTick = d
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPurge schedules a retention purge on a cron spec.
func WithPurge(name string, purger Purger, retention time.Duration, spec string) Option {
	return func(e *Engine) {
		if purger != nil && retention > 0 && spec != "" {
			e.purges = append(e.purges, purgeJob{name: name, purger: purger, retention: retention, spec: spec})
		}
	}
}

// WithBackground runs fn for the lifetime of Run.
func WithBackground(name string, fn func(ctx context.Context) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.runners = append(e.runners, background{name: name, run: fn})
		}
	}
}

// New constructs an engine and subscribes it to the store.
func New(store *valuesapp.Store, scheduler *vpapp.Scheduler, alarmEngine *alarmapp.Engine, opts ...Option) (*Engine, error) {
	if store == nil || scheduler == nil || alarmEngine == nil {
		return nil, errors.New("engine: store, scheduler and alarm engine are required")
	}
	e := &Engine{
		store:     store,
		scheduler: scheduler,
		alarms:    alarmEngine,
		cron:      cron.New(),
		logger:    zap.NewNop(),
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		alarmTick: defaultAlarmTick,
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.changes = make(chan values.ChangeEvent, e.queueSize)
	e.ticks = make(chan string, e.queueSize)
	e.timers = vpapp.NewTimers(e.cron, e.enqueueTick, e.logger)
	store.Subscribe(e.onChange)
	return e, nil
}

// ReloadReport lists the entities a reload left out.
type ReloadReport struct {
	GraphVersion  uint64            `json:"graph_version"`
	Points        int               `json:"points"`
	InvalidPoints map[string]string `json:"invalid_points,omitempty"`
	Order         []string          `json:"order"`
	Rules         int               `json:"rules"`
	InvalidRules  map[string]string `json:"invalid_rules,omitempty"`
	Timers        int               `json:"timers"`
}

// Reload swaps every definition atomically per component. Invalid entities
// are disabled; the reload itself never fails. An empty data point list
// accepts every data point reference.
func (e *Engine) Reload(dataPoints []vp.DataPoint, points []vp.VirtualPoint, rules []alarms.AlarmRule) ReloadReport {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	var catalog graph.Catalog
	if len(dataPoints) > 0 {
		catalog = vp.NewDataPointSet(dataPoints)
	}
	snap := e.scheduler.Reload(points, catalog)
	e.timers.Sync(snap)
	invalidRules := e.alarms.Reload(rules)

	report := ReloadReport{
		GraphVersion:  snap.Version(),
		Points:        snap.Len(),
		InvalidPoints: errorStrings(snap.Invalid()),
		Order:         snap.Order(),
		Rules:         len(rules) - len(invalidRules),
		InvalidRules:  errorStrings(invalidRules),
		Timers:        e.timers.Len(),
	}
	e.logger.Info("definitions reloaded",
		zap.Uint64("graph_version", report.GraphVersion),
		zap.Int("points", report.Points),
		zap.Int("invalid_points", len(report.InvalidPoints)),
		zap.Int("rules", report.Rules),
		zap.Int("invalid_rules", len(report.InvalidRules)),
		zap.Int("timers", report.Timers))
	e.logger.Debug("evaluation order", zap.Strings("order", report.Order))
	return report
}

// Run restores alarm state, starts the cron jobs, the workers and every
// background runner, and blocks until ctx is done or a runner fails.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stop.Do(func() { close(e.stopped) })
	if err := e.alarms.Restore(ctx); err != nil {
		return err
	}
	e.runCtx = ctx
	if _, err := e.cron.AddFunc("@every "+e.alarmTick.String(), e.tickAlarms); err != nil {
		return err
	}
	for _, job := range e.purges {
		job := job
		if _, err := e.cron.AddFunc(job.spec, func() { e.purge(job) }); err != nil {
			return err
		}
	}
	e.cron.Start()
	defer func() { <-e.cron.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			e.work(gctx)
			return nil
		})
	}
	for _, r := range e.runners {
		r := r
		g.Go(func() error {
			if err := r.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("background runner failed", zap.String("runner", r.name), zap.Error(err))
				return err
			}
			return nil
		})
	}
	e.logger.Info("engine started", zap.Int("workers", e.workers), zap.Int("runners", len(e.runners)))
	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// PublishValue writes an acquired data point value. valuesapp.WithRawValue
// records the unscaled reading next to it.
func (e *Engine) PublishValue(ctx context.Context, id string, value any, quality values.Quality, ts time.Time, opts ...valuesapp.WriteOption) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	_, err := e.store.Set(ctx, values.DataPointKey(id), value, quality, ts, opts...)
	return err
}

// Recompute forces evaluation of a virtual point and its on-change dependents.
func (e *Engine) Recompute(ctx context.Context, id string) (vpapp.WaveReport, error) {
	return e.scheduler.Recompute(ctx, id)
}

// Acknowledge acknowledges an alarm occurrence.
func (e *Engine) Acknowledge(ctx context.Context, id, by, comment string) (alarms.Occurrence, error) {
	return e.alarms.Acknowledge(ctx, id, by, comment)
}

// Clear clears an alarm occurrence.
func (e *Engine) Clear(ctx context.Context, id, by, comment string) (alarms.Occurrence, error) {
	return e.alarms.Clear(ctx, id, by, comment)
}

// Store returns the value store.
func (e *Engine) Store() *valuesapp.Store { return e.store }

// Scheduler returns the virtual point scheduler.
func (e *Engine) Scheduler() *vpapp.Scheduler { return e.scheduler }

// Alarms returns the alarm engine.
func (e *Engine) Alarms() *alarmapp.Engine { return e.alarms }

func (e *Engine) onChange(ctx context.Context, evt values.ChangeEvent) {
	if evt.PointKind == values.KindVirtualPoint {
		e.alarms.HandleChange(ctx, evt)
		return
	}
	select {
	case e.changes <- evt:
		metrics.SetQueueDepth(queueChanges, len(e.changes))
	case <-ctx.Done():
		e.logger.Warn("change dropped, caller cancelled", zap.String("point", evt.Key.String()))
	case <-e.stopped:
	}
}

func (e *Engine) enqueueTick(id string) {
	select {
	case e.ticks <- id:
		metrics.SetQueueDepth(queueTicks, len(e.ticks))
	default:
		metrics.IncScheduleSkip(skipQueue)
		e.logger.Warn("timer tick dropped, queue full", zap.String("point", id))
	}
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.changes:
			metrics.SetQueueDepth(queueChanges, len(e.changes))
			e.alarms.HandleChange(ctx, evt)
			report := e.scheduler.HandleChange(ctx, evt)
			e.logWave(evt.Key.String(), report)
		case id := <-e.ticks:
			metrics.SetQueueDepth(queueTicks, len(e.ticks))
			report := e.scheduler.HandleTick(ctx, id)
			e.logWave(id, report)
		}
	}
}

func (e *Engine) logWave(origin string, report vpapp.WaveReport) {
	if len(report.Failed) == 0 && len(report.Stale) == 0 {
		return
	}
	e.logger.Debug("wave finished with failures",
		zap.String("origin", origin),
		zap.String("trigger", report.Trigger),
		zap.Strings("failed", report.Failed),
		zap.Strings("stale", report.Stale))
}

func (e *Engine) tickAlarms() {
	if err := e.alarms.Tick(e.runCtx); err != nil {
		e.logger.Warn("alarm tick failed", zap.Error(err))
	}
}

func (e *Engine) purge(job purgeJob) {
	cutoff := time.Now().UTC().Add(-job.retention)
	n, err := job.purger.Purge(e.runCtx, cutoff)
	if err != nil {
		e.logger.Warn("purge failed", zap.String("job", job.name), zap.Error(err))
		return
	}
	e.logger.Info("purge finished", zap.String("job", job.name), zap.Int64("rows", n), zap.Time("cutoff", cutoff))
}

func errorStrings(in map[string]error) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for id, err := range in {
		out[id] = err.Error()
	}
	return out
}
