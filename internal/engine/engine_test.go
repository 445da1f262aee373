package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarmapp "pointcalc/internal/alarms/application"
	alarms "pointcalc/internal/alarms/domain"
	"pointcalc/internal/alarms/infrastructure/memory"
	"pointcalc/internal/expression"
	valuesapp "pointcalc/internal/values/application"
	values "pointcalc/internal/values/domain"
	vpapp "pointcalc/internal/virtualpoints/application"
	vp "pointcalc/internal/virtualpoints/domain"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	store := valuesapp.NewStore()
	evaluator := expression.NewEvaluator()
	scheduler, err := vpapp.NewScheduler(store, evaluator, vpapp.WithEvalBudget(2*time.Second))
	require.NoError(t, err)
	alarmEngine, err := alarmapp.NewEngine(memory.NewOccurrenceRepository(), store, evaluator)
	require.NoError(t, err)
	e, err := New(store, scheduler, alarmEngine, append([]Option{WithWorkers(2), WithQueueSize(16)}, opts...)...)
	require.NoError(t, err)
	return e
}

func start(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return cancel
}

func doubled() vp.VirtualPoint {
	return vp.VirtualPoint{
		ID:      "double",
		Scope:   vp.Scope{Type: vp.ScopeTenant, TenantID: "t1"},
		Formula: "x * 2",
		Trigger: vp.TriggerOnChange,
		Enabled: true,
		Inputs:  []vp.Input{{VariableName: "x", Source: vp.SourceDataPoint, RefID: "dp-x"}},
	}
}

func highOn(id string, target alarms.Target) alarms.AlarmRule {
	high := 100.0
	return alarms.AlarmRule{
		ID:       id,
		Name:     "High",
		Target:   target,
		Kind:     alarms.KindAnalog,
		Analog:   alarms.Analog{High: &high},
		Severity: alarms.SeverityHigh,
		Enabled:  true,
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)
}

func TestEngine_PublishDrivesPointsAndAlarms(t *testing.T) {
	e := newTestEngine(t)
	report := e.Reload(nil, []vp.VirtualPoint{doubled()}, []alarms.AlarmRule{
		highOn("dp-high", alarms.Target{Type: alarms.TargetDataPoint, PointID: "dp-x"}),
		highOn("vp-high", alarms.Target{Type: alarms.TargetVirtualPoint, PointID: "double"}),
	})
	require.Empty(t, report.InvalidPoints)
	require.Empty(t, report.InvalidRules)
	start(t, e)

	ctx := context.Background()
	require.NoError(t, e.PublishValue(ctx, "dp-x", 60.0, values.QualityGood, time.Now()))

	require.Eventually(t, func() bool {
		cur, err := e.Store().Get(values.VirtualPointKey("double"))
		return err == nil && cur.Value == 120.0
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		list, err := e.Alarms().List(ctx, alarms.OccurrenceFilter{RuleID: "vp-high"})
		return err == nil && len(list) == 1
	}, 3*time.Second, 10*time.Millisecond)

	list, err := e.Alarms().List(ctx, alarms.OccurrenceFilter{RuleID: "dp-high"})
	require.NoError(t, err)
	assert.Empty(t, list, "60 stays below the data point threshold")

	vpList, err := e.Alarms().List(ctx, alarms.OccurrenceFilter{RuleID: "vp-high"})
	require.NoError(t, err)
	occ, err := e.Acknowledge(ctx, vpList[0].ID, "op", "seen")
	require.NoError(t, err)
	assert.Equal(t, alarms.StateAcknowledged, occ.State)
	occ, err = e.Clear(ctx, occ.ID, "op", "")
	require.NoError(t, err)
	assert.Equal(t, alarms.StateCleared, occ.State)
}

// statsReadingScripts reads the scheduler from inside alarm scripts and
// records whether the read had to wait.
type statsReadingScripts struct {
	inner     *expression.Evaluator
	scheduler *vpapp.Scheduler
	waited    chan bool
}

func (r *statsReadingScripts) Run(ctx context.Context, body string, bindings map[string]any, budget time.Duration) (any, error) {
	done := make(chan struct{})
	go func() {
		_, _ = r.scheduler.Stats("double")
		close(done)
	}()
	select {
	case <-done:
		r.report(false)
	case <-time.After(300 * time.Millisecond):
		r.report(true)
	}
	return r.inner.Run(ctx, body, bindings, budget)
}

func (r *statsReadingScripts) report(waited bool) {
	select {
	case r.waited <- waited:
	default:
	}
}

func TestEngine_AlarmScriptsRunOutsidePointLock(t *testing.T) {
	store := valuesapp.NewStore()
	evaluator := expression.NewEvaluator()
	scheduler, err := vpapp.NewScheduler(store, evaluator, vpapp.WithEvalBudget(2*time.Second))
	require.NoError(t, err)
	scripts := &statsReadingScripts{inner: evaluator, scheduler: scheduler, waited: make(chan bool, 1)}
	alarmEngine, err := alarmapp.NewEngine(memory.NewOccurrenceRepository(), store, scripts)
	require.NoError(t, err)
	e, err := New(store, scheduler, alarmEngine, WithWorkers(1), WithQueueSize(16))
	require.NoError(t, err)

	report := e.Reload(nil, []vp.VirtualPoint{doubled()}, []alarms.AlarmRule{{
		ID:              "scripted",
		Name:            "Scripted",
		Target:          alarms.Target{Type: alarms.TargetVirtualPoint, PointID: "double"},
		Kind:            alarms.KindScript,
		ConditionScript: "value > 10",
		Severity:        alarms.SeverityHigh,
		Enabled:         true,
	}})
	require.Empty(t, report.InvalidRules)
	start(t, e)

	require.NoError(t, e.PublishValue(context.Background(), "dp-x", 60.0, values.QualityGood, time.Now()))
	select {
	case waited := <-scripts.waited:
		assert.False(t, waited, "scheduler stats blocked while the alarm script ran")
	case <-time.After(3 * time.Second):
		t.Fatal("alarm script not run")
	}
}

func TestEngine_ReloadReportsInvalidEntities(t *testing.T) {
	e := newTestEngine(t)
	loop := doubled()
	loop.ID = "loop"
	loop.Inputs = []vp.Input{{VariableName: "x", Source: vp.SourceVirtualPoint, RefID: "loop"}}
	broken := highOn("broken", alarms.Target{Type: alarms.TargetDataPoint})

	report := e.Reload(
		[]vp.DataPoint{{ID: "dp-x", Enabled: true}},
		[]vp.VirtualPoint{doubled(), loop},
		[]alarms.AlarmRule{highOn("ok", alarms.Target{Type: alarms.TargetDataPoint, PointID: "dp-x"}), broken},
	)
	assert.Equal(t, 2, report.Points)
	assert.Contains(t, report.InvalidPoints, "loop")
	assert.NotContains(t, report.InvalidPoints, "double")
	assert.Equal(t, []string{"double"}, report.Order)
	assert.Equal(t, 1, report.Rules)
	assert.Contains(t, report.InvalidRules, "broken")
	assert.NotZero(t, report.GraphVersion)

	again := e.Reload(nil, []vp.VirtualPoint{doubled()}, nil)
	assert.Greater(t, again.GraphVersion, report.GraphVersion)
}

func TestEngine_UnknownDataPointIsInvalidWithCatalog(t *testing.T) {
	e := newTestEngine(t)
	report := e.Reload([]vp.DataPoint{{ID: "other"}}, []vp.VirtualPoint{doubled()}, nil)
	assert.Contains(t, report.InvalidPoints, "double")
}

func TestEngine_TimerPointTicks(t *testing.T) {
	e := newTestEngine(t)
	timer := vp.VirtualPoint{
		ID:         "clock",
		Scope:      vp.Scope{Type: vp.ScopeTenant, TenantID: "t1"},
		Formula:    "42",
		Trigger:    vp.TriggerTimer,
		IntervalMS: 20,
		Enabled:    true,
	}
	report := e.Reload(nil, []vp.VirtualPoint{timer}, nil)
	require.Empty(t, report.InvalidPoints)
	assert.Equal(t, 1, report.Timers)
	start(t, e)

	require.Eventually(t, func() bool {
		stats, err := e.Scheduler().Stats("clock")
		return err == nil && stats.ExecutionCount >= 2
	}, 3*time.Second, 10*time.Millisecond)
	cur, err := e.Store().Get(values.VirtualPointKey("clock"))
	require.NoError(t, err)
	assert.Equal(t, 42.0, cur.Value)
}

func TestEngine_RecomputeDelegates(t *testing.T) {
	e := newTestEngine(t)
	e.Reload(nil, []vp.VirtualPoint{doubled()}, nil)
	_, err := e.Store().Set(context.Background(), values.DataPointKey("dp-x"), 4.0, values.QualityGood, time.Now())
	require.NoError(t, err)

	wave, err := e.Recompute(context.Background(), "double")
	require.NoError(t, err)
	assert.Contains(t, wave.Evaluated, "double")
	_, err = e.Recompute(context.Background(), "missing")
	assert.ErrorIs(t, err, vp.ErrNotFound)
}

type countingPurger struct {
	calls chan time.Time
}

func (p countingPurger) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	select {
	case p.calls <- cutoff:
	default:
	}
	return 3, nil
}

func TestEngine_PurgeAndBackgroundRunners(t *testing.T) {
	purger := countingPurger{calls: make(chan time.Time, 1)}
	ran := make(chan struct{})
	e := newTestEngine(t,
		WithPurge("history", purger, time.Hour, "@every 1s"),
		WithBackground("blocker", func(ctx context.Context) error {
			close(ran)
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	start(t, e)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("background runner not started")
	}
	select {
	case cutoff := <-purger.calls:
		assert.WithinDuration(t, time.Now().Add(-time.Hour), cutoff, 5*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("purge job not run")
	}
}

func TestEngine_FailingRunnerStopsRun(t *testing.T) {
	boom := errors.New("boom")
	e := newTestEngine(t, WithBackground("failing", func(context.Context) error { return boom }))
	err := e.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, e.PublishValue(context.Background(), "dp-x", 1.0, values.QualityGood, time.Now()), ErrStopped)
}
