package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alarms "pointcalc/internal/alarms/domain"
	"pointcalc/internal/alarms/notify"
	"pointcalc/internal/expression"
	"pointcalc/internal/observability/metrics"
	values "pointcalc/internal/values/domain"
)

const systemActor = "system"

// OccurrenceRepository persists occurrences.
type OccurrenceRepository interface {
	Save(ctx context.Context, occ alarms.Occurrence) error
	Get(ctx context.Context, id string) (alarms.Occurrence, error)
	ListOpen(ctx context.Context) ([]alarms.Occurrence, error)
	List(ctx context.Context, filter alarms.OccurrenceFilter) ([]alarms.Occurrence, error)
}

// ValueReader reads last-known point values.
type ValueReader interface {
	Get(key values.Key) (values.CurrentValue, error)
}

// ScriptRunner evaluates condition and message scripts.
type ScriptRunner interface {
	Run(ctx context.Context, body string, bindings map[string]any, budget time.Duration) (any, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type compiledRule struct {
	rule     alarms.AlarmRule
	messages *notify.MessageSet
}

type ruleSet struct {
	byID  map[string]*compiledRule
	byKey map[values.Key][]*compiledRule
}

type instanceKey struct {
	ruleID string
	point  values.Key
}

// instance is the evaluation state of one rule on one point.
type instance struct {
	mu        sync.Mutex
	seen      bool
	lastTS    time.Time
	prev      any
	prevNum   float64
	prevNumOK bool
	prevAt    time.Time
	openID    string
	band      alarms.Band
}

type verdict struct {
	skip      bool
	trigger   bool
	recovered bool
	toggle    bool
	band      alarms.Band
	message   string
}

// Engine evaluates alarm rules on value changes and owns the occurrence lifecycle.
type Engine struct {
	repo     OccurrenceRepository
	values   ValueReader
	scripts  ScriptRunner
	notifier alarms.Notifier
	clock    Clock
	logger   *zap.Logger
	budget   time.Duration

	rules      atomic.Pointer[ruleSet]
	instances  sync.Map
	suppressed atomic.Uint64
}

// Option customizes the engine.
type Option func(*Engine)

// WithNotifier assigns a notifier.
func WithNotifier(notifier alarms.Notifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
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

// WithScriptBudget bounds condition and message scripts.
func WithScriptBudget(budget time.Duration) Option {
	return func(e *Engine) {
		if budget > 0 {
			e.budget = budget
		}
	}
}

// NewEngine constructs an engine with no rules.
func NewEngine(repo OccurrenceRepository, reader ValueReader, scripts ScriptRunner, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("alarms: nil occurrence repository")
	}
	if reader == nil {
		return nil, errors.New("alarms: nil value reader")
	}
	if scripts == nil {
		return nil, errors.New("alarms: nil script runner")
	}
	e := &Engine{
		repo:    repo,
		values:  reader,
		scripts: scripts,
		clock:   systemClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules.Store(&ruleSet{byID: map[string]*compiledRule{}, byKey: map[values.Key][]*compiledRule{}})
	return e, nil
}

// Reload swaps the rule set. Invalid rules are left out and returned with
// their error; disabled rules are skipped silently.
func (e *Engine) Reload(rules []alarms.AlarmRule) map[string]error {
	invalid := make(map[string]error)
	rs := &ruleSet{
		byID:  make(map[string]*compiledRule, len(rules)),
		byKey: make(map[values.Key][]*compiledRule),
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			invalid[rule.ID] = err
			continue
		}
		if _, dup := rs.byID[rule.ID]; dup {
			invalid[rule.ID] = fmt.Errorf("%w: duplicate id", alarms.ErrInvalidRule)
			continue
		}
		if !rule.Enabled {
			continue
		}
		if rule.Severity == "" {
			rule.Severity = alarms.SeverityMedium
		}
		messages, err := notify.CompileMessages(rule)
		if err != nil {
			invalid[rule.ID] = fmt.Errorf("%w: %v", alarms.ErrInvalidRule, err)
			continue
		}
		cr := &compiledRule{rule: rule, messages: messages}
		rs.byID[rule.ID] = cr
		for _, key := range rule.Target.Keys() {
			rs.byKey[key] = append(rs.byKey[key], cr)
		}
	}
	for _, list := range rs.byKey {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].rule.Priority != list[j].rule.Priority {
				return list[i].rule.Priority > list[j].rule.Priority
			}
			return list[i].rule.ID < list[j].rule.ID
		})
	}
	e.rules.Store(rs)
	for id, err := range invalid {
		e.logger.Warn("alarm rule disabled", zap.String("rule", id), zap.Error(err))
	}
	e.logger.Info("alarm rules loaded", zap.Int("rules", len(rs.byID)), zap.Int("invalid", len(invalid)))
	return invalid
}

// Rule returns an active rule by id.
func (e *Engine) Rule(id string) (alarms.AlarmRule, bool) {
	cr, ok := e.rules.Load().byID[id]
	if !ok {
		return alarms.AlarmRule{}, false
	}
	return cr.rule, true
}

// Restore rebuilds per-instance open state from persisted occurrences.
func (e *Engine) Restore(ctx context.Context) error {
	open, err := e.repo.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, occ := range open {
		inst := e.instance(occ.RuleID, occ.Target)
		inst.mu.Lock()
		inst.openID = occ.ID
		inst.band = occ.Condition
		inst.mu.Unlock()
	}
	return nil
}

// HandleChange evaluates every rule bound to the changed point. A failing
// rule is logged and never stops the others.
func (e *Engine) HandleChange(ctx context.Context, evt values.ChangeEvent) {
	key := values.Key{Kind: evt.PointKind, ID: evt.PointID}
	for _, cr := range e.rules.Load().byKey[key] {
		events, err := e.evaluate(ctx, cr, key, evt)
		e.emit(ctx, events...)
		if err != nil {
			e.logger.Warn("alarm rule evaluation failed",
				zap.String("rule", cr.rule.ID),
				zap.String("point", key.String()),
				zap.Error(err))
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, cr *compiledRule, key values.Key, evt values.ChangeEvent) ([]alarms.Event, error) {
	inst := e.instance(cr.rule.ID, key)
	at := evt.Timestamp
	if at.IsZero() {
		at = e.clock.Now()
	}

	var scripted verdict
	if cr.rule.Kind == alarms.KindScript {
		inst.mu.Lock()
		if inst.seen && at.Before(inst.lastTS) {
			inst.mu.Unlock()
			return nil, nil
		}
		prev := inst.prev
		inst.mu.Unlock()

		v, err := e.runScripts(ctx, cr.rule, key, evt.Value, prev)
		if err != nil {
			return nil, err
		}
		scripted = v
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.seen && at.Before(inst.lastTS) {
		return nil, nil
	}

	var (
		v   verdict
		err error
	)
	switch cr.rule.Kind {
	case alarms.KindAnalog:
		v, err = analogVerdict(cr.rule, inst, evt.Value, at)
	case alarms.KindDigital:
		v, err = digitalVerdict(cr.rule, inst, evt.Value)
	default:
		v = scripted
	}
	inst.seen = true
	inst.lastTS = at
	inst.prev = evt.Value
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, cr, inst, key, v, evt.Value, at)
}

func analogVerdict(rule alarms.AlarmRule, inst *instance, value any, at time.Time) (verdict, error) {
	if value == nil {
		return verdict{skip: true}, nil
	}
	f, err := alarms.ToFloat(value)
	if err != nil {
		return verdict{}, fmt.Errorf("analog value: %w", err)
	}
	band := rule.Analog.Band(f)
	if band == "" && rule.Analog.RateOfChange != nil && inst.prevNumOK && at.After(inst.prevAt) {
		rate := math.Abs(f-inst.prevNum) / at.Sub(inst.prevAt).Seconds()
		if rate > *rule.Analog.RateOfChange {
			band = alarms.BandRateOfChange
		}
	}
	inst.prevNum, inst.prevAt, inst.prevNumOK = f, at, true

	v := verdict{trigger: band != "", band: band}
	switch inst.band {
	case alarms.BandRateOfChange:
		v.recovered = band != alarms.BandRateOfChange
	default:
		v.recovered = rule.Analog.Recovered(inst.band, f)
	}
	return v, nil
}

func digitalVerdict(rule alarms.AlarmRule, inst *instance, value any) (verdict, error) {
	if value == nil {
		return verdict{skip: true}, nil
	}
	cur, err := expression.Truthy(value)
	if err != nil {
		return verdict{}, fmt.Errorf("digital value: %w", err)
	}
	hasPrev := inst.seen && inst.prev != nil
	prev := false
	if hasPrev {
		prev, _ = expression.Truthy(inst.prev)
	}
	v := verdict{band: alarms.BandDigital}
	switch rule.Digital {
	case alarms.OnTrue:
		v.trigger, v.recovered = cur, !cur
	case alarms.OnFalse:
		v.trigger, v.recovered = !cur, cur
	case alarms.OnRising:
		v.trigger, v.recovered = hasPrev && !prev && cur, !cur
	case alarms.OnFalling:
		v.trigger, v.recovered = hasPrev && prev && !cur, cur
	case alarms.OnChange:
		v.toggle = hasPrev && prev != cur
	}
	return v, nil
}

// runScripts is called without any lock held.
func (e *Engine) runScripts(ctx context.Context, rule alarms.AlarmRule, key values.Key, value, prev any) (verdict, error) {
	bindings := map[string]any{"value": value, "prev": prev, "point": key.ID}
	res, err := e.scripts.Run(ctx, rule.ConditionScript, bindings, e.budget)
	if err != nil {
		return verdict{}, fmt.Errorf("condition script: %w", err)
	}
	active, err := expression.Truthy(res)
	if err != nil {
		return verdict{}, fmt.Errorf("condition script: %w", err)
	}
	v := verdict{trigger: active, recovered: !active, band: alarms.BandScript}
	if active && rule.MessageScript != "" {
		msg, err := e.scripts.Run(ctx, rule.MessageScript, bindings, e.budget)
		if err != nil {
			e.logger.Warn("message script failed", zap.String("rule", rule.ID), zap.Error(err))
		} else {
			v.message = fmt.Sprint(msg)
		}
	}
	return v, nil
}

// apply must be called with inst.mu held.
func (e *Engine) apply(ctx context.Context, cr *compiledRule, inst *instance, key values.Key, v verdict, value any, at time.Time) ([]alarms.Event, error) {
	if v.skip {
		return nil, nil
	}
	var open *alarms.Occurrence
	if inst.openID != "" {
		occ, err := e.repo.Get(ctx, inst.openID)
		switch {
		case errors.Is(err, alarms.ErrNotFound):
			inst.openID, inst.band = "", ""
		case err != nil:
			return nil, err
		case !occ.Open():
			inst.openID, inst.band = "", ""
		default:
			open = &occ
		}
	}

	if v.toggle {
		if open != nil {
			return e.autoClear(ctx, cr.rule, inst, open, value, at)
		}
		return e.activate(ctx, cr, inst, key, v, value, at)
	}
	if open == nil {
		if v.trigger {
			return e.activate(ctx, cr, inst, key, v, value, at)
		}
		return nil, nil
	}

	if v.trigger && alarms.Escalates(inst.band, v.band) {
		open.Condition = v.band
		open.Severity = cr.rule.SeverityFor(v.band)
		open.TriggerValue = value
		open.LastValue = value
		open.Message = e.message(cr, key, v, value)
		open.UpdatedAt = at
		if err := e.repo.Save(ctx, *open); err != nil {
			return nil, err
		}
		inst.band = v.band
		return []alarms.Event{{Type: alarms.EventUpdated, Occurrence: *open}}, nil
	}
	if v.recovered {
		events, err := e.autoClear(ctx, cr.rule, inst, open, value, at)
		if err != nil || inst.openID != "" || !v.trigger {
			return events, err
		}
		more, err := e.activate(ctx, cr, inst, key, v, value, at)
		return append(events, more...), err
	}
	return nil, nil
}

func (e *Engine) autoClear(ctx context.Context, rule alarms.AlarmRule, inst *instance, occ *alarms.Occurrence, value any, at time.Time) ([]alarms.Event, error) {
	if !rule.AutoClears() {
		return nil, nil
	}
	occ.LastValue = value
	if !occ.Clear(systemActor, "auto-cleared", at) {
		return nil, nil
	}
	if err := e.repo.Save(ctx, *occ); err != nil {
		return nil, err
	}
	inst.openID, inst.band = "", ""
	return []alarms.Event{{Type: alarms.EventCleared, Occurrence: *occ}}, nil
}

func (e *Engine) activate(ctx context.Context, cr *compiledRule, inst *instance, key values.Key, v verdict, value any, at time.Time) ([]alarms.Event, error) {
	rule := cr.rule
	occ := alarms.Occurrence{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		TenantID:     rule.TenantID,
		Target:       key,
		State:        alarms.StateActive,
		TriggerValue: value,
		LastValue:    value,
		Condition:    v.band,
		Severity:     rule.SeverityFor(v.band),
		Priority:     rule.Priority,
		OccurredAt:   at,
		UpdatedAt:    at,
		Context: map[string]any{
			"kind":  string(rule.Kind),
			"point": key.String(),
		},
	}
	occ.Message = e.message(cr, key, v, value)

	if reason, ok := e.suppressedBy(rule); ok {
		e.suppressed.Add(1)
		metrics.IncAlarmSuppressed(reason)
		e.logger.Debug("alarm activation suppressed",
			zap.String("rule", rule.ID),
			zap.String("point", key.String()),
			zap.String("reason", reason))
		occ.ID = ""
		return []alarms.Event{{Type: alarms.EventSuppressed, Occurrence: occ, Reason: reason}}, nil
	}

	if rule.Notification.Enabled {
		occ.NextNotificationAt = at.Add(rule.Notification.Delay())
	}
	events := []alarms.Event{{Type: alarms.EventActive, Occurrence: occ}}
	if rule.AutoAcknowledge && rule.AcknowledgeTimeout() == 0 {
		if _, err := occ.Acknowledge(systemActor, "auto-acknowledged", at); err == nil {
			events = append(events, alarms.Event{Type: alarms.EventAcknowledged, Occurrence: occ})
		}
	}
	if err := e.repo.Save(ctx, occ); err != nil {
		return nil, err
	}
	inst.openID = occ.ID
	inst.band = v.band
	return events, nil
}

func (e *Engine) message(cr *compiledRule, key values.Key, v verdict, value any) string {
	if v.message != "" {
		return v.message
	}
	data := notify.MessageData{
		Rule:      cr.rule.Name,
		RuleID:    cr.rule.ID,
		Point:     key.ID,
		Condition: string(v.band),
		Severity:  string(cr.rule.SeverityFor(v.band)),
		Value:     notify.FormatValue(value),
	}
	if data.Rule == "" {
		data.Rule = cr.rule.ID
	}
	if limit, ok := cr.rule.Analog.Threshold(v.band); ok {
		data.Threshold = notify.FormatValue(limit)
	}
	return cr.messages.Render(v.band, data)
}

// suppressedBy checks time windows against the clock and conditions against
// the last-known value of the referenced point.
func (e *Engine) suppressedBy(rule alarms.AlarmRule) (string, bool) {
	now := e.clock.Now()
	for _, s := range rule.Suppressions {
		switch s.Type {
		case alarms.SuppressByTime:
			if s.InWindow(now) {
				return string(alarms.SuppressByTime), true
			}
		case alarms.SuppressByCondition:
			cur, err := e.values.Get(s.Point)
			if err != nil {
				continue
			}
			if s.Matches(cur.Value) {
				return string(alarms.SuppressByCondition), true
			}
		}
	}
	return "", false
}

// Acknowledge acknowledges an occurrence on behalf of by.
func (e *Engine) Acknowledge(ctx context.Context, id, by, comment string) (alarms.Occurrence, error) {
	var events []alarms.Event
	occ, err := e.mutate(ctx, id, func(inst *instance, occ *alarms.Occurrence) (bool, error) {
		changed, err := occ.Acknowledge(by, comment, e.clock.Now())
		if changed {
			events = append(events, alarms.Event{Type: alarms.EventAcknowledged, Occurrence: *occ})
		}
		return changed, err
	})
	if err == nil {
		e.emit(ctx, events...)
	}
	return occ, err
}

// Clear clears an occurrence on behalf of by. This is the only way out of
// Active for latched rules.
func (e *Engine) Clear(ctx context.Context, id, by, comment string) (alarms.Occurrence, error) {
	var events []alarms.Event
	occ, err := e.mutate(ctx, id, func(inst *instance, occ *alarms.Occurrence) (bool, error) {
		if !occ.Clear(by, comment, e.clock.Now()) {
			return false, nil
		}
		if inst.openID == occ.ID {
			inst.openID, inst.band = "", ""
		}
		events = append(events, alarms.Event{Type: alarms.EventCleared, Occurrence: *occ})
		return true, nil
	})
	if err == nil {
		e.emit(ctx, events...)
	}
	return occ, err
}

// ReportDispatchFailure increments the retry counter of an occurrence.
func (e *Engine) ReportDispatchFailure(ctx context.Context, id string) error {
	_, err := e.mutate(ctx, id, func(_ *instance, occ *alarms.Occurrence) (bool, error) {
		occ.RetryCount++
		return true, nil
	})
	return err
}

// mutate loads an occurrence under its instance lock, applies fn and saves
// the result when fn reports a change.
func (e *Engine) mutate(ctx context.Context, id string, fn func(*instance, *alarms.Occurrence) (bool, error)) (alarms.Occurrence, error) {
	if id == "" {
		return alarms.Occurrence{}, alarms.ErrNotFound
	}
	occ, err := e.repo.Get(ctx, id)
	if err != nil {
		return alarms.Occurrence{}, err
	}
	inst := e.instance(occ.RuleID, occ.Target)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	occ, err = e.repo.Get(ctx, id)
	if err != nil {
		return alarms.Occurrence{}, err
	}
	changed, err := fn(inst, &occ)
	if err != nil {
		return occ, err
	}
	if changed {
		if err := e.repo.Save(ctx, occ); err != nil {
			return occ, err
		}
	}
	return occ, nil
}

// Tick advances time-driven behavior: auto-acknowledge and notification
// dispatch for every open occurrence.
func (e *Engine) Tick(ctx context.Context) error {
	open, err := e.repo.ListOpen(ctx)
	if err != nil {
		return err
	}
	rs := e.rules.Load()
	now := e.clock.Now()
	for _, occ := range open {
		cr, ok := rs.byID[occ.RuleID]
		if !ok {
			continue
		}
		rule := cr.rule
		var events []alarms.Event
		_, err := e.mutate(ctx, occ.ID, func(_ *instance, occ *alarms.Occurrence) (bool, error) {
			if occ.State != alarms.StateActive {
				return false, nil
			}
			if rule.AutoAcknowledge && !now.Before(occ.OccurredAt.Add(rule.AcknowledgeTimeout())) {
				if _, err := occ.Acknowledge(systemActor, "auto-acknowledged", now); err != nil {
					return false, err
				}
				events = append(events, alarms.Event{Type: alarms.EventAcknowledged, Occurrence: *occ})
				return true, nil
			}
			if occ.NextNotificationAt.IsZero() || now.Before(occ.NextNotificationAt) {
				return false, nil
			}
			occ.NotificationCount++
			occ.LastNotifiedAt = now
			occ.NextNotificationAt = time.Time{}
			if repeat := rule.Notification.RepeatInterval(); repeat > 0 {
				occ.NextNotificationAt = now.Add(repeat)
			}
			occ.UpdatedAt = now
			events = append(events, alarms.Event{Type: alarms.EventNotify, Occurrence: *occ})
			return true, nil
		})
		if err != nil {
			e.logger.Warn("alarm tick failed", zap.String("occurrence", occ.ID), zap.Error(err))
			continue
		}
		e.emit(ctx, events...)
	}
	return nil
}

// Get returns an occurrence.
func (e *Engine) Get(ctx context.Context, id string) (alarms.Occurrence, error) {
	return e.repo.Get(ctx, id)
}

// List returns occurrences matching filter.
func (e *Engine) List(ctx context.Context, filter alarms.OccurrenceFilter) ([]alarms.Occurrence, error) {
	return e.repo.List(ctx, filter)
}

// Suppressed returns the number of discarded activations.
func (e *Engine) Suppressed() uint64 {
	return e.suppressed.Load()
}

func (e *Engine) instance(ruleID string, point values.Key) *instance {
	value, _ := e.instances.LoadOrStore(instanceKey{ruleID: ruleID, point: point}, &instance{})
	return value.(*instance)
}

func (e *Engine) emit(ctx context.Context, events ...alarms.Event) {
	for _, evt := range events {
		metrics.IncAlarmEvent(evt.Type)
		if e.notifier != nil {
			e.notifier.Notify(ctx, evt)
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
