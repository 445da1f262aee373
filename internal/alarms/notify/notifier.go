package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	alarms "pointcalc/internal/alarms/domain"
)

const defaultQueueSize = 256

// RuleReader resolves the rule of an occurrence.
type RuleReader interface {
	Rule(id string) (alarms.AlarmRule, bool)
}

// FailureReporter records failed deliveries on the occurrence.
type FailureReporter interface {
	ReportDispatchFailure(ctx context.Context, occurrenceID string) error
}

// Clock provides time for cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier delivers notify and cleared events through named channels. Notify
// only enqueues; Run performs delivery so the alarm engine never waits on it.
type Notifier struct {
	rules          RuleReader
	channels       map[string]Channel
	template       *Template
	reporter       FailureReporter
	clock          Clock
	logger         *zap.Logger
	queue          chan alarms.Event
	mu             sync.Mutex
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout bounds a single channel delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same occurrence and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithFailureReporter receives failed deliveries.
func WithFailureReporter(reporter FailureReporter) Option {
	return func(n *Notifier) {
		n.reporter = reporter
	}
}

// WithQueueSize bounds the delivery queue.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan alarms.Event, size)
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs a notifier. Rules that list no channels are
// delivered through every channel.
func NewNotifier(rules RuleReader, channels map[string]Channel, template *Template, opts ...Option) (*Notifier, error) {
	if rules == nil {
		return nil, errors.New("alarm notifier: nil rule reader")
	}
	if len(channels) == 0 {
		return nil, errors.New("alarm notifier: no channels")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		rules:          rules,
		channels:       channels,
		template:       template,
		clock:          systemClock{},
		logger:         zap.NewNop(),
		queue:          make(chan alarms.Event, defaultQueueSize),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements alarms.Notifier.
func (n *Notifier) Notify(ctx context.Context, event alarms.Event) {
	if n == nil {
		return
	}
	switch event.Type {
	case alarms.EventNotify:
	case alarms.EventCleared:
		if event.Occurrence.NotificationCount == 0 {
			return
		}
	default:
		return
	}
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("notification queue full",
			zap.String("occurrence", event.Occurrence.ID))
		n.reportFailure(ctx, event.Occurrence.ID)
	}
}

// Run delivers queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-n.queue:
			n.dispatch(ctx, event)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, event alarms.Event) {
	occ := event.Occurrence
	rule, _ := n.rules.Rule(occ.RuleID)
	content, err := n.template.Render(buildTemplateData(event, rule))
	if err != nil {
		n.logger.Error("notification render failed", zap.String("occurrence", occ.ID), zap.Error(err))
		return
	}
	if !n.shouldSend(occ.ID, event.Type, content) {
		return
	}

	sendCtx := ctx
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	failed := false
	for name, channel := range n.selectChannels(rule) {
		if err := channel.Send(sendCtx, content, rule.Notification.Recipients); err != nil {
			failed = true
			n.logger.Warn("notification delivery failed",
				zap.String("occurrence", occ.ID),
				zap.String("channel", name),
				zap.Error(err))
		}
	}
	if failed {
		n.reportFailure(ctx, occ.ID)
		return
	}
	n.markSent(occ.ID, event.Type, content)
}

func (n *Notifier) selectChannels(rule alarms.AlarmRule) map[string]Channel {
	if len(rule.Notification.Channels) == 0 {
		return n.channels
	}
	out := make(map[string]Channel, len(rule.Notification.Channels))
	for _, name := range rule.Notification.Channels {
		if ch, ok := n.channels[name]; ok {
			out[name] = ch
		}
	}
	return out
}

func (n *Notifier) reportFailure(ctx context.Context, occurrenceID string) {
	if n.reporter == nil || occurrenceID == "" {
		return
	}
	if err := n.reporter.ReportDispatchFailure(ctx, occurrenceID); err != nil {
		n.logger.Warn("dispatch failure not recorded", zap.String("occurrence", occurrenceID), zap.Error(err))
	}
}

func buildTemplateData(event alarms.Event, rule alarms.AlarmRule) TemplateData {
	occ := event.Occurrence
	ruleName := occ.RuleID
	if rule.Name != "" {
		ruleName = rule.Name
	}
	threshold := ""
	if limit, ok := rule.Analog.Threshold(occ.Condition); ok {
		threshold = FormatValue(limit)
	}
	return TemplateData{
		Rule:         ruleName,
		RuleID:       occ.RuleID,
		Point:        occ.Target.String(),
		Condition:    string(occ.Condition),
		TriggerValue: FormatValue(occ.TriggerValue),
		Threshold:    threshold,
		OccurredAt:   occ.OccurredAt.UTC().Format(time.RFC3339),
		State:        string(occ.State),
		Severity:     string(occ.Severity),
		Message:      occ.Message,
		Recipients:   strings.Join(rule.Notification.Recipients, ", "),
		Count:        occ.NotificationCount,
		Event:        event.Type,
		EventLabel:   eventLabel(event.Type, occ),
	}
}

func eventLabel(event string, occ alarms.Occurrence) string {
	switch event {
	case alarms.EventNotify:
		if occ.NotificationCount > 1 {
			return "Reminder"
		}
		return "Triggered"
	case alarms.EventCleared:
		return "Cleared"
	default:
		return event
	}
}

func (n *Notifier) shouldSend(occurrenceID, eventType, content string) bool {
	if n == nil {
		return false
	}
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(occurrenceID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(occurrenceID, eventType, content string) {
	if n == nil {
		return
	}
	key := notificationKey(occurrenceID, eventType)
	n.mu.Lock()
	if eventType == alarms.EventCleared {
		delete(n.sent, notificationKey(occurrenceID, alarms.EventNotify))
		n.mu.Unlock()
		return
	}
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(occurrenceID, eventType string) string {
	return occurrenceID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
