package notify

import (
	"context"

	alarms "pointcalc/internal/alarms/domain"
)

// MultiNotifier dispatches occurrence events to multiple notifiers.
type MultiNotifier struct {
	notifiers []alarms.Notifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...alarms.Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards events to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, event alarms.Event) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}

// Add appends notifiers. It must not race with Notify and is meant for
// wiring before events flow.
func (m *MultiNotifier) Add(notifiers ...alarms.Notifier) {
	if m == nil {
		return
	}
	m.notifiers = append(m.notifiers, notifiers...)
}
