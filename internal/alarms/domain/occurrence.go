package alarms

import (
	"context"
	"time"

	values "pointcalc/internal/values/domain"
)

// State is the lifecycle position of an occurrence.
type State string

const (
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
	StateCleared      State = "cleared"
)

// Occurrence is one activation episode of a rule on one target instance.
type Occurrence struct {
	ID                 string         `json:"id"`
	RuleID             string         `json:"rule_id"`
	TenantID           string         `json:"tenant_id"`
	Target             values.Key     `json:"target"`
	State              State          `json:"state"`
	TriggerValue       any            `json:"trigger_value"`
	LastValue          any            `json:"last_value"`
	Condition          Band           `json:"condition"`
	Message            string         `json:"message"`
	Severity           Severity       `json:"severity"`
	Priority           int            `json:"priority"`
	OccurredAt         time.Time      `json:"occurred_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	AcknowledgedAt     time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy     string         `json:"acknowledged_by,omitempty"`
	AckComment         string         `json:"ack_comment,omitempty"`
	ClearedAt          time.Time      `json:"cleared_at,omitempty"`
	ClearedBy          string         `json:"cleared_by,omitempty"`
	ClearComment       string         `json:"clear_comment,omitempty"`
	NotificationCount  int            `json:"notification_count"`
	RetryCount         int            `json:"retry_count"`
	LastNotifiedAt     time.Time      `json:"last_notified_at,omitempty"`
	NextNotificationAt time.Time      `json:"next_notification_at,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
}

// Open reports whether the occurrence has not been cleared.
func (o Occurrence) Open() bool {
	return o.State == StateActive || o.State == StateAcknowledged
}

// Acknowledge moves an active occurrence to acknowledged. It returns false
// when the occurrence was already acknowledged.
func (o *Occurrence) Acknowledge(by, comment string, at time.Time) (bool, error) {
	switch o.State {
	case StateActive:
		o.State = StateAcknowledged
		o.AcknowledgedAt = at
		o.AcknowledgedBy = by
		o.AckComment = comment
		o.NextNotificationAt = time.Time{}
		o.UpdatedAt = at
		return true, nil
	case StateAcknowledged:
		return false, nil
	default:
		return false, ErrInvalidTransition
	}
}

// Clear closes an open occurrence. It returns false when already cleared.
func (o *Occurrence) Clear(by, comment string, at time.Time) bool {
	if o.State == StateCleared {
		return false
	}
	o.State = StateCleared
	o.ClearedAt = at
	o.ClearedBy = by
	o.ClearComment = comment
	o.NextNotificationAt = time.Time{}
	o.UpdatedAt = at
	return true
}

// Event types emitted for occurrences.
const (
	EventActive       = "active"
	EventUpdated      = "updated"
	EventAcknowledged = "acknowledged"
	EventCleared      = "cleared"
	EventSuppressed   = "suppressed"
	EventNotify       = "notify"
)

// Event is a lifecycle update of an occurrence.
type Event struct {
	Type       string     `json:"type"`
	Occurrence Occurrence `json:"occurrence"`
	// Reason explains a suppressed activation.
	Reason string `json:"reason,omitempty"`
}

// Notifier receives occurrence events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// OccurrenceFilter narrows occurrence listings. Zero fields match everything.
type OccurrenceFilter struct {
	RuleID string
	State  State
	Target *values.Key
	From   time.Time
	To     time.Time
	Limit  int
}

// Match reports whether occ passes the filter.
func (f OccurrenceFilter) Match(occ Occurrence) bool {
	if f.RuleID != "" && occ.RuleID != f.RuleID {
		return false
	}
	if f.State != "" && occ.State != f.State {
		return false
	}
	if f.Target != nil && occ.Target != *f.Target {
		return false
	}
	if !f.From.IsZero() && occ.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !occ.OccurredAt.Before(f.To) {
		return false
	}
	return true
}
