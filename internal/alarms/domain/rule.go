package alarms

import (
	"fmt"
	"time"

	"github.com/spf13/cast"

	values "pointcalc/internal/values/domain"
)

// TargetType is what a rule watches.
type TargetType string

const (
	TargetDataPoint    TargetType = "data_point"
	TargetVirtualPoint TargetType = "virtual_point"
	TargetGroup        TargetType = "group"
)

// Target binds a rule to one point or a group of points. Each point of a
// group is evaluated as an independent instance.
type Target struct {
	Type    TargetType   `json:"type" yaml:"type"`
	PointID string       `json:"point_id,omitempty" yaml:"point_id"`
	Members []values.Key `json:"members,omitempty" yaml:"members"`
}

// Keys returns the value store keys the target covers.
func (t Target) Keys() []values.Key {
	switch t.Type {
	case TargetDataPoint:
		return []values.Key{values.DataPointKey(t.PointID)}
	case TargetVirtualPoint:
		return []values.Key{values.VirtualPointKey(t.PointID)}
	case TargetGroup:
		return append([]values.Key(nil), t.Members...)
	default:
		return nil
	}
}

// Kind selects the evaluation strategy of a rule.
type Kind string

const (
	KindAnalog  Kind = "analog"
	KindDigital Kind = "digital"
	KindScript  Kind = "script"
)

// DigitalTrigger is the boolean condition of a digital rule.
type DigitalTrigger string

const (
	OnTrue    DigitalTrigger = "on_true"
	OnFalse   DigitalTrigger = "on_false"
	OnChange  DigitalTrigger = "on_change"
	OnRising  DigitalTrigger = "on_rising"
	OnFalling DigitalTrigger = "on_falling"
)

// Severity ranks an occurrence.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Band names the limit or condition that activated an occurrence.
type Band string

const (
	BandHighHigh     Band = "HH"
	BandHigh         Band = "H"
	BandLow          Band = "L"
	BandLowLow       Band = "LL"
	BandRateOfChange Band = "ROC"
	BandDigital      Band = "digital"
	BandScript       Band = "script"
)

// Analog holds limit thresholds. Nil limits are disabled.
type Analog struct {
	HighHigh     *float64 `json:"high_high,omitempty" yaml:"high_high"`
	High         *float64 `json:"high,omitempty" yaml:"high"`
	Low          *float64 `json:"low,omitempty" yaml:"low"`
	LowLow       *float64 `json:"low_low,omitempty" yaml:"low_low"`
	Deadband     float64  `json:"deadband" yaml:"deadband"`
	RateOfChange *float64 `json:"rate_of_change,omitempty" yaml:"rate_of_change"`
}

// NotificationPolicy controls dispatch of occurrence notifications.
type NotificationPolicy struct {
	Enabled               bool     `json:"enabled" yaml:"enabled"`
	DelaySeconds          int      `json:"delay_sec" yaml:"delay_sec"`
	RepeatIntervalMinutes int      `json:"repeat_interval_min" yaml:"repeat_interval_min"`
	Channels              []string `json:"channels,omitempty" yaml:"channels"`
	Recipients            []string `json:"recipients,omitempty" yaml:"recipients"`
}

// Delay returns the wait before the first dispatch.
func (p NotificationPolicy) Delay() time.Duration {
	return time.Duration(p.DelaySeconds) * time.Second
}

// RepeatInterval returns the re-dispatch period, zero when disabled.
func (p NotificationPolicy) RepeatInterval() time.Duration {
	return time.Duration(p.RepeatIntervalMinutes) * time.Minute
}

// AlarmRule is a configured alarm condition.
type AlarmRule struct {
	ID                        string             `json:"id" yaml:"id"`
	TenantID                  string             `json:"tenant_id" yaml:"tenant_id"`
	Name                      string             `json:"name" yaml:"name"`
	Target                    Target             `json:"target" yaml:"target"`
	Kind                      Kind               `json:"kind" yaml:"kind"`
	Analog                    Analog             `json:"analog" yaml:"analog"`
	Digital                   DigitalTrigger     `json:"digital,omitempty" yaml:"digital"`
	ConditionScript           string             `json:"condition_script,omitempty" yaml:"condition_script"`
	MessageScript             string             `json:"message_script,omitempty" yaml:"message_script"`
	MessageTemplate           string             `json:"message_template,omitempty" yaml:"message_template"`
	MessageConfig             map[string]string  `json:"message_config,omitempty" yaml:"message_config"`
	Severity                  Severity           `json:"severity" yaml:"severity"`
	Priority                  int                `json:"priority" yaml:"priority"`
	AutoAcknowledge           bool               `json:"auto_acknowledge" yaml:"auto_acknowledge"`
	AcknowledgeTimeoutMinutes int                `json:"acknowledge_timeout_min" yaml:"acknowledge_timeout_min"`
	AutoClear                 *bool              `json:"auto_clear,omitempty" yaml:"auto_clear"`
	Latched                   bool               `json:"is_latched" yaml:"is_latched"`
	Suppressions              []Suppression      `json:"suppression_rules,omitempty" yaml:"suppression_rules"`
	Notification              NotificationPolicy `json:"notification" yaml:"notification"`
	Enabled                   bool               `json:"enabled" yaml:"enabled"`
}

// AutoClears reports whether a recovered value may clear an occurrence.
func (r AlarmRule) AutoClears() bool {
	if r.Latched {
		return false
	}
	return r.AutoClear == nil || *r.AutoClear
}

// AcknowledgeTimeout returns the delay before auto-acknowledge.
func (r AlarmRule) AcknowledgeTimeout() time.Duration {
	return time.Duration(r.AcknowledgeTimeoutMinutes) * time.Minute
}

// SeverityFor maps a band to a severity: the outer limits are critical.
func (r AlarmRule) SeverityFor(band Band) Severity {
	if band == BandHighHigh || band == BandLowLow {
		return SeverityCritical
	}
	return r.Severity
}

// Validate checks rule invariants.
func (r AlarmRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	switch r.Target.Type {
	case TargetDataPoint, TargetVirtualPoint:
		if r.Target.PointID == "" {
			return fmt.Errorf("%w: %s has no target point", ErrInvalidRule, r.ID)
		}
	case TargetGroup:
		if len(r.Target.Members) == 0 {
			return fmt.Errorf("%w: %s has an empty group", ErrInvalidRule, r.ID)
		}
		for _, key := range r.Target.Members {
			if err := key.Validate(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
			}
		}
	default:
		return fmt.Errorf("%w: %s has unknown target %q", ErrInvalidRule, r.ID, r.Target.Type)
	}
	switch r.Kind {
	case KindAnalog:
		if err := r.Analog.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
		}
	case KindDigital:
		switch r.Digital {
		case OnTrue, OnFalse, OnChange, OnRising, OnFalling:
		default:
			return fmt.Errorf("%w: %s has unknown digital trigger %q", ErrInvalidRule, r.ID, r.Digital)
		}
	case KindScript:
		if r.ConditionScript == "" {
			return fmt.Errorf("%w: %s has no condition script", ErrInvalidRule, r.ID)
		}
	default:
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidRule, r.ID, r.Kind)
	}
	if r.AcknowledgeTimeoutMinutes < 0 || r.Notification.DelaySeconds < 0 || r.Notification.RepeatIntervalMinutes < 0 {
		return fmt.Errorf("%w: %s has a negative duration", ErrInvalidRule, r.ID)
	}
	for i, s := range r.Suppressions {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: %s suppression %d: %v", ErrInvalidRule, r.ID, i, err)
		}
	}
	return nil
}

func (a Analog) validate() error {
	if a.HighHigh == nil && a.High == nil && a.Low == nil && a.LowLow == nil && a.RateOfChange == nil {
		return fmt.Errorf("no limits configured")
	}
	if a.Deadband < 0 {
		return fmt.Errorf("negative deadband")
	}
	if a.High != nil && a.HighHigh != nil && *a.HighHigh < *a.High {
		return fmt.Errorf("high_high below high")
	}
	if a.Low != nil && a.LowLow != nil && *a.LowLow > *a.Low {
		return fmt.Errorf("low_low above low")
	}
	if a.RateOfChange != nil && *a.RateOfChange <= 0 {
		return fmt.Errorf("rate of change must be positive")
	}
	return nil
}

// Band returns the limit band value falls into, or "" inside the normal range.
func (a Analog) Band(value float64) Band {
	switch {
	case a.HighHigh != nil && value >= *a.HighHigh:
		return BandHighHigh
	case a.High != nil && value >= *a.High:
		return BandHigh
	case a.LowLow != nil && value <= *a.LowLow:
		return BandLowLow
	case a.Low != nil && value <= *a.Low:
		return BandLow
	default:
		return ""
	}
}

// Recovered reports whether value is back inside the deadband-widened normal
// range for an occurrence raised in band.
func (a Analog) Recovered(band Band, value float64) bool {
	switch band {
	case BandHigh, BandHighHigh:
		limit := a.High
		if limit == nil {
			limit = a.HighHigh
		}
		return limit == nil || value <= *limit-a.Deadband
	case BandLow, BandLowLow:
		limit := a.Low
		if limit == nil {
			limit = a.LowLow
		}
		return limit == nil || value >= *limit+a.Deadband
	default:
		return true
	}
}

// Threshold returns the configured limit of a band.
func (a Analog) Threshold(band Band) (float64, bool) {
	var limit *float64
	switch band {
	case BandHighHigh:
		limit = a.HighHigh
	case BandHigh:
		limit = a.High
	case BandLow:
		limit = a.Low
	case BandLowLow:
		limit = a.LowLow
	case BandRateOfChange:
		limit = a.RateOfChange
	}
	if limit == nil {
		return 0, false
	}
	return *limit, true
}

// Escalates reports whether next is a more severe band on the same side as current.
func Escalates(current, next Band) bool {
	return (current == BandHigh && next == BandHighHigh) || (current == BandLow && next == BandLowLow)
}

// ToFloat converts a point value for analog evaluation.
func ToFloat(value any) (float64, error) {
	return cast.ToFloat64E(value)
}
