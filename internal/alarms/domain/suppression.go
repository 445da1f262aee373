package alarms

import (
	"fmt"
	"time"

	"github.com/spf13/cast"

	values "pointcalc/internal/values/domain"
)

// SuppressionType selects how a suppression rule matches.
type SuppressionType string

const (
	SuppressByTime      SuppressionType = "time"
	SuppressByCondition SuppressionType = "condition"
)

// Operator compares a point value against a suppression value.
type Operator string

const (
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

// Suppression discards activations inside a time window or while another
// point satisfies a condition.
type Suppression struct {
	Type SuppressionType `json:"type" yaml:"type"`

	// Hours are local to Timezone; the window is [StartHour, EndHour) and
	// wraps past midnight when EndHour <= StartHour.
	StartHour int    `json:"start_hour,omitempty" yaml:"start_hour"`
	EndHour   int    `json:"end_hour,omitempty" yaml:"end_hour"`
	Weekdays  []int  `json:"weekdays,omitempty" yaml:"weekdays"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone"`

	Point    values.Key `json:"point,omitempty" yaml:"point"`
	Operator Operator   `json:"operator,omitempty" yaml:"operator"`
	Value    any        `json:"value,omitempty" yaml:"value"`
}

// Validate checks suppression invariants.
func (s Suppression) Validate() error {
	switch s.Type {
	case SuppressByTime:
		if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 24 {
			return fmt.Errorf("hour out of range")
		}
		for _, d := range s.Weekdays {
			if d < 0 || d > 6 {
				return fmt.Errorf("weekday %d out of range", d)
			}
		}
		if _, err := s.location(); err != nil {
			return err
		}
	case SuppressByCondition:
		if err := s.Point.Validate(); err != nil {
			return err
		}
		switch s.Operator {
		case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual, OpEqual, OpNotEqual:
		default:
			return fmt.Errorf("unknown operator %q", s.Operator)
		}
	default:
		return fmt.Errorf("unknown suppression type %q", s.Type)
	}
	return nil
}

// InWindow reports whether now falls inside a time suppression window.
func (s Suppression) InWindow(now time.Time) bool {
	if s.Type != SuppressByTime {
		return false
	}
	loc, err := s.location()
	if err != nil {
		return false
	}
	local := now.In(loc)
	if len(s.Weekdays) > 0 {
		match := false
		for _, d := range s.Weekdays {
			if time.Weekday(d) == local.Weekday() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	hour := local.Hour()
	if s.EndHour > s.StartHour {
		return hour >= s.StartHour && hour < s.EndHour
	}
	return hour >= s.StartHour || hour < s.EndHour
}

// Matches reports whether value satisfies a condition suppression.
func (s Suppression) Matches(value any) bool {
	if s.Type != SuppressByCondition || value == nil {
		return false
	}
	lhs, lerr := cast.ToFloat64E(value)
	rhs, rerr := cast.ToFloat64E(s.Value)
	if lerr != nil || rerr != nil {
		a, b := cast.ToString(value), cast.ToString(s.Value)
		switch s.Operator {
		case OpEqual:
			return a == b
		case OpNotEqual:
			return a != b
		default:
			return false
		}
	}
	switch s.Operator {
	case OpGreater:
		return lhs > rhs
	case OpGreaterOrEqual:
		return lhs >= rhs
	case OpLess:
		return lhs < rhs
	case OpLessOrEqual:
		return lhs <= rhs
	case OpEqual:
		return lhs == rhs
	case OpNotEqual:
		return lhs != rhs
	default:
		return false
	}
}

func (s Suppression) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}
