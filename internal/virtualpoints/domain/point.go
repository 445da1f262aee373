package virtualpoints

import (
	"fmt"
	"time"

	values "pointcalc/internal/values/domain"
)

// ScopeType is the ownership level of a virtual point.
type ScopeType string

const (
	ScopeTenant ScopeType = "tenant"
	ScopeSite   ScopeType = "site"
	ScopeDevice ScopeType = "device"
)

// Scope places a virtual point in the tenant hierarchy.
type Scope struct {
	Type     ScopeType `json:"type" yaml:"type"`
	TenantID string    `json:"tenant_id" yaml:"tenant_id"`
	SiteID   string    `json:"site_id,omitempty" yaml:"site_id"`
	DeviceID string    `json:"device_id,omitempty" yaml:"device_id"`
}

// Validate enforces that site/device are set exactly when the scope needs them.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: empty tenant id", ErrInvalidPoint)
	}
	switch s.Type {
	case ScopeTenant:
		if s.SiteID != "" || s.DeviceID != "" {
			return fmt.Errorf("%w: tenant scope must not carry site or device", ErrInvalidPoint)
		}
	case ScopeSite:
		if s.SiteID == "" || s.DeviceID != "" {
			return fmt.Errorf("%w: site scope requires site only", ErrInvalidPoint)
		}
	case ScopeDevice:
		if s.SiteID == "" || s.DeviceID == "" {
			return fmt.Errorf("%w: device scope requires site and device", ErrInvalidPoint)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidPoint, s.Type)
	}
	return nil
}

// Trigger decides when a point recomputes.
type Trigger string

const (
	TriggerTimer    Trigger = "timer"
	TriggerOnChange Trigger = "on_change"
	TriggerManual   Trigger = "manual"
)

// ErrorPolicy decides what an evaluation failure does to the stored value.
type ErrorPolicy string

const (
	ErrorReturnNull ErrorPolicy = "return_null"
	ErrorPropagate  ErrorPolicy = "propagate"
	ErrorKeepLast   ErrorPolicy = "keep_last"
)

// SourceType is where an input gets its value.
type SourceType string

const (
	SourceDataPoint    SourceType = "data_point"
	SourceVirtualPoint SourceType = "virtual_point"
	SourceConstant     SourceType = "constant"
	SourceFormula      SourceType = "formula"
)

// Aggregation reduces an input's recent history to one scalar.
type Aggregation string

const (
	AggregateCurrent Aggregation = "current"
	AggregateAverage Aggregation = "average"
	AggregateMin     Aggregation = "min"
	AggregateMax     Aggregation = "max"
	AggregateSum     Aggregation = "sum"
)

// Input binds one formula variable.
type Input struct {
	VariableName      string      `json:"variable_name" yaml:"variable_name"`
	Source            SourceType  `json:"source" yaml:"source"`
	RefID             string      `json:"ref_id,omitempty" yaml:"ref_id"`
	Constant          any         `json:"constant,omitempty" yaml:"constant"`
	Formula           string      `json:"formula,omitempty" yaml:"formula"`
	Aggregation       Aggregation `json:"aggregation,omitempty" yaml:"aggregation"`
	TimeWindowSeconds int         `json:"time_window_seconds,omitempty" yaml:"time_window_seconds"`
}

// SourceKey returns the value store key for point-backed inputs.
func (in Input) SourceKey() (values.Key, bool) {
	switch in.Source {
	case SourceDataPoint:
		return values.DataPointKey(in.RefID), true
	case SourceVirtualPoint:
		return values.VirtualPointKey(in.RefID), true
	default:
		return values.Key{}, false
	}
}

// Window returns the aggregation window.
func (in Input) Window() time.Duration {
	if in.TimeWindowSeconds <= 0 {
		return 0
	}
	return time.Duration(in.TimeWindowSeconds) * time.Second
}

// Aggregated reports whether the input reduces a time window.
func (in Input) Aggregated() bool {
	return in.Aggregation != "" && in.Aggregation != AggregateCurrent
}

// Validate checks input invariants.
func (in Input) Validate() error {
	if in.VariableName == "" {
		return fmt.Errorf("%w: empty variable name", ErrInvalidPoint)
	}
	switch in.Source {
	case SourceDataPoint, SourceVirtualPoint:
		if in.RefID == "" {
			return fmt.Errorf("%w: input %s has no reference", ErrInvalidPoint, in.VariableName)
		}
	case SourceConstant:
		if in.Aggregated() {
			return fmt.Errorf("%w: constant input %s cannot aggregate", ErrInvalidPoint, in.VariableName)
		}
	case SourceFormula:
		if in.Formula == "" {
			return fmt.Errorf("%w: formula input %s has no body", ErrInvalidPoint, in.VariableName)
		}
		if in.Aggregated() {
			return fmt.Errorf("%w: formula input %s cannot aggregate", ErrInvalidPoint, in.VariableName)
		}
	default:
		return fmt.Errorf("%w: input %s has unknown source %q", ErrInvalidPoint, in.VariableName, in.Source)
	}
	switch in.Aggregation {
	case "", AggregateCurrent:
	case AggregateAverage, AggregateMin, AggregateMax, AggregateSum:
		if in.TimeWindowSeconds <= 0 {
			return fmt.Errorf("%w: input %s aggregates without a window", ErrInvalidPoint, in.VariableName)
		}
	default:
		return fmt.Errorf("%w: input %s has unknown aggregation %q", ErrInvalidPoint, in.VariableName, in.Aggregation)
	}
	return nil
}

// VirtualPoint is a value computed from other points by a formula.
type VirtualPoint struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Scope       Scope           `json:"scope" yaml:"scope"`
	Formula     string          `json:"formula" yaml:"formula"`
	DataType    values.DataType `json:"data_type" yaml:"data_type"`
	Trigger     Trigger         `json:"trigger" yaml:"trigger"`
	IntervalMS  int64           `json:"interval_ms" yaml:"interval_ms"`
	CacheMS     int64           `json:"cache_ms" yaml:"cache_ms"`
	ErrorPolicy ErrorPolicy     `json:"error_policy" yaml:"error_policy"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Inputs      []Input         `json:"inputs" yaml:"inputs"`
}

// Key returns the value store key of the point.
func (p VirtualPoint) Key() values.Key {
	return values.VirtualPointKey(p.ID)
}

// Interval returns the timer interval.
func (p VirtualPoint) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// CacheDuration returns how long a success suppresses recomputation.
func (p VirtualPoint) CacheDuration() time.Duration {
	if p.CacheMS <= 0 {
		return 0
	}
	return time.Duration(p.CacheMS) * time.Millisecond
}

// Normalize fills defaults.
func (p *VirtualPoint) Normalize() {
	if p.DataType == "" {
		p.DataType = values.DataTypeFloat
	}
	if p.Trigger == "" {
		p.Trigger = TriggerOnChange
	}
	if p.ErrorPolicy == "" {
		p.ErrorPolicy = ErrorReturnNull
	}
	for i := range p.Inputs {
		if p.Inputs[i].Aggregation == "" {
			p.Inputs[i].Aggregation = AggregateCurrent
		}
	}
}

// Validate checks point invariants.
func (p VirtualPoint) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPoint)
	}
	if err := p.Scope.Validate(); err != nil {
		return err
	}
	if p.Formula == "" {
		return fmt.Errorf("%w: empty formula", ErrInvalidPoint)
	}
	if !p.DataType.Valid() {
		return fmt.Errorf("%w: unknown data type %q", ErrInvalidPoint, p.DataType)
	}
	switch p.Trigger {
	case TriggerTimer:
		if p.IntervalMS <= 0 {
			return fmt.Errorf("%w: timer trigger requires a positive interval", ErrInvalidPoint)
		}
	case TriggerOnChange, TriggerManual:
	default:
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidPoint, p.Trigger)
	}
	if p.CacheMS < 0 {
		return fmt.Errorf("%w: negative cache duration", ErrInvalidPoint)
	}
	switch p.ErrorPolicy {
	case ErrorReturnNull, ErrorPropagate, ErrorKeepLast:
	default:
		return fmt.Errorf("%w: unknown error policy %q", ErrInvalidPoint, p.ErrorPolicy)
	}
	seen := make(map[string]struct{}, len(p.Inputs))
	for _, in := range p.Inputs {
		if err := in.Validate(); err != nil {
			return err
		}
		if _, dup := seen[in.VariableName]; dup {
			return fmt.Errorf("%w: duplicate variable %s", ErrInvalidPoint, in.VariableName)
		}
		seen[in.VariableName] = struct{}{}
		if in.Source == SourceVirtualPoint && in.RefID == p.ID {
			return fmt.Errorf("%w: point %s references itself", ErrCycleDetected, p.ID)
		}
	}
	return nil
}
