package virtualpoints

import (
	"time"

	values "pointcalc/internal/values/domain"
)

// InputSnapshot records the value an input had when a formula ran.
type InputSnapshot struct {
	Value     any            `json:"value"`
	Quality   values.Quality `json:"quality"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Value is the last computed result of a virtual point.
type Value struct {
	PointID      string                   `json:"point_id"`
	Value        any                      `json:"value"`
	Quality      values.Quality           `json:"quality"`
	CalculatedAt time.Time                `json:"calculated_at"`
	LastError    string                   `json:"last_error,omitempty"`
	Stale        bool                     `json:"stale"`
	Inputs       map[string]InputSnapshot `json:"inputs,omitempty"`
}

// ExecutionRecord is one evaluation attempt kept for diagnostics.
type ExecutionRecord struct {
	ID        string                   `json:"id"`
	PointID   string                   `json:"point_id"`
	Trigger   string                   `json:"trigger"`
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration"`
	Success   bool                     `json:"success"`
	Error     string                   `json:"error,omitempty"`
	Result    any                      `json:"result,omitempty"`
	Inputs    map[string]InputSnapshot `json:"inputs,omitempty"`
}

// Stats are the running execution statistics of a point.
type Stats struct {
	ExecutionCount uint64        `json:"execution_count"`
	SuccessCount   uint64        `json:"success_count"`
	FailureCount   uint64        `json:"failure_count"`
	AvgDuration    time.Duration `json:"avg_duration"`
	LastDuration   time.Duration `json:"last_duration"`
	LastError      string        `json:"last_error,omitempty"`
	LastExecutedAt time.Time     `json:"last_executed_at"`
}

// Record folds one attempt into the statistics.
func (s *Stats) Record(at time.Time, duration time.Duration, err error) {
	s.ExecutionCount++
	if err != nil {
		s.FailureCount++
		s.LastError = err.Error()
	} else {
		s.SuccessCount++
	}
	// cumulative moving average
	n := time.Duration(s.ExecutionCount)
	s.AvgDuration += (duration - s.AvgDuration) / n
	s.LastDuration = duration
	s.LastExecutedAt = at
}

// DataPoint is the acquisition-owned description of a raw point.
type DataPoint struct {
	ID       string          `json:"id" yaml:"id"`
	DeviceID string          `json:"device_id" yaml:"device_id"`
	Address  string          `json:"address" yaml:"address"`
	DataType values.DataType `json:"data_type" yaml:"data_type"`
	Enabled  bool            `json:"enabled" yaml:"enabled"`
}

// DataPointSet is a catalog of known data points and their declared types.
type DataPointSet map[string]values.DataType

// NewDataPointSet indexes enabled and disabled data points alike.
func NewDataPointSet(points []DataPoint) DataPointSet {
	set := make(DataPointSet, len(points))
	for _, p := range points {
		dt := p.DataType
		if !dt.Valid() {
			dt = values.DataTypeFloat
		}
		set[p.ID] = dt
	}
	return set
}

// HasDataPoint reports whether id is a known data point.
func (s DataPointSet) HasDataPoint(id string) bool {
	_, ok := s[id]
	return ok
}

// DataType returns the declared type of a data point.
func (s DataPointSet) DataType(id string) (values.DataType, bool) {
	dt, ok := s[id]
	return dt, ok
}
