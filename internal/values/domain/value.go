package values

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a point that has never been written.
var ErrNotFound = errors.New("values: not found")

// ErrInvalidKey indicates an empty or malformed point key.
var ErrInvalidKey = errors.New("values: invalid key")

// Quality classifies how far a value can be trusted.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityUncertain    Quality = "uncertain"
	QualityBad          Quality = "bad"
	QualityNotConnected Quality = "not_connected"
)

// Valid returns true when quality is a known value.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityUncertain, QualityBad, QualityNotConnected:
		return true
	default:
		return false
	}
}

// IsGood reports whether the value can be used without reservation.
func (q Quality) IsGood() bool {
	return q == QualityGood
}

// Kind distinguishes raw data points from computed virtual points.
type Kind string

const (
	KindDataPoint    Kind = "data_point"
	KindVirtualPoint Kind = "virtual_point"
)

// Valid returns true when kind is supported.
func (k Kind) Valid() bool {
	return k == KindDataPoint || k == KindVirtualPoint
}

// Key identifies a row in the value store.
type Key struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	ID   string `json:"id" yaml:"id"`
}

// DataPointKey builds a key for a data point.
func DataPointKey(id string) Key {
	return Key{Kind: KindDataPoint, ID: id}
}

// VirtualPointKey builds a key for a virtual point.
func VirtualPointKey(id string) Key {
	return Key{Kind: KindVirtualPoint, ID: id}
}

// Validate checks key invariants.
func (k Key) Validate() error {
	if !k.Kind.Valid() || k.ID == "" {
		return fmt.Errorf("%w: %q/%q", ErrInvalidKey, k.Kind, k.ID)
	}
	return nil
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// CurrentValue is the single authoritative row for a point.
type CurrentValue struct {
	Key              Key       `json:"-"`
	Value            any       `json:"value"`
	RawValue         any       `json:"raw_value,omitempty"`
	Quality          Quality   `json:"quality"`
	Timestamp        time.Time `json:"timestamp"`
	QualityTimestamp time.Time `json:"quality_timestamp"`
	ReadCount        uint64    `json:"read_count"`
	WriteCount       uint64    `json:"write_count"`
	ErrorCount       uint64    `json:"error_count"`
}

// Origin describes who produced a write.
type Origin string

const (
	OriginAcquisition Origin = "acquisition"
	OriginScheduler   Origin = "scheduler"
)

// ChangeEvent is published after every accepted write.
type ChangeEvent struct {
	Key       Key       `json:"-"`
	PointKind Kind      `json:"point_kind"`
	PointID   string    `json:"point_id"`
	Value     any       `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
}

// Sample is one historical observation kept for windowed aggregation.
type Sample struct {
	Value   any
	Quality Quality
	At      time.Time
}

// Subscriber receives change events.
type Subscriber func(ctx context.Context, evt ChangeEvent)
