package alarms

import (
	"errors"
	"testing"
	"time"

	values "pointcalc/internal/values/domain"
)

func limit(v float64) *float64 { return &v }

func TestAnalogBandAndRecovery(t *testing.T) {
	a := Analog{HighHigh: limit(120), High: limit(100), Low: limit(10), LowLow: limit(0), Deadband: 5}

	cases := []struct {
		value float64
		want  Band
	}{
		{value: 50, want: ""},
		{value: 100, want: BandHigh},
		{value: 130, want: BandHighHigh},
		{value: 10, want: BandLow},
		{value: -1, want: BandLowLow},
	}
	for _, tc := range cases {
		if got := a.Band(tc.value); got != tc.want {
			t.Fatalf("Band(%v) = %q, want %q", tc.value, got, tc.want)
		}
	}

	if a.Recovered(BandHigh, 97) {
		t.Fatalf("97 is inside the deadband of 100")
	}
	if !a.Recovered(BandHighHigh, 95) {
		t.Fatalf("95 should recover a high-high occurrence")
	}
	if a.Recovered(BandLow, 14) || !a.Recovered(BandLowLow, 15) {
		t.Fatalf("low side recovery must use low + deadband")
	}
	if !Escalates(BandHigh, BandHighHigh) || Escalates(BandHighHigh, BandHigh) || Escalates(BandHigh, BandLow) {
		t.Fatalf("unexpected escalation result")
	}
}

func TestAlarmRuleValidate(t *testing.T) {
	base := AlarmRule{
		ID:     "r1",
		Target: Target{Type: TargetDataPoint, PointID: "dp-1"},
		Kind:   KindAnalog,
		Analog: Analog{High: limit(100)},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}

	broken := []func(r *AlarmRule){
		func(r *AlarmRule) { r.Target = Target{Type: TargetGroup} },
		func(r *AlarmRule) { r.Analog = Analog{} },
		func(r *AlarmRule) { r.Analog.HighHigh = limit(50) },
		func(r *AlarmRule) { r.Kind = KindDigital },
		func(r *AlarmRule) { r.Kind = KindScript },
		func(r *AlarmRule) { r.Suppressions = []Suppression{{Type: SuppressByTime, StartHour: 25}} },
		func(r *AlarmRule) {
			r.Suppressions = []Suppression{{Type: SuppressByCondition, Point: values.DataPointKey("x"), Operator: "~"}}
		},
	}
	for i, mutate := range broken {
		r := base
		mutate(&r)
		if err := r.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("case %d: expected ErrInvalidRule, got %v", i, err)
		}
	}
}

func TestAlarmRuleClearPolicy(t *testing.T) {
	off := false
	if !(AlarmRule{}).AutoClears() {
		t.Fatalf("auto clear defaults to on")
	}
	if (AlarmRule{AutoClear: &off}).AutoClears() {
		t.Fatalf("auto_clear=false must not auto clear")
	}
	if (AlarmRule{Latched: true}).AutoClears() {
		t.Fatalf("latched rules never auto clear")
	}
	if got := (AlarmRule{Severity: SeverityMedium}).SeverityFor(BandLowLow); got != SeverityCritical {
		t.Fatalf("LL should be critical, got %s", got)
	}
}

func TestSuppressionWindow(t *testing.T) {
	night := Suppression{Type: SuppressByTime, StartHour: 22, EndHour: 6}
	if !night.InWindow(time.Date(2026, 4, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("23:00 is inside a 22-6 window")
	}
	if !night.InWindow(time.Date(2026, 4, 2, 5, 59, 0, 0, time.UTC)) {
		t.Fatalf("05:59 is inside a 22-6 window")
	}
	if night.InWindow(time.Date(2026, 4, 2, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("06:00 is outside a 22-6 window")
	}

	// 2026-04-04 is a Saturday.
	weekend := Suppression{Type: SuppressByTime, StartHour: 0, EndHour: 24, Weekdays: []int{0, 6}}
	if !weekend.InWindow(time.Date(2026, 4, 4, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("saturday should match")
	}
	if weekend.InWindow(time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("monday should not match")
	}
}

func TestSuppressionCondition(t *testing.T) {
	s := Suppression{Type: SuppressByCondition, Point: values.DataPointKey("mode"), Operator: OpEqual, Value: "maintenance"}
	if !s.Matches("maintenance") || s.Matches("auto") || s.Matches(nil) {
		t.Fatalf("string equality mismatch")
	}
	gt := Suppression{Type: SuppressByCondition, Point: values.DataPointKey("load"), Operator: OpGreater, Value: 10}
	if !gt.Matches(10.5) || gt.Matches(3) {
		t.Fatalf("numeric comparison mismatch")
	}
}

func TestOccurrenceTransitions(t *testing.T) {
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	occ := Occurrence{State: StateActive, NextNotificationAt: at}

	changed, err := occ.Acknowledge("ops", "seen", at)
	if err != nil || !changed || occ.State != StateAcknowledged || !occ.NextNotificationAt.IsZero() {
		t.Fatalf("acknowledge failed: %+v %v", occ, err)
	}
	if changed, _ := occ.Acknowledge("ops", "", at); changed {
		t.Fatalf("second acknowledge must be a no-op")
	}
	if !occ.Clear("ops", "fixed", at) || occ.Open() {
		t.Fatalf("clear failed: %+v", occ)
	}
	if occ.Clear("ops", "", at) {
		t.Fatalf("second clear must be a no-op")
	}
	if _, err := occ.Acknowledge("ops", "", at); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("acknowledging a cleared occurrence must fail, got %v", err)
	}
}
