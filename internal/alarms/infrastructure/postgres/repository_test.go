package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "pointcalc/internal/alarms/domain"
	values "pointcalc/internal/values/domain"
)

var occurrenceColumnNames = []string{
	"id", "rule_id", "tenant_id", "point_kind", "point_id", "state", "trigger_value", "last_value",
	"condition", "message", "severity", "priority", "occurred_at", "updated_at",
	"acknowledged_at", "acknowledged_by", "ack_comment", "cleared_at", "cleared_by", "clear_comment",
	"notification_count", "retry_count", "last_notified_at", "next_notification_at", "context",
}

func TestRuleRepository_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	high := 100.0
	rule := alarms.AlarmRule{
		ID:      "r1",
		Name:    "Power high",
		Target:  alarms.Target{Type: alarms.TargetDataPoint, PointID: "dp-1"},
		Kind:    alarms.KindAnalog,
		Analog:  alarms.Analog{High: &high, Deadband: 5},
		Enabled: true,
	}
	mock.ExpectExec("INSERT INTO alarm_rules").
		WithArgs("r1", "", "Power high", "analog", sqlmock.AnyArg(), sqlmock.AnyArg(), "", "",
			"", "", sqlmock.AnyArg(), "medium", 0,
			false, 0, sqlmock.AnyArg(), false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewRuleRepository(db)
	require.NoError(t, repo.Upsert(context.Background(), rule))

	bad := rule
	bad.Kind = "fuzzy"
	assert.ErrorIs(t, repo.Upsert(context.Background(), bad), alarms.ErrInvalidRule)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepository_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM alarm_rules").WillReturnRows(sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "kind", "target", "analog", "digital_trigger", "condition_script",
		"message_script", "message_template", "message_config", "severity", "priority",
		"auto_acknowledge", "acknowledge_timeout_min", "auto_clear", "is_latched",
		"suppression_rules", "notification", "enabled",
	}).AddRow(
		"r1", "t1", "Door", "digital",
		[]byte(`{"type":"data_point","point_id":"door"}`), []byte(`{}`), "on_rising", "",
		"", "", []byte(`{"digital":"door opened"}`), "high", 3,
		true, 10, false, true,
		[]byte(`[{"type":"time","start_hour":22,"end_hour":6}]`),
		[]byte(`{"enabled":true,"delay_sec":30,"channels":["ops"]}`), true,
	))

	repo := NewRuleRepository(db)
	rules, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, alarms.OnRising, r.Digital)
	assert.Equal(t, "door", r.Target.PointID)
	assert.Equal(t, "door opened", r.MessageConfig["digital"])
	require.NotNil(t, r.AutoClear)
	assert.False(t, *r.AutoClear)
	assert.True(t, r.Latched)
	require.Len(t, r.Suppressions, 1)
	assert.Equal(t, 22, r.Suppressions[0].StartHour)
	assert.Equal(t, 30, r.Notification.DelaySeconds)
	assert.Equal(t, []string{"ops"}, r.Notification.Channels)
	assert.NoError(t, r.Validate())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepository_DeleteMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM alarm_rules").WithArgs("nope").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, NewRuleRepository(db).Delete(context.Background(), "nope"), alarms.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOccurrenceRepository_SaveAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	occ := alarms.Occurrence{
		ID:           "occ-1",
		RuleID:       "r1",
		Target:       values.DataPointKey("dp-1"),
		State:        alarms.StateActive,
		TriggerValue: 105.0,
		LastValue:    105.0,
		Condition:    alarms.BandHigh,
		Severity:     alarms.SeverityHigh,
		OccurredAt:   t0,
		UpdatedAt:    t0,
	}
	mock.ExpectExec("INSERT INTO alarm_occurrences").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM alarm_occurrences WHERE id").WithArgs("occ-1").WillReturnRows(
		sqlmock.NewRows(occurrenceColumnNames).AddRow(
			"occ-1", "r1", "", "data_point", "dp-1", "acknowledged", []byte("105"), []byte("97.5"),
			"H", "Power H on dp-1: 105.00", "high", 0, t0, t0.Add(time.Minute),
			t0.Add(time.Minute), "alice", "on it", nil, "", "",
			1, 0, t0.Add(30*time.Second), nil, []byte(`{"point":"data_point:dp-1"}`),
		))
	mock.ExpectQuery("FROM alarm_occurrences WHERE id").WithArgs("missing").WillReturnRows(
		sqlmock.NewRows(occurrenceColumnNames))

	repo := NewOccurrenceRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, occ))

	got, err := repo.Get(ctx, "occ-1")
	require.NoError(t, err)
	assert.Equal(t, values.DataPointKey("dp-1"), got.Target)
	assert.Equal(t, alarms.StateAcknowledged, got.State)
	assert.Equal(t, 105.0, got.TriggerValue)
	assert.Equal(t, 97.5, got.LastValue)
	assert.Equal(t, "alice", got.AcknowledgedBy)
	assert.True(t, got.ClearedAt.IsZero())
	assert.True(t, got.NextNotificationAt.IsZero())
	assert.Equal(t, 1, got.NotificationCount)
	assert.Equal(t, "data_point:dp-1", got.Context["point"])

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, alarms.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOccurrenceRepository_ListFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`WHERE rule_id = \$1 AND state = \$2 ORDER BY occurred_at DESC, id ASC LIMIT \$3`).
		WithArgs("r1", "active", 10).
		WillReturnRows(sqlmock.NewRows(occurrenceColumnNames))
	mock.ExpectQuery("WHERE state IN").WillReturnRows(sqlmock.NewRows(occurrenceColumnNames))

	repo := NewOccurrenceRepository(db)
	ctx := context.Background()
	list, err := repo.List(ctx, alarms.OccurrenceFilter{RuleID: "r1", State: alarms.StateActive, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, list)

	open, err := repo.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOccurrenceRepository_NeverDeletes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var repo any = NewOccurrenceRepository(db)
	_, purgeable := repo.(interface {
		Purge(context.Context, time.Time) (int64, error)
	})
	assert.False(t, purgeable, "occurrence retention is an external policy")
	assert.NoError(t, mock.ExpectationsWereMet())
}
