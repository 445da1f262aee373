package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "pointcalc/internal/alarms/domain"
	values "pointcalc/internal/values/domain"
)

const occurrenceColumns = `id, rule_id, tenant_id, point_kind, point_id, state, trigger_value, last_value,
	condition, message, severity, priority, occurred_at, updated_at,
	acknowledged_at, acknowledged_by, ack_comment, cleared_at, cleared_by, clear_comment,
	notification_count, retry_count, last_notified_at, next_notification_at, context`

// OccurrenceRepository persists alarm occurrences in Postgres.
type OccurrenceRepository struct {
	db *sql.DB
}

// NewOccurrenceRepository constructs a repository.
func NewOccurrenceRepository(db *sql.DB) *OccurrenceRepository {
	return &OccurrenceRepository{db: db}
}

// Save inserts or updates an occurrence.
func (r *OccurrenceRepository) Save(ctx context.Context, occ alarms.Occurrence) error {
	if r == nil || r.db == nil {
		return errors.New("occurrence repo: nil db")
	}
	if occ.ID == "" {
		return errors.New("occurrence repo: empty id")
	}
	trigger, err := json.Marshal(occ.TriggerValue)
	if err != nil {
		return err
	}
	last, err := json.Marshal(occ.LastValue)
	if err != nil {
		return err
	}
	extra, err := json.Marshal(occ.Context)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alarm_occurrences (`+occurrenceColumns+`)
VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13, $14,
	$15, $16, $17, $18, $19, $20,
	$21, $22, $23, $24, $25
)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	trigger_value = EXCLUDED.trigger_value,
	last_value = EXCLUDED.last_value,
	condition = EXCLUDED.condition,
	message = EXCLUDED.message,
	severity = EXCLUDED.severity,
	updated_at = EXCLUDED.updated_at,
	acknowledged_at = EXCLUDED.acknowledged_at,
	acknowledged_by = EXCLUDED.acknowledged_by,
	ack_comment = EXCLUDED.ack_comment,
	cleared_at = EXCLUDED.cleared_at,
	cleared_by = EXCLUDED.cleared_by,
	clear_comment = EXCLUDED.clear_comment,
	notification_count = EXCLUDED.notification_count,
	retry_count = EXCLUDED.retry_count,
	last_notified_at = EXCLUDED.last_notified_at,
	next_notification_at = EXCLUDED.next_notification_at,
	context = EXCLUDED.context`,
		occ.ID, occ.RuleID, occ.TenantID, string(occ.Target.Kind), occ.Target.ID, string(occ.State), trigger, last,
		string(occ.Condition), occ.Message, string(occ.Severity), occ.Priority, occ.OccurredAt, occ.UpdatedAt,
		nullTime(occ.AcknowledgedAt), occ.AcknowledgedBy, occ.AckComment, nullTime(occ.ClearedAt), occ.ClearedBy, occ.ClearComment,
		occ.NotificationCount, occ.RetryCount, nullTime(occ.LastNotifiedAt), nullTime(occ.NextNotificationAt), extra)
	return err
}

// Get loads an occurrence by id.
func (r *OccurrenceRepository) Get(ctx context.Context, id string) (alarms.Occurrence, error) {
	if r == nil || r.db == nil {
		return alarms.Occurrence{}, errors.New("occurrence repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM alarm_occurrences WHERE id = $1`, id)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alarms.Occurrence{}, alarms.ErrNotFound
	}
	return occ, err
}

// ListOpen returns active and acknowledged occurrences, oldest first.
func (r *OccurrenceRepository) ListOpen(ctx context.Context) ([]alarms.Occurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("occurrence repo: nil db")
	}
	return r.query(ctx, `SELECT `+occurrenceColumns+`
FROM alarm_occurrences
WHERE state IN ('active', 'acknowledged')
ORDER BY occurred_at ASC`)
}

// List returns occurrences matching filter, newest first.
func (r *OccurrenceRepository) List(ctx context.Context, filter alarms.OccurrenceFilter) ([]alarms.Occurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("occurrence repo: nil db")
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.RuleID != "" {
		add("rule_id = $%d", filter.RuleID)
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if filter.Target != nil {
		add("point_kind = $%d", string(filter.Target.Kind))
		add("point_id = $%d", filter.Target.ID)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To)
	}
	query := `SELECT ` + occurrenceColumns + ` FROM alarm_occurrences`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.query(ctx, query, args...)
}

func (r *OccurrenceRepository) query(ctx context.Context, query string, args ...any) ([]alarms.Occurrence, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []alarms.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOccurrence(row scanner) (alarms.Occurrence, error) {
	var (
		occ                                  alarms.Occurrence
		kind, state, condition, severity     string
		trigger, last, extra                 []byte
		ackAt, clearedAt, notifiedAt, nextAt sql.NullTime
	)
	if err := row.Scan(
		&occ.ID,
		&occ.RuleID,
		&occ.TenantID,
		&kind,
		&occ.Target.ID,
		&state,
		&trigger,
		&last,
		&condition,
		&occ.Message,
		&severity,
		&occ.Priority,
		&occ.OccurredAt,
		&occ.UpdatedAt,
		&ackAt,
		&occ.AcknowledgedBy,
		&occ.AckComment,
		&clearedAt,
		&occ.ClearedBy,
		&occ.ClearComment,
		&occ.NotificationCount,
		&occ.RetryCount,
		&notifiedAt,
		&nextAt,
		&extra,
	); err != nil {
		return alarms.Occurrence{}, err
	}
	occ.Target.Kind = values.Kind(kind)
	occ.State = alarms.State(state)
	occ.Condition = alarms.Band(condition)
	occ.Severity = alarms.Severity(severity)
	occ.OccurredAt = occ.OccurredAt.UTC()
	occ.UpdatedAt = occ.UpdatedAt.UTC()
	occ.AcknowledgedAt = utc(ackAt)
	occ.ClearedAt = utc(clearedAt)
	occ.LastNotifiedAt = utc(notifiedAt)
	occ.NextNotificationAt = utc(nextAt)
	for _, section := range []struct {
		raw []byte
		dst any
	}{{trigger, &occ.TriggerValue}, {last, &occ.LastValue}, {extra, &occ.Context}} {
		if len(section.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(section.raw, section.dst); err != nil {
			return alarms.Occurrence{}, err
		}
	}
	return occ, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func utc(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
