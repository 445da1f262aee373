package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	alarms "pointcalc/internal/alarms/domain"
)

// RuleRepository is a Postgres repository for alarm rules. Nested rule
// sections are stored as JSONB.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Upsert inserts or replaces a rule after validating it.
func (r *RuleRepository) Upsert(ctx context.Context, rule alarms.AlarmRule) error {
	if r == nil || r.db == nil {
		return errors.New("alarm rule repo: nil db")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Severity == "" {
		rule.Severity = alarms.SeverityMedium
	}
	target, err := json.Marshal(rule.Target)
	if err != nil {
		return err
	}
	analog, err := json.Marshal(rule.Analog)
	if err != nil {
		return err
	}
	messages, err := json.Marshal(rule.MessageConfig)
	if err != nil {
		return err
	}
	suppressions, err := json.Marshal(rule.Suppressions)
	if err != nil {
		return err
	}
	notification, err := json.Marshal(rule.Notification)
	if err != nil {
		return err
	}
	var autoClear sql.NullBool
	if rule.AutoClear != nil {
		autoClear = sql.NullBool{Bool: *rule.AutoClear, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alarm_rules (
	id, tenant_id, name, kind, target, analog, digital_trigger, condition_script,
	message_script, message_template, message_config, severity, priority,
	auto_acknowledge, acknowledge_timeout_min, auto_clear, is_latched,
	suppression_rules, notification, enabled, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13,
	$14, $15, $16, $17,
	$18, $19, $20, $21
)
ON CONFLICT (id) DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	name = EXCLUDED.name,
	kind = EXCLUDED.kind,
	target = EXCLUDED.target,
	analog = EXCLUDED.analog,
	digital_trigger = EXCLUDED.digital_trigger,
	condition_script = EXCLUDED.condition_script,
	message_script = EXCLUDED.message_script,
	message_template = EXCLUDED.message_template,
	message_config = EXCLUDED.message_config,
	severity = EXCLUDED.severity,
	priority = EXCLUDED.priority,
	auto_acknowledge = EXCLUDED.auto_acknowledge,
	acknowledge_timeout_min = EXCLUDED.acknowledge_timeout_min,
	auto_clear = EXCLUDED.auto_clear,
	is_latched = EXCLUDED.is_latched,
	suppression_rules = EXCLUDED.suppression_rules,
	notification = EXCLUDED.notification,
	enabled = EXCLUDED.enabled,
	updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.TenantID, rule.Name, string(rule.Kind), target, analog, string(rule.Digital), rule.ConditionScript,
		rule.MessageScript, rule.MessageTemplate, messages, string(rule.Severity), rule.Priority,
		rule.AutoAcknowledge, rule.AcknowledgeTimeoutMinutes, autoClear, rule.Latched,
		suppressions, notification, rule.Enabled, time.Now().UTC())
	return err
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("alarm rule repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM alarm_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return alarms.ErrNotFound
	}
	return nil
}

// List returns every rule ordered by id.
func (r *RuleRepository) List(ctx context.Context) ([]alarms.AlarmRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, tenant_id, name, kind, target, analog, digital_trigger, condition_script,
	message_script, message_template, message_config, severity, priority,
	auto_acknowledge, acknowledge_timeout_min, auto_clear, is_latched,
	suppression_rules, notification, enabled
FROM alarm_rules
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.AlarmRule
	for rows.Next() {
		var (
			rule                                          alarms.AlarmRule
			kind, digital, severity                       string
			target, analog, messages, suppressions, notif []byte
			autoClear                                     sql.NullBool
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.TenantID,
			&rule.Name,
			&kind,
			&target,
			&analog,
			&digital,
			&rule.ConditionScript,
			&rule.MessageScript,
			&rule.MessageTemplate,
			&messages,
			&severity,
			&rule.Priority,
			&rule.AutoAcknowledge,
			&rule.AcknowledgeTimeoutMinutes,
			&autoClear,
			&rule.Latched,
			&suppressions,
			&notif,
			&rule.Enabled,
		); err != nil {
			return nil, err
		}
		rule.Kind = alarms.Kind(kind)
		rule.Digital = alarms.DigitalTrigger(digital)
		rule.Severity = alarms.Severity(severity)
		if autoClear.Valid {
			v := autoClear.Bool
			rule.AutoClear = &v
		}
		if err := unmarshalSections(&rule, target, analog, messages, suppressions, notif); err != nil {
			return nil, fmt.Errorf("alarm rule %s: %w", rule.ID, err)
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func unmarshalSections(rule *alarms.AlarmRule, target, analog, messages, suppressions, notification []byte) error {
	sections := []struct {
		raw []byte
		dst any
	}{
		{target, &rule.Target},
		{analog, &rule.Analog},
		{messages, &rule.MessageConfig},
		{suppressions, &rule.Suppressions},
		{notification, &rule.Notification},
	}
	for _, s := range sections {
		if len(s.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(s.raw, s.dst); err != nil {
			return err
		}
	}
	return nil
}
