package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	values "pointcalc/internal/values/domain"
	vp "pointcalc/internal/virtualpoints/domain"
)

// DefinitionRepository reads and seeds virtual point configuration owned by
// the administrative layer.
type DefinitionRepository struct {
	db *sql.DB
}

// NewDefinitionRepository constructs a repository.
func NewDefinitionRepository(db *sql.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

// LoadPoints returns every virtual point with its inputs in declaration order.
func (r *DefinitionRepository) LoadPoints(ctx context.Context) ([]vp.VirtualPoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("definition repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, tenant_id, name, scope_type, site_id, device_id, formula, data_type,
	trigger, interval_ms, cache_ms, error_policy, enabled
FROM virtual_points
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []vp.VirtualPoint
	index := make(map[string]int)
	for rows.Next() {
		var (
			p                                vp.VirtualPoint
			scope, dataType, trigger, policy string
			siteID, deviceID                 sql.NullString
		)
		if err := rows.Scan(
			&p.ID,
			&p.Scope.TenantID,
			&p.Name,
			&scope,
			&siteID,
			&deviceID,
			&p.Formula,
			&dataType,
			&trigger,
			&p.IntervalMS,
			&p.CacheMS,
			&policy,
			&p.Enabled,
		); err != nil {
			return nil, err
		}
		p.Scope.Type = vp.ScopeType(scope)
		p.Scope.SiteID = siteID.String
		p.Scope.DeviceID = deviceID.String
		p.DataType = values.DataType(dataType)
		p.Trigger = vp.Trigger(trigger)
		p.ErrorPolicy = vp.ErrorPolicy(policy)
		index[p.ID] = len(points)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	inputs, err := r.db.QueryContext(ctx, `
SELECT virtual_point_id, variable_name, source, ref_id, constant, formula,
	aggregation, time_window_seconds
FROM virtual_point_inputs
ORDER BY virtual_point_id ASC, position ASC`)
	if err != nil {
		return nil, err
	}
	defer inputs.Close()
	for inputs.Next() {
		var (
			pointID, source, aggregation string
			in                           vp.Input
			refID, formula               sql.NullString
			constant                     []byte
		)
		if err := inputs.Scan(
			&pointID,
			&in.VariableName,
			&source,
			&refID,
			&constant,
			&formula,
			&aggregation,
			&in.TimeWindowSeconds,
		); err != nil {
			return nil, err
		}
		i, ok := index[pointID]
		if !ok {
			continue
		}
		in.Source = vp.SourceType(source)
		in.RefID = refID.String
		in.Formula = formula.String
		in.Aggregation = vp.Aggregation(aggregation)
		if len(constant) > 0 {
			if err := json.Unmarshal(constant, &in.Constant); err != nil {
				return nil, fmt.Errorf("definition repo: constant of %s.%s: %w", pointID, in.VariableName, err)
			}
		}
		points[i].Inputs = append(points[i].Inputs, in)
	}
	if err := inputs.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

// LoadDataPoints returns the data point catalog.
func (r *DefinitionRepository) LoadDataPoints(ctx context.Context) ([]vp.DataPoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("definition repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, device_id, address, data_type, enabled
FROM data_points
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vp.DataPoint
	for rows.Next() {
		var (
			p        vp.DataPoint
			dataType string
		)
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Address, &dataType, &p.Enabled); err != nil {
			return nil, err
		}
		p.DataType = values.DataType(dataType)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveDataPoint upserts a catalog entry.
func (r *DefinitionRepository) SaveDataPoint(ctx context.Context, p vp.DataPoint) error {
	if r == nil || r.db == nil {
		return errors.New("definition repo: nil db")
	}
	if p.ID == "" {
		return errors.New("definition repo: empty data point id")
	}
	if p.DataType == "" {
		p.DataType = values.DataTypeFloat
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO data_points (id, device_id, address, data_type, enabled)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	device_id = EXCLUDED.device_id,
	address = EXCLUDED.address,
	data_type = EXCLUDED.data_type,
	enabled = EXCLUDED.enabled`,
		p.ID, p.DeviceID, p.Address, string(p.DataType), p.Enabled)
	return err
}

// SavePoint upserts a virtual point and replaces its inputs in one
// transaction. Only structurally valid points are stored; reference checks
// happen when the engine builds its graph.
func (r *DefinitionRepository) SavePoint(ctx context.Context, p vp.VirtualPoint) error {
	if r == nil || r.db == nil {
		return errors.New("definition repo: nil db")
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := savePoint(ctx, tx, p); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func savePoint(ctx context.Context, tx *sql.Tx, p vp.VirtualPoint) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO virtual_points (
	id, tenant_id, name, scope_type, site_id, device_id, formula, data_type,
	trigger, interval_ms, cache_ms, error_policy, enabled, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	tenant_id = EXCLUDED.tenant_id,
	name = EXCLUDED.name,
	scope_type = EXCLUDED.scope_type,
	site_id = EXCLUDED.site_id,
	device_id = EXCLUDED.device_id,
	formula = EXCLUDED.formula,
	data_type = EXCLUDED.data_type,
	trigger = EXCLUDED.trigger,
	interval_ms = EXCLUDED.interval_ms,
	cache_ms = EXCLUDED.cache_ms,
	error_policy = EXCLUDED.error_policy,
	enabled = EXCLUDED.enabled,
	updated_at = EXCLUDED.updated_at`,
		p.ID, p.Scope.TenantID, p.Name, string(p.Scope.Type),
		nullString(p.Scope.SiteID), nullString(p.Scope.DeviceID),
		p.Formula, string(p.DataType), string(p.Trigger), p.IntervalMS, p.CacheMS,
		string(p.ErrorPolicy), p.Enabled, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM virtual_point_inputs WHERE virtual_point_id = $1`, p.ID); err != nil {
		return err
	}
	for i, in := range p.Inputs {
		var constant []byte
		if in.Source == vp.SourceConstant {
			raw, err := json.Marshal(in.Constant)
			if err != nil {
				return fmt.Errorf("definition repo: constant of %s.%s: %w", p.ID, in.VariableName, err)
			}
			constant = raw
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO virtual_point_inputs (
	virtual_point_id, position, variable_name, source, ref_id, constant, formula,
	aggregation, time_window_seconds
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			p.ID, i, in.VariableName, string(in.Source), nullString(in.RefID), constant,
			nullString(in.Formula), string(in.Aggregation), in.TimeWindowSeconds); err != nil {
			return err
		}
	}
	return nil
}
