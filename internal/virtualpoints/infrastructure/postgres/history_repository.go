package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"pointcalc/internal/observability/metrics"
	vp "pointcalc/internal/virtualpoints/domain"
)

const defaultHistoryQueue = 1024

// ErrHistoryQueueFull is returned when the append buffer is saturated.
var ErrHistoryQueueFull = errors.New("history repo: queue full")

// HistoryRepository persists execution history. Append only enqueues; Run
// performs the inserts so evaluation never waits on the database.
type HistoryRepository struct {
	db     *sql.DB
	queue  chan vp.ExecutionRecord
	logger *zap.Logger
}

// NewHistoryRepository constructs a repository with a bounded append queue.
func NewHistoryRepository(db *sql.DB, queueSize int, logger *zap.Logger) *HistoryRepository {
	if queueSize <= 0 {
		queueSize = defaultHistoryQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryRepository{
		db:     db,
		queue:  make(chan vp.ExecutionRecord, queueSize),
		logger: logger,
	}
}

// Append enqueues a record without blocking.
func (r *HistoryRepository) Append(ctx context.Context, record vp.ExecutionRecord) error {
	_ = ctx
	if r == nil {
		return errors.New("history repo: nil repository")
	}
	select {
	case r.queue <- record:
		return nil
	default:
		return ErrHistoryQueueFull
	}
}

// Run drains the queue until ctx is done.
func (r *HistoryRepository) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case record := <-r.queue:
			if err := r.Insert(ctx, record); err != nil {
				metrics.IncHistoryFailure()
				r.logger.Warn("execution history insert failed",
					zap.String("point", record.PointID),
					zap.Error(err))
			}
		}
	}
}

// Insert writes one record.
func (r *HistoryRepository) Insert(ctx context.Context, record vp.ExecutionRecord) error {
	if r == nil || r.db == nil {
		return errors.New("history repo: nil db")
	}
	inputs, err := json.Marshal(record.Inputs)
	if err != nil {
		return err
	}
	result, err := json.Marshal(record.Result)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO virtual_point_execution_history (
	id, point_id, trigger, started_at, duration_ms, success, error, result, inputs
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.PointID, record.Trigger, record.StartedAt.UTC(),
		float64(record.Duration)/float64(time.Millisecond), record.Success,
		nullString(record.Error), result, inputs)
	return err
}

// List returns the latest records of a point, newest first.
func (r *HistoryRepository) List(ctx context.Context, pointID string, limit int) ([]vp.ExecutionRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("history repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, point_id, trigger, started_at, duration_ms, success, error, result, inputs
FROM virtual_point_execution_history
WHERE point_id = $1
ORDER BY started_at DESC
LIMIT $2`, pointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vp.ExecutionRecord
	for rows.Next() {
		var (
			rec            vp.ExecutionRecord
			durationMS     float64
			errText        sql.NullString
			result, inputs []byte
		)
		if err := rows.Scan(&rec.ID, &rec.PointID, &rec.Trigger, &rec.StartedAt, &durationMS,
			&rec.Success, &errText, &result, &inputs); err != nil {
			return nil, err
		}
		rec.StartedAt = rec.StartedAt.UTC()
		rec.Duration = time.Duration(durationMS * float64(time.Millisecond))
		rec.Error = errText.String
		if len(result) > 0 {
			_ = json.Unmarshal(result, &rec.Result)
		}
		if len(inputs) > 0 {
			_ = json.Unmarshal(inputs, &rec.Inputs)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes records started before cutoff.
func (r *HistoryRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("history repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
DELETE FROM virtual_point_execution_history
WHERE started_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
