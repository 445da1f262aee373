package memory

import (
	"context"
	"errors"
	"sync"

	vp "pointcalc/internal/virtualpoints/domain"
)

const defaultHistoryPerPoint = 100

// HistoryRepository keeps the latest execution records per point in a ring.
type HistoryRepository struct {
	mu       sync.RWMutex
	perPoint int
	rings    map[string]*ring
}

type ring struct {
	records []vp.ExecutionRecord
	next    int
	full    bool
}

// NewHistoryRepository constructs a repository keeping perPoint records per point.
func NewHistoryRepository(perPoint int) *HistoryRepository {
	if perPoint <= 0 {
		perPoint = defaultHistoryPerPoint
	}
	return &HistoryRepository{
		perPoint: perPoint,
		rings:    make(map[string]*ring),
	}
}

// Append stores a record, evicting the oldest one of the point when full.
func (r *HistoryRepository) Append(ctx context.Context, record vp.ExecutionRecord) error {
	_ = ctx
	if r == nil {
		return errors.New("history repo: nil repository")
	}
	if record.PointID == "" {
		return errors.New("history repo: empty point id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rg := r.rings[record.PointID]
	if rg == nil {
		rg = &ring{records: make([]vp.ExecutionRecord, r.perPoint)}
		r.rings[record.PointID] = rg
	}
	rg.records[rg.next] = record
	rg.next = (rg.next + 1) % len(rg.records)
	if rg.next == 0 {
		rg.full = true
	}
	return nil
}

// List returns up to limit records of a point, newest first.
func (r *HistoryRepository) List(ctx context.Context, pointID string, limit int) ([]vp.ExecutionRecord, error) {
	_ = ctx
	if r == nil {
		return nil, errors.New("history repo: nil repository")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rg := r.rings[pointID]
	if rg == nil {
		return nil, nil
	}
	size := rg.next
	if rg.full {
		size = len(rg.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]vp.ExecutionRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (rg.next - i + len(rg.records)) % len(rg.records)
		out = append(out, rg.records[idx])
	}
	return out, nil
}
