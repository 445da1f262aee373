package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	alarms "pointcalc/internal/alarms/domain"
)

// OccurrenceRepository keeps occurrences in memory.
type OccurrenceRepository struct {
	mu    sync.RWMutex
	items map[string]alarms.Occurrence
}

// NewOccurrenceRepository constructs an empty repository.
func NewOccurrenceRepository() *OccurrenceRepository {
	return &OccurrenceRepository{items: make(map[string]alarms.Occurrence)}
}

// Save inserts or replaces an occurrence.
func (r *OccurrenceRepository) Save(ctx context.Context, occ alarms.Occurrence) error {
	_ = ctx
	if r == nil {
		return errors.New("alarms: nil repository")
	}
	if occ.ID == "" {
		return errors.New("alarms: occurrence id required")
	}
	r.mu.Lock()
	r.items[occ.ID] = cloneOccurrence(occ)
	r.mu.Unlock()
	return nil
}

// Get returns an occurrence by id.
func (r *OccurrenceRepository) Get(ctx context.Context, id string) (alarms.Occurrence, error) {
	_ = ctx
	if r == nil {
		return alarms.Occurrence{}, errors.New("alarms: nil repository")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	occ, ok := r.items[id]
	if !ok {
		return alarms.Occurrence{}, alarms.ErrNotFound
	}
	return cloneOccurrence(occ), nil
}

// ListOpen returns active and acknowledged occurrences, oldest first.
func (r *OccurrenceRepository) ListOpen(ctx context.Context) ([]alarms.Occurrence, error) {
	all, err := r.List(ctx, alarms.OccurrenceFilter{})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, occ := range all {
		if occ.Open() {
			out = append(out, occ)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// List returns occurrences matching filter, newest first.
func (r *OccurrenceRepository) List(ctx context.Context, filter alarms.OccurrenceFilter) ([]alarms.Occurrence, error) {
	_ = ctx
	if r == nil {
		return nil, errors.New("alarms: nil repository")
	}
	r.mu.RLock()
	out := make([]alarms.Occurrence, 0, len(r.items))
	for _, occ := range r.items {
		if filter.Match(occ) {
			out = append(out, cloneOccurrence(occ))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneOccurrence(occ alarms.Occurrence) alarms.Occurrence {
	if occ.Context != nil {
		ctx := make(map[string]any, len(occ.Context))
		for k, v := range occ.Context {
			ctx[k] = v
		}
		occ.Context = ctx
	}
	return occ
}
