package application

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	vp "pointcalc/internal/virtualpoints/domain"
	"pointcalc/internal/virtualpoints/graph"
)

// millisSchedule fires at a fixed interval. cron.Every rounds to whole
// seconds, which is too coarse for timer points.
type millisSchedule struct {
	interval time.Duration
}

func (m millisSchedule) Next(t time.Time) time.Time {
	return t.Add(m.interval)
}

type timerEntry struct {
	id       cron.EntryID
	interval time.Duration
}

// Timers keeps one cron entry per enabled, valid timer point.
type Timers struct {
	cron   *cron.Cron
	onTick func(id string)
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]timerEntry
}

// NewTimers constructs timers on a cron instance owned by the caller.
func NewTimers(c *cron.Cron, onTick func(id string), logger *zap.Logger) *Timers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timers{
		cron:    c,
		onTick:  onTick,
		logger:  logger,
		entries: make(map[string]timerEntry),
	}
}

// Sync reconciles cron entries with a snapshot.
func (t *Timers) Sync(snap *graph.Snapshot) {
	if t == nil || t.cron == nil {
		return
	}
	want := make(map[string]time.Duration)
	for _, p := range snap.Points() {
		if p.Trigger != vp.TriggerTimer || !p.Enabled || !snap.Valid(p.ID) {
			continue
		}
		want[p.ID] = p.Interval()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.entries {
		if interval, ok := want[id]; ok && interval == entry.interval {
			continue
		}
		t.cron.Remove(entry.id)
		delete(t.entries, id)
	}
	for id, interval := range want {
		if _, ok := t.entries[id]; ok {
			continue
		}
		pointID := id
		entryID := t.cron.Schedule(millisSchedule{interval: interval}, cron.FuncJob(func() {
			t.onTick(pointID)
		}))
		t.entries[id] = timerEntry{id: entryID, interval: interval}
		t.logger.Debug("timer scheduled",
			zap.String("point", id),
			zap.Duration("interval", interval))
	}
}

// Len returns the number of active timers.
func (t *Timers) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
