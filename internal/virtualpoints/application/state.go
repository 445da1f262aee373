package application

import (
	"sync"
	"sync/atomic"
	"time"

	vp "pointcalc/internal/virtualpoints/domain"
)

// State is the scheduling state of a virtual point.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateEvaluating
	StateCached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateEvaluating:
		return "evaluating"
	case StateCached:
		return "cached"
	default:
		return "unknown"
	}
}

const (
	skipCached    = "cached"
	skipCoalesced = "coalesced"
	skipStale     = "stale"
	skipDisabled  = "disabled"
)

// runtime is the mutable per-point record. state is only changed by CAS;
// value and stats are guarded by mu.
type runtime struct {
	id          string
	state       atomic.Int32
	cachedUntil atomic.Int64

	mu    sync.Mutex
	value vp.Value
	stats vp.Stats
}

func newRuntime(id string) *runtime {
	return &runtime{id: id, value: vp.Value{PointID: id}}
}

func (r *runtime) load() State {
	return State(r.state.Load())
}

func (r *runtime) cas(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// claim moves the point into Scheduled. It returns the skip reason when the
// point is already queued, evaluating or still cached.
func (r *runtime) claim(now time.Time, force bool) (bool, string) {
	for {
		switch st := r.load(); st {
		case StateIdle:
			if r.cas(StateIdle, StateScheduled) {
				return true, ""
			}
		case StateCached:
			if !force && now.UnixNano() < r.cachedUntil.Load() {
				return false, skipCached
			}
			if r.cas(StateCached, StateScheduled) {
				return true, ""
			}
		default:
			return false, skipCoalesced
		}
	}
}

// release returns a claimed point that was not evaluated to its resting state.
func (r *runtime) release(now time.Time) {
	if now.UnixNano() < r.cachedUntil.Load() {
		r.cas(StateScheduled, StateCached)
		return
	}
	r.cas(StateScheduled, StateIdle)
}

// settle leaves Evaluating, entering Cached while a cache window is open.
func (r *runtime) settle(cachedUntil time.Time) {
	if cachedUntil.IsZero() {
		r.cachedUntil.Store(0)
		r.cas(StateEvaluating, StateIdle)
		return
	}
	r.cachedUntil.Store(cachedUntil.UnixNano())
	r.cas(StateEvaluating, StateCached)
}
