package graph

import (
	"fmt"
	"sort"

	values "pointcalc/internal/values/domain"
	vp "pointcalc/internal/virtualpoints/domain"
)

// Catalog answers whether a data point exists. A nil catalog disables the check.
type Catalog interface {
	HasDataPoint(id string) bool
}

// Validator performs extra per-point checks such as formula syntax.
type Validator func(point vp.VirtualPoint) error

// BuildOption customizes Build.
type BuildOption func(*builder)

// WithValidator adds a per-point validator run after the structural checks.
func WithValidator(v Validator) BuildOption {
	return func(b *builder) {
		if v != nil {
			b.validators = append(b.validators, v)
		}
	}
}

// WithVersion stamps the snapshot with a configuration version.
func WithVersion(version uint64) BuildOption {
	return func(b *builder) {
		b.version = version
	}
}

type builder struct {
	validators []Validator
	version    uint64
}

// Snapshot is an immutable dependency graph over virtual points. Nodes are
// addressed by arena index; edges run from a dependency to its consumers.
type Snapshot struct {
	version       uint64
	points        []vp.VirtualPoint
	index         map[string]int
	upstream      [][]int
	consumers     [][]int
	dataConsumers map[string][]int
	errs          []error
	order         []int
	rank          []int
}

// Build constructs a snapshot. Invalid points are kept in the snapshot with
// their error but never appear in the topological order.
func Build(points []vp.VirtualPoint, catalog Catalog, opts ...BuildOption) *Snapshot {
	b := builder{}
	for _, opt := range opts {
		opt(&b)
	}

	n := len(points)
	s := &Snapshot{
		version:       b.version,
		points:        make([]vp.VirtualPoint, n),
		index:         make(map[string]int, n),
		upstream:      make([][]int, n),
		consumers:     make([][]int, n),
		dataConsumers: make(map[string][]int),
		errs:          make([]error, n),
		rank:          make([]int, n),
	}
	copy(s.points, points)

	for i, p := range s.points {
		if _, dup := s.index[p.ID]; dup {
			s.errs[i] = fmt.Errorf("%w: duplicate id %s", vp.ErrInvalidPoint, p.ID)
			continue
		}
		s.index[p.ID] = i
	}

	for i, p := range s.points {
		if s.errs[i] != nil {
			continue
		}
		if err := p.Validate(); err != nil {
			s.errs[i] = err
			continue
		}
		for _, v := range b.validators {
			if err := v(p); err != nil {
				s.errs[i] = fmt.Errorf("%w: %v", vp.ErrInvalidPoint, err)
				break
			}
		}
	}

	for i, p := range s.points {
		seenUp := make(map[int]struct{})
		seenData := make(map[string]struct{})
		for _, in := range p.Inputs {
			switch in.Source {
			case vp.SourceVirtualPoint:
				j, ok := s.index[in.RefID]
				if !ok {
					if s.errs[i] == nil {
						s.errs[i] = fmt.Errorf("%w: virtual point %s", vp.ErrMissingReference, in.RefID)
					}
					continue
				}
				if _, dup := seenUp[j]; dup {
					continue
				}
				seenUp[j] = struct{}{}
				s.upstream[i] = append(s.upstream[i], j)
				s.consumers[j] = append(s.consumers[j], i)
			case vp.SourceDataPoint:
				if catalog != nil && !catalog.HasDataPoint(in.RefID) && s.errs[i] == nil {
					s.errs[i] = fmt.Errorf("%w: data point %s", vp.ErrMissingReference, in.RefID)
				}
				if _, dup := seenData[in.RefID]; dup {
					continue
				}
				seenData[in.RefID] = struct{}{}
				s.dataConsumers[in.RefID] = append(s.dataConsumers[in.RefID], i)
			}
		}
	}

	s.markCycles()
	s.propagateInvalid()
	s.sortTopological()
	return s
}

// markCycles runs Tarjan's algorithm and flags every node of a non-trivial
// strongly connected component, or with a self edge, as cyclic.
func (s *Snapshot) markCycles() {
	n := len(s.points)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	next := 0

	var connect func(v int)
	connect = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range s.consumers[v] {
			if index[w] < 0 {
				connect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && index[w] < low[v] {
				low[v] = index[w]
			}
		}

		if low[v] != index[v] {
			return
		}
		var component []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) == 1 && !s.selfEdge(v) {
			return
		}
		ids := make([]string, 0, len(component))
		for _, w := range component {
			ids = append(ids, s.points[w].ID)
		}
		sort.Strings(ids)
		for _, w := range component {
			s.errs[w] = fmt.Errorf("%w: %v", vp.ErrCycleDetected, ids)
		}
	}

	for v := 0; v < n; v++ {
		if index[v] < 0 {
			connect(v)
		}
	}
}

func (s *Snapshot) selfEdge(v int) bool {
	for _, w := range s.upstream[v] {
		if w == v {
			return true
		}
	}
	return false
}

func (s *Snapshot) propagateInvalid() {
	var queue []int
	for i, err := range s.errs {
		if err != nil {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range s.consumers[v] {
			if s.errs[w] != nil {
				continue
			}
			s.errs[w] = fmt.Errorf("%w: depends on %s", vp.ErrInvalidDependency, s.points[v].ID)
			queue = append(queue, w)
		}
	}
}

// sortTopological orders valid nodes with Kahn's algorithm, breaking ties by id.
func (s *Snapshot) sortTopological() {
	n := len(s.points)
	indegree := make([]int, n)
	for i := 0; i < n; i++ {
		s.rank[i] = -1
		if s.errs[i] != nil {
			continue
		}
		indegree[i] = len(s.upstream[i])
	}
	var ready []int
	for i := 0; i < n; i++ {
		if s.errs[i] == nil && indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	byID := func(a, b int) bool { return s.points[a].ID < s.points[b].ID }

	s.order = make([]int, 0, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return byID(ready[a], ready[b]) })
		v := ready[0]
		ready = ready[1:]
		s.rank[v] = len(s.order)
		s.order = append(s.order, v)
		for _, w := range s.consumers[v] {
			if s.errs[w] != nil {
				continue
			}
			indegree[w]--
			if indegree[w] == 0 {
				ready = append(ready, w)
			}
		}
	}
}

// Version returns the configuration version the snapshot was built from.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Len returns the number of points in the snapshot, valid or not.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.points)
}

// Point returns the definition of a point.
func (s *Snapshot) Point(id string) (vp.VirtualPoint, bool) {
	if s == nil {
		return vp.VirtualPoint{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return vp.VirtualPoint{}, false
	}
	return s.points[i], true
}

// Err returns the configuration error of a point, or nil when it is valid.
func (s *Snapshot) Err(id string) error {
	if s == nil {
		return vp.ErrNotFound
	}
	i, ok := s.index[id]
	if !ok {
		return vp.ErrNotFound
	}
	return s.errs[i]
}

// Valid reports whether a point may be scheduled.
func (s *Snapshot) Valid(id string) bool {
	return s.Err(id) == nil
}

// Rank returns the topological position of a valid point, or -1.
func (s *Snapshot) Rank(id string) int {
	if s == nil {
		return -1
	}
	i, ok := s.index[id]
	if !ok {
		return -1
	}
	return s.rank[i]
}

// Order returns valid point ids in topological order.
func (s *Snapshot) Order() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.order))
	for _, i := range s.order {
		ids = append(ids, s.points[i].ID)
	}
	return ids
}

// Points returns every point in the snapshot.
func (s *Snapshot) Points() []vp.VirtualPoint {
	if s == nil {
		return nil
	}
	out := make([]vp.VirtualPoint, len(s.points))
	copy(out, s.points)
	return out
}

// Invalid returns the error of every point excluded from scheduling.
func (s *Snapshot) Invalid() map[string]error {
	out := make(map[string]error)
	if s == nil {
		return out
	}
	for i, err := range s.errs {
		if err != nil {
			out[s.points[i].ID] = err
		}
	}
	return out
}

// DirectConsumers returns the valid points that read key directly.
func (s *Snapshot) DirectConsumers(key values.Key) []string {
	if s == nil {
		return nil
	}
	var ids []string
	for _, i := range s.direct(key) {
		if s.errs[i] == nil {
			ids = append(ids, s.points[i].ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Dependents returns the valid transitive dependents of key, each at most
// once, ordered by topological rank. Traversal only enters points accepted by
// follow; a nil follow accepts every point.
func (s *Snapshot) Dependents(key values.Key, follow func(vp.VirtualPoint) bool) []string {
	if s == nil {
		return nil
	}
	visited := make(map[int]struct{})
	var found []int
	queue := append([]int(nil), s.direct(key)...)
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if _, seen := visited[v]; seen {
			continue
		}
		visited[v] = struct{}{}
		if s.errs[v] != nil {
			continue
		}
		if follow != nil && !follow(s.points[v]) {
			continue
		}
		found = append(found, v)
		queue = append(queue, s.consumers[v]...)
	}
	sort.Slice(found, func(a, b int) bool { return s.rank[found[a]] < s.rank[found[b]] })
	ids := make([]string, 0, len(found))
	for _, i := range found {
		ids = append(ids, s.points[i].ID)
	}
	return ids
}

func (s *Snapshot) direct(key values.Key) []int {
	switch key.Kind {
	case values.KindDataPoint:
		return s.dataConsumers[key.ID]
	case values.KindVirtualPoint:
		i, ok := s.index[key.ID]
		if !ok {
			return nil
		}
		return s.consumers[i]
	default:
		return nil
	}
}
