package backend

import (
	"sort"
	"sync"
	"sync/atomic"
)

// view is one immutable generation of the table. Lookups and iteration
// run against a view and therefore see a point-in-time-consistent set.
type view struct {
	byID map[ID]*Backend
	ids  []ID // ascending, for deterministic iteration
}

func (v *view) clone() *view {
	next := &view{
		byID: make(map[ID]*Backend, len(v.byID)+1),
		ids:  make([]ID, len(v.ids)),
	}
	for id, b := range v.byID {
		next.byID[id] = b
	}
	copy(next.ids, v.ids)
	return next
}

// Table maps backend ids to backends. Reads are lock-free: they load the
// current view through an atomic pointer. Writes clone the view under a
// mutex and publish the copy, so insertion and removal are serialized
// while readers keep whatever generation they already loaded.
type Table struct {
	mu      sync.Mutex
	current atomic.Pointer[view]
}

// NewTable creates an empty table
func NewTable() *Table {
	t := &Table{}
	t.current.Store(&view{byID: make(map[ID]*Backend)})
	return t
}

// Get returns the backend with the given id
func (t *Table) Get(id ID) (*Backend, bool) {
	b, ok := t.current.Load().byID[id]
	return b, ok
}

// Len returns the number of backends in the table
func (t *Table) Len() int {
	return len(t.current.Load().ids)
}

// All returns every backend in ascending id order.
func (t *Table) All() []*Backend {
	v := t.current.Load()
	result := make([]*Backend, 0, len(v.ids))
	for _, id := range v.ids {
		result = append(result, v.byID[id])
	}
	return result
}

// Selectable returns the backends eligible for new connections (alive
// and not draining), in ascending id order. The slice is built from a
// single view, so one call never mixes generations.
func (t *Table) Selectable() []*Backend {
	v := t.current.Load()
	result := make([]*Backend, 0, len(v.ids))
	for _, id := range v.ids {
		if b := v.byID[id]; b.Selectable() {
			result = append(result, b)
		}
	}
	return result
}

// Insert adds a backend. It reports false if the id is already present.
func (t *Table) Insert(b *Backend) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.current.Load()
	if _, exists := v.byID[b.ID()]; exists {
		return false
	}
	next := v.clone()
	next.byID[b.ID()] = b
	next.ids = append(next.ids, b.ID())
	sort.Slice(next.ids, func(i, j int) bool { return next.ids[i] < next.ids[j] })
	t.current.Store(next)
	return true
}

// Remove deletes the backend with the given id and returns it.
func (t *Table) Remove(id ID) (*Backend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.current.Load()
	b, exists := v.byID[id]
	if !exists {
		return nil, false
	}
	next := v.clone()
	delete(next.byID, id)
	for i, existing := range next.ids {
		if existing == id {
			next.ids = append(next.ids[:i], next.ids[i+1:]...)
			break
		}
	}
	t.current.Store(next)
	return b, true
}

// Draining returns the backends currently in the draining state, in
// ascending id order.
func (t *Table) Draining() []*Backend {
	v := t.current.Load()
	result := make([]*Backend, 0, len(v.ids))
	for _, id := range v.ids {
		if b := v.byID[id]; b.IsDraining() {
			result = append(result, b)
		}
	}
	return result
}
