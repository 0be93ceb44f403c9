package index

import (
	"sync"

	"github.com/oba-core/odb/internal/markedset"
)

// IndexGroup is a composite of indexes or nested groups, addressed as
// one (spec §4.4): inserting or removing an address dispatches to every
// child; a query takes the union of every child's matches, relying on
// the caller to supply disjoint indexes when duplicate results are
// undesirable.
type IndexGroup struct {
	ident string

	mu       sync.RWMutex
	children []Index
}

// NewIndexGroup constructs an empty group owned by the context bearing
// ident.
func NewIndexGroup(ident string) *IndexGroup {
	return &IndexGroup{ident: ident}
}

// Ident returns the owning context's ident.
func (g *IndexGroup) Ident() string {
	return g.ident
}

// AddChild incorporates child into the group. Returns ErrIdentMismatch
// without mutating the group if child's ident differs from the group's
// own (spec §4.4 "a group refuses to incorporate a child whose ident
// differs from its own").
func (g *IndexGroup) AddChild(child Index) error {
	if child.Ident() != g.ident {
		return ErrIdentMismatch
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.children = append(g.children, child)
	return nil
}

// RemoveChild drops child from the group's direct children (it does not
// descend into nested groups). Returns false if child was not a direct
// member.
func (g *IndexGroup) RemoveChild(child Index) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range g.children {
		if c == child {
			g.children = append(g.children[:i], g.children[i+1:]...)
			return true
		}
	}
	return false
}

// Flatten returns the transitive list of Index leaves: every child that
// is itself an IndexGroup is expanded rather than included directly
// (spec §4.4 "flatten() returns the transitive list of Index leaves").
func (g *IndexGroup) Flatten() []Index {
	g.mu.RLock()
	children := append([]Index(nil), g.children...)
	g.mu.RUnlock()

	var out []Index
	for _, c := range children {
		if nested, ok := c.(*IndexGroup); ok {
			out = append(out, nested.Flatten()...)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// AddAddr dispatches addr to every child. Returns true if at least one
// child accepted it.
func (g *IndexGroup) AddAddr(addr Address) bool {
	g.mu.RLock()
	children := append([]Index(nil), g.children...)
	g.mu.RUnlock()

	ok := false
	for _, c := range children {
		if c.AddAddr(addr) {
			ok = true
		}
	}
	return ok
}

// Remove dispatches removal of addr to every child (spec §5.4
// IndexGroup.Remove, supplemented from original_source).
func (g *IndexGroup) Remove(addr Address) bool {
	g.mu.RLock()
	children := append([]Index(nil), g.children...)
	g.mu.RUnlock()

	ok := false
	for _, c := range children {
		if c.Remove(addr) {
			ok = true
		}
	}
	return ok
}

// RemoveSweep dispatches a sweep's marked set to every child.
func (g *IndexGroup) RemoveSweep(marked *markedset.Set) {
	g.mu.RLock()
	children := append([]Index(nil), g.children...)
	g.mu.RUnlock()

	for _, c := range children {
		c.RemoveSweep(marked)
	}
}

// Update dispatches a relocation rewrite to every child.
func (g *IndexGroup) Update(old, new []Address) {
	g.mu.RLock()
	children := append([]Index(nil), g.children...)
	g.mu.RUnlock()

	for _, c := range children {
		c.Update(old, new)
	}
}

// Count sums every direct child's count. Note a nested group's count is
// already the sum of its own children, so this does not double-count
// across the flattened leaf set for a well-formed (non-overlapping)
// group tree.
func (g *IndexGroup) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, c := range g.children {
		n += c.Count()
	}
	return n
}

// ItFirst returns an iterator over the union of every child's
// addresses, in child order then each child's own order. Duplicates may
// repeat across children, by design (spec §4.4).
func (g *IndexGroup) ItFirst() Iterator {
	return newGroupIterator(g.Flatten(), true)
}

// ItLast is the reverse-order counterpart of ItFirst.
func (g *IndexGroup) ItLast() Iterator {
	return newGroupIterator(g.Flatten(), false)
}

// ItLookup is not a meaningful operation for a composite of possibly
// differently-ordered children; it always returns a null (already
// exhausted) iterator. Callers needing a keyed lookup should query an
// individual leaf index via Flatten.
func (g *IndexGroup) ItLookup(probe Probe, dir int) Iterator {
	return &groupIterator{done: true}
}

// Query dispatches cond to every flattened leaf index and adds every
// address it accepts into out. Results may repeat across leaves (spec
// §4.4 "query... results may repeat across children").
func (g *IndexGroup) Query(cond Condition, out Populator) {
	for _, leaf := range g.Flatten() {
		it := leaf.ItFirst()
		for it.Next() {
			addr := it.Addr()
			if cond(addr) {
				out.AddAddr(addr)
			}
		}
		it.Release()
	}
}

// groupIterator concatenates the child iterators returned by Flatten,
// advancing to the next child's ItFirst/ItLast once the current one is
// exhausted.
type groupIterator struct {
	leaves  []Index
	pos     int
	forward bool
	cur     Iterator
	done    bool
}

func newGroupIterator(leaves []Index, forward bool) *groupIterator {
	return &groupIterator{leaves: leaves, forward: forward}
}

func (it *groupIterator) Next() bool {
	if it.done {
		return false
	}
	for {
		if it.cur == nil {
			if it.pos >= len(it.leaves) {
				it.done = true
				return false
			}
			leaf := it.leaves[it.pos]
			it.pos++
			if it.forward {
				it.cur = leaf.ItFirst()
			} else {
				it.cur = leaf.ItLast()
			}
		}
		if it.cur.Next() {
			return true
		}
		it.cur.Release()
		it.cur = nil
	}
}

func (it *groupIterator) Addr() Address {
	return it.cur.Addr()
}

func (it *groupIterator) Release() {
	if it.cur != nil {
		it.cur.Release()
		it.cur = nil
	}
	it.done = true
}
