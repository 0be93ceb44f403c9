// Package llist implements the linked-list index: an ordered singly-
// linked list of (address, next) nodes (spec §4.3). It shares the
// red-black tree's duplicate-merge policy but has no embedded subtree —
// duplicates are simply inlined at equal-key positions.
package llist

import (
	"github.com/oba-core/odb/index"
	"github.com/oba-core/odb/internal/markedset"
)

// Address re-exports the shared handle type.
type Address = index.Address

type node struct {
	addr Address
	next *node
}

// List is an ordered singly-linked list index over addresses supplied
// by some datastore (spec §4.3). It implements index.Index.
type List struct {
	ident   string
	cmp     index.Comparator
	merger  index.Merger
	dropDup bool

	head  *node
	count int
}

// New constructs an empty linked-list index owned by the context
// bearing ident, ordered by cmp.
func New(ident string, cmp index.Comparator, merger index.Merger, dropDuplicates bool) *List {
	return &List{ident: ident, cmp: cmp, merger: merger, dropDup: dropDuplicates}
}

// Ident returns the owning context's ident.
func (l *List) Ident() string {
	return l.ident
}

// Count returns the number of addresses held.
func (l *List) Count() int {
	return l.count
}

// AddAddr inserts addr at its ordered position. Returns false only when
// drop_duplicates silently declined the insert.
func (l *List) AddAddr(addr Address) bool {
	if l.head == nil {
		l.head = &node{addr: addr}
		l.count++
		return true
	}

	var prev *node
	cur := l.head
	for cur != nil {
		c := l.cmp(addr, cur.addr)
		if c == 0 {
			if l.dropDup {
				return false
			}
			if l.merger != nil {
				cur.addr = l.merger(addr, cur.addr)
				return true
			}
			// No drop_duplicates and no merger: inline the duplicate
			// immediately after the matched node (spec §4.3 "duplicates
			// inline in the list at equal-key positions").
			n := &node{addr: addr, next: cur.next}
			cur.next = n
			l.count++
			return true
		}
		if c < 0 {
			n := &node{addr: addr, next: cur}
			if prev == nil {
				l.head = n
			} else {
				prev.next = n
			}
			l.count++
			return true
		}
		prev = cur
		cur = cur.next
	}

	prev.next = &node{addr: addr}
	l.count++
	return true
}

// Remove drops the first node holding addr. Returns false if addr was
// not held.
func (l *List) Remove(addr Address) bool {
	var prev *node
	cur := l.head
	for cur != nil {
		if cur.addr == addr {
			if prev == nil {
				l.head = cur.next
			} else {
				prev.next = cur.next
			}
			l.count--
			return true
		}
		prev = cur
		cur = cur.next
	}
	return false
}

// RemoveSweep performs a single pass, splicing out any node whose
// address is in marked (spec §4.3).
func (l *List) RemoveSweep(marked *markedset.Set) {
	if marked == nil || marked.Len() == 0 {
		return
	}
	var prev *node
	cur := l.head
	for cur != nil {
		next := cur.next
		if marked.Contains(cur.addr) {
			if prev == nil {
				l.head = next
			} else {
				prev.next = next
			}
			l.count--
		} else {
			prev = cur
		}
		cur = next
	}
}

// Update treats old[i] as renamed to new[i], rewriting the stored
// address in place.
func (l *List) Update(old, new []Address) {
	for i := range old {
		for cur := l.head; cur != nil; cur = cur.next {
			if cur.addr == old[i] {
				cur.addr = new[i]
				break
			}
		}
	}
}

// ItFirst returns a forward iterator (the list's only order).
func (l *List) ItFirst() index.Iterator {
	return &listIterator{cur: l.head}
}

// ItLast is forward-only too (spec §4.3 "Iterators are forward-only");
// callers wanting the tail must exhaust ItFirst.
func (l *List) ItLast() index.Iterator {
	return &listIterator{cur: l.head}
}

// ItLookup performs a linear scan for the exact hit or, absent one, the
// nearest neighbor in the requested direction. Since the list holds at
// most one representative per equivalence class when drop_duplicates or
// merger is configured (and consecutive equal-key runs otherwise), a
// single forward pass suffices.
func (l *List) ItLookup(probe index.Probe, dir int) index.Iterator {
	var lastLess *node
	for cur := l.head; cur != nil; cur = cur.next {
		c := probe(cur.addr)
		switch {
		case c == 0:
			return &listIterator{cur: cur}
		case c < 0:
			lastLess = cur
		default:
			if dir < 0 {
				return &listIterator{cur: lastLess}
			}
			if dir > 0 {
				return &listIterator{cur: cur}
			}
		}
	}
	if dir < 0 {
		return &listIterator{cur: lastLess}
	}
	return &listIterator{cur: nil}
}

type listIterator struct {
	cur     *node
	started bool
}

func (it *listIterator) Next() bool {
	if !it.started {
		it.started = true
		return it.cur != nil
	}
	if it.cur == nil {
		return false
	}
	it.cur = it.cur.next
	return it.cur != nil
}

func (it *listIterator) Addr() Address {
	return it.cur.addr
}

func (it *listIterator) Release() {}
