// Package index defines the ordering layer over datastore addresses:
// the Index interface every concrete index (rbtree.Tree, llist.List)
// implements, the IndexGroup composite, and the comparator / merger /
// keygen / condition function types the ODB façade wires together
// (spec §4.2-§4.4, §6).
package index

import (
	"errors"

	"github.com/oba-core/odb/datastore"
	"github.com/oba-core/odb/internal/markedset"
)

// Address re-exports the shared handle type.
type Address = datastore.Address

// ErrIdentMismatch is returned when a piece of data (or a child index)
// bearing one context's ident is submitted to another context's index
// or group (spec §7 "integrity-mismatch"). The operation is silently
// declined: no mutation occurs.
var ErrIdentMismatch = errors.New("index: ident mismatch")

// Comparator is the total ordering over record payloads, operating on
// the addresses that name them (the closure dereferences through
// whatever datastore owns the records being compared). Returns <0, 0,
// >0 as a strict weak order (spec §6 "i32 cmp(a,b)").
type Comparator func(a, b Address) int

// Merger is invoked when a newly inserted address compares equal to an
// already-present one; it returns the address that should be stored
// going forward (spec §6 "merge(new, old)", "typically old after
// mutating it").
type Merger func(newAddr, oldAddr Address) Address

// Keygen derives a secondary sort key from a record's address, used by
// indexes keyed on something other than the comparator's natural
// payload ordering (spec §6 "keygen(rec)").
type Keygen func(addr Address) []byte

// Condition reports whether a record should be included in a query
// result (spec §6 "cond(rec)").
type Condition func(addr Address) bool

// Probe compares an external lookup key (captured by the closure)
// against the record at addr, with the same sign convention as
// Comparator. Used by it_lookup (spec §4.2), which searches by a key
// that is not necessarily itself a stored record.
type Probe func(addr Address) int

// Iterator walks an index's addresses in the order the concrete index
// defines (ascending comparator order for rbtree/llist). Callers must
// call Release exactly once.
type Iterator interface {
	Next() bool
	Addr() Address
	Release()
}

// Populator is the subset of Index used when fanning addresses into a
// query result (spec §4.4 "query(condition, out_ds)" — out_ds is a
// datastore.Populator in this rendition, so a query result can target
// either an index or an indirect datastore directly).
type Populator interface {
	AddAddr(addr Address) bool
}

// Index is the common surface of rbtree.Tree, llist.List, and
// IndexGroup (spec §3 "Index", §4.4 "addressed as one").
type Index interface {
	// Ident returns the owning ODB context's ident, used for the
	// integrity check spec §3 describes ("ident matching its ODB
	// context").
	Ident() string

	// AddAddr inserts addr under the index's ordering policy. Returns
	// false only when drop_duplicates silently declined the insert.
	AddAddr(addr Address) bool

	// Remove drops addr from the index. Returns false if addr was not
	// held (spec §7 "not-found").
	Remove(addr Address) bool

	// RemoveSweep drops every address present in marked, using
	// O(log n) membership tests against the sorted/bitmap set (spec
	// §4.2, §4.7).
	RemoveSweep(marked *markedset.Set)

	// Update treats old[i] as renamed to new[i] for every i, rewriting
	// stored addresses in place without restructuring (spec §4.2
	// "update").
	Update(old, new []Address)

	// Count returns the number of addresses currently held, including
	// embedded duplicates.
	Count() int

	// ItFirst/ItLast return ordered iterators over every held address.
	ItFirst() Iterator
	ItLast() Iterator

	// ItLookup finds the record probe identifies exactly, or — absent
	// an exact hit — the nearest neighbor in the direction dir: dir<0
	// the largest key strictly less, dir>0 the smallest key strictly
	// greater, dir==0 a null iterator if absent (spec §4.2 "it_lookup").
	ItLookup(probe Probe, dir int) Iterator
}
