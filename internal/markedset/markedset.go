// Package markedset represents the sorted set of addresses a datastore
// sweep selects for eviction.
//
// Spec §4.1 requires sweep to return "the set of marked addresses sorted
// ascending (for binary-search membership tests by indexes)". A hand-rolled
// sorted slice plus sort.Search gives that, but the retrieval pack shows a
// purpose-built ecosystem structure for exactly this shape — a sorted set
// of integer keys with fast membership and ordered iteration — in
// AKJUS-bsc-erigon's direct dependency on github.com/RoaringBitmap/roaring.
// Set wraps the 64-bit variant so the same code handles both the
// 32-bit bank chunk/offset encoding and the monotonic linked-list handles.
package markedset

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/oba-core/odb/internal/addrspace"
)

// Set is a sorted set of addresses produced by a sweep.
type Set struct {
	bm *roaring64.Bitmap
}

// New returns an empty Set.
func New() *Set {
	return &Set{bm: roaring64.New()}
}

// FromSorted builds a Set from an already-sorted slice of addresses.
func FromSorted(addrs []addrspace.Address) *Set {
	s := New()
	for _, a := range addrs {
		s.bm.Add(uint64(a))
	}
	return s
}

// Add marks addr as selected.
func (s *Set) Add(addr addrspace.Address) {
	s.bm.Add(uint64(addr))
}

// Contains reports whether addr was marked.
func (s *Set) Contains(addr addrspace.Address) bool {
	return s.bm.Contains(uint64(addr))
}

// Len returns the number of marked addresses.
func (s *Set) Len() int {
	return int(s.bm.GetCardinality())
}

// Sorted returns the marked addresses in ascending order.
func (s *Set) Sorted() []addrspace.Address {
	raw := s.bm.ToArray()
	out := make([]addrspace.Address, len(raw))
	for i, v := range raw {
		out[i] = addrspace.Address(v)
	}
	return out
}
