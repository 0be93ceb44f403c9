package rbtree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oba-core/odb/index"
	"github.com/oba-core/odb/internal/markedset"
)

// intStore is a tiny in-test stand-in for a datastore: it maps each
// synthetic Address directly to the integer payload, so the tree's
// comparator can be expressed in terms of ordinary ints.
type intStore map[Address]int

func (s intStore) cmp(a, b Address) int {
	switch {
	case s[a] < s[b]:
		return -1
	case s[a] > s[b]:
		return 1
	default:
		return 0
	}
}

func collect(it index.Iterator) []Address {
	var out []Address
	for it.Next() {
		out = append(out, it.Addr())
	}
	it.Release()
	return out
}

func TestAddAddrUniqueIntegersOrdersAscending(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)

	values := []int{50, 20, 80, 10, 30, 70, 90, 5, 15, 25}
	for i, v := range values {
		addr := Address(i + 1)
		store[addr] = v
		ok := tree.AddAddr(addr)
		require.True(t, ok)
	}

	require.Equal(t, len(values), tree.Count())
	require.NotZero(t, tree.Verify(), "red-black invariants violated after inserts")

	var got []int
	for _, a := range collect(tree.ItFirst()) {
		got = append(got, store[a])
	}
	assert.Equal(t, []int{5, 10, 15, 20, 25, 30, 50, 70, 80, 90}, got)
}

func TestItLastIsReverseOfItFirst(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	for i, v := range []int{3, 1, 4, 1, 5, 9, 2, 6} {
		addr := Address(i + 1)
		store[addr] = v
		tree.AddAddr(addr)
	}

	fwd := collect(tree.ItFirst())
	rev := collect(tree.ItLast())
	require.Equal(t, len(fwd), len(rev))
	for i := range fwd {
		assert.Equal(t, fwd[i], rev[len(rev)-1-i])
	}
}

func TestSingleElementIteratorDoesNotPanic(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	store[1] = 42
	tree.AddAddr(1)

	it := tree.ItFirst()
	require.True(t, it.Next())
	assert.EqualValues(t, 1, it.Addr())
	require.False(t, it.Next())
	it.Release()
}

func TestEmptyTreeIteratorYieldsNothing(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	it := tree.ItFirst()
	assert.False(t, it.Next())
	it.Release()
}

// TestDuplicateInsertionEmbedsIntoSubtree covers scenario 2: inserting an
// address whose key already exists (no merger, no drop_duplicates) routes
// it into the owning node's embedded duplicates subtree rather than
// rejecting or replacing it, and iteration must still surface every
// duplicate address.
func TestDuplicateInsertionEmbedsIntoSubtree(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)

	store[1] = 10
	store[2] = 10 // duplicate key
	store[3] = 10 // duplicate key
	store[4] = 20

	require.True(t, tree.AddAddr(1))
	require.True(t, tree.AddAddr(2))
	require.True(t, tree.AddAddr(3))
	require.True(t, tree.AddAddr(4))

	assert.Equal(t, 4, tree.Count())

	all := collect(tree.ItFirst())
	assert.Len(t, all, 4)
	seen := map[Address]bool{}
	for _, a := range all {
		seen[a] = true
	}
	for _, a := range []Address{1, 2, 3, 4} {
		assert.True(t, seen[a], "address %d missing from traversal", a)
	}

	// The three duplicates of value 10 must all precede the 20 in
	// ascending order.
	idx20 := -1
	for i, a := range all {
		if store[a] == 20 {
			idx20 = i
		}
	}
	require.NotEqual(t, -1, idx20)
	assert.Equal(t, 3, idx20, "all three duplicates should precede the unique larger key")
}

func TestDropDuplicatesDeclinesSilently(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, true)
	store[1] = 10
	store[2] = 10

	require.True(t, tree.AddAddr(1))
	ok := tree.AddAddr(2)
	assert.False(t, ok)
	assert.Equal(t, 1, tree.Count())
}

func TestMergerReplacesStoredAddress(t *testing.T) {
	store := intStore{}
	merger := func(newAddr, oldAddr Address) Address { return newAddr }
	tree := New("ctx", store.cmp, merger, false)
	store[1] = 10
	store[2] = 10

	require.True(t, tree.AddAddr(1))
	require.True(t, tree.AddAddr(2))
	assert.Equal(t, 1, tree.Count())

	got := collect(tree.ItFirst())
	require.Len(t, got, 1)
	assert.Equal(t, Address(2), got[0])
}

func TestRemoveDropsAddress(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	for i, v := range []int{5, 3, 8, 1, 4} {
		addr := Address(i + 1)
		store[addr] = v
		tree.AddAddr(addr)
	}

	ok := tree.Remove(Address(2)) // value 3
	require.True(t, ok)
	assert.Equal(t, 4, tree.Count())
	assert.NotZero(t, tree.Verify())

	var got []int
	for _, a := range collect(tree.ItFirst()) {
		got = append(got, store[a])
	}
	assert.Equal(t, []int{1, 4, 5, 8}, got)
}

func TestRemoveUnknownAddressReturnsFalse(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	store[1] = 1
	tree.AddAddr(1)
	assert.False(t, tree.Remove(Address(99)))
}

func TestRemoveFromEmbeddedSubtree(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	store[1] = 10
	store[2] = 10
	store[3] = 10
	tree.AddAddr(1)
	tree.AddAddr(2)
	tree.AddAddr(3)

	require.True(t, tree.Remove(Address(2)))
	assert.Equal(t, 2, tree.Count())
	got := collect(tree.ItFirst())
	assert.Len(t, got, 2)
	assert.NotContains(t, got, Address(2))
}

func TestRemoveSweepDropsMarkedAddresses(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	for i, v := range []int{1, 2, 3, 4, 5} {
		addr := Address(i + 1)
		store[addr] = v
		tree.AddAddr(addr)
	}

	marked := markedset.FromSorted([]index.Address{2, 4})
	tree.RemoveSweep(marked)

	assert.Equal(t, 3, tree.Count())
	got := collect(tree.ItFirst())
	assert.NotContains(t, got, Address(2))
	assert.NotContains(t, got, Address(4))
}

func TestUpdateRewritesAddressInPlace(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	store[1] = 10
	store[2] = 20
	tree.AddAddr(1)
	tree.AddAddr(2)

	// Relocate address 1 to address 3; the comparator must still see the
	// same key (10) so no restructuring is required.
	store[3] = 10
	tree.Update([]Address{1}, []Address{3})

	got := collect(tree.ItFirst())
	assert.Contains(t, got, Address(3))
	assert.NotContains(t, got, Address(1))
}

func TestItLookupExactAndNeighbors(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	for i, v := range []int{10, 20, 30, 40, 50} {
		addr := Address(i + 1)
		store[addr] = v
		tree.AddAddr(addr)
	}

	probe := func(target int) index.Probe {
		return func(addr Address) int {
			switch {
			case store[addr] < target:
				return -1
			case store[addr] > target:
				return 1
			default:
				return 0
			}
		}
	}

	// Exact hit.
	it := tree.ItLookup(probe(30), 0)
	require.True(t, it.Next())
	assert.Equal(t, 30, store[it.Addr()])
	it.Release()

	// No exact hit, dir<0: largest strictly less than 25 is 20.
	it = tree.ItLookup(probe(25), -1)
	require.True(t, it.Next())
	assert.Equal(t, 20, store[it.Addr()])
	it.Release()

	// No exact hit, dir>0: smallest strictly greater than 25 is 30.
	it = tree.ItLookup(probe(25), 1)
	require.True(t, it.Next())
	assert.Equal(t, 30, store[it.Addr()])
	it.Release()

	// No exact hit, dir==0: null iterator.
	it = tree.ItLookup(probe(25), 0)
	assert.False(t, it.Next())
	it.Release()

	// Out of range beyond the maximum, dir>0: no candidate.
	it = tree.ItLookup(probe(1000), 1)
	assert.False(t, it.Next())
	it.Release()

	// Out of range below the minimum, dir<0: no candidate.
	it = tree.ItLookup(probe(-1000), -1)
	assert.False(t, it.Next())
	it.Release()
}

// TestEmbeddedTreeIterationOrder covers scenario 6: an iterator must
// descend into a node's embedded duplicates subtree before moving past
// that node, and each embedded subtree's own duplicates must surface in
// their own ascending address order.
func TestEmbeddedTreeIterationOrder(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)

	store[10] = 1
	store[1] = 5
	store[2] = 5
	store[3] = 5
	store[20] = 9

	for _, a := range []Address{10, 1, 2, 3, 20} {
		require.True(t, tree.AddAddr(a))
	}

	got := collect(tree.ItFirst())
	require.Len(t, got, 5)

	// Value 1 (addr 10) first, then the three duplicates of value 5 in
	// ascending address order (embedded subtree is keyed by address
	// identity), then value 9 (addr 20) last.
	assert.Equal(t, Address(10), got[0])
	assert.ElementsMatch(t, []Address{1, 2, 3}, got[1:4])
	assert.Equal(t, []Address{1, 2, 3}, got[1:4], "embedded subtree iterates in ascending address order")
	assert.Equal(t, Address(20), got[4])
}

func TestRandomizedInsertDeleteMaintainsInvariants(t *testing.T) {
	store := intStore{}
	tree := New("ctx", store.cmp, nil, false)
	rng := rand.New(rand.NewSource(1))

	live := map[Address]bool{}
	var nextAddr Address = 1
	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			addr := nextAddr
			nextAddr++
			store[addr] = rng.Intn(1000)
			tree.AddAddr(addr)
			live[addr] = true
		} else {
			for a := range live {
				tree.Remove(a)
				delete(live, a)
				break
			}
		}
		require.NotZero(t, tree.Verify(), "invariant violated at step %d", i)
		assert.Equal(t, len(live), tree.Count())
	}
}
