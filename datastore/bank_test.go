package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBank(it Iterator) map[Address]string {
	out := map[Address]string{}
	for it.Next() {
		out[it.Addr()] = string(it.Data())
	}
	it.Release()
	return out
}

func TestBankAddAndAt(t *testing.T) {
	b := NewBank(4, 2, Meta{})
	addr, err := b.Add([]byte("abcd"))
	require.NoError(t, err)

	data, ok := b.At(addr)
	require.True(t, ok)
	assert.Equal(t, "abcd", string(data))
	assert.Equal(t, 1, b.Count())
}

func TestBankGrowsAcrossChunks(t *testing.T) {
	b := NewBank(4, 2, Meta{})
	var addrs []Address
	for i := 0; i < 5; i++ {
		addr, err := b.Add([]byte("aaaa"))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	assert.Equal(t, 5, b.Count())
	assert.Equal(t, 3, b.Stats().Chunks)
}

func TestBankRemoveAddrFreesSlotForReuse(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	addr, err := b.Add([]byte("aaaa"))
	require.NoError(t, err)

	require.NoError(t, b.RemoveAddr(addr))
	assert.Equal(t, 0, b.Count())

	_, ok := b.At(addr)
	assert.False(t, ok)

	reused, err := b.Add([]byte("bbbb"))
	require.NoError(t, err)
	assert.Equal(t, addr, reused, "freed slot should be reused before growing")
}

func TestBankRemoveAddrUnownedReturnsError(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	err := b.RemoveAddr(Address(9999))
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestBankGetAtAndRemoveAt(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	a1, _ := b.Add([]byte("1111"))
	a2, _ := b.Add([]byte("2222"))

	addr, data, err := b.GetAt(1)
	require.NoError(t, err)
	assert.Equal(t, a2, addr)
	assert.Equal(t, "2222", string(data))

	require.NoError(t, b.RemoveAt(0))
	_, ok := b.At(a1)
	assert.False(t, ok)

	_, _, err = b.GetAt(5)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestBankSweepAndCleanup(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	a1, _ := b.Add([]byte("keep"))
	a2, _ := b.Add([]byte("drop"))

	result, err := b.Sweep(func(addr Address) bool { return addr == a2 }, nil)
	require.NoError(t, err)
	require.Equal(t, []Address{a2}, result.Marked)

	// Before cleanup the record is still structurally live.
	_, ok := b.At(a2)
	assert.True(t, ok)

	b.Cleanup(result)
	_, ok = b.At(a2)
	assert.False(t, ok)
	_, ok = b.At(a1)
	assert.True(t, ok)
	assert.Equal(t, 1, b.Count())
}

func TestBankSweepSkipsRecordsArchiverDeclines(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	addr, _ := b.Add([]byte("data"))

	result, err := b.Sweep(func(Address) bool { return true }, declineArchiver{})
	require.NoError(t, err)
	assert.Empty(t, result.Marked)

	_, ok := b.At(addr)
	assert.True(t, ok)
}

type declineArchiver struct{}

func (declineArchiver) Write([]byte) bool { return false }

func TestBankPopulate(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	a1, _ := b.Add([]byte("aaaa"))
	a2, _ := b.Add([]byte("bbbb"))

	seen := map[Address]bool{}
	b.Populate(populatorFunc(func(addr Address) bool {
		seen[addr] = true
		return true
	}))

	assert.True(t, seen[a1])
	assert.True(t, seen[a2])
}

type populatorFunc func(Address) bool

func (f populatorFunc) AddAddr(addr Address) bool { return f(addr) }

func TestBankPurgeInvokesHookAndEmpties(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	b.Add([]byte("aaaa"))
	b.Add([]byte("bbbb"))

	var freed []Address
	b.Purge(func(addr Address) { freed = append(freed, addr) })

	assert.Len(t, freed, 2)
	assert.Equal(t, 0, b.Count())
}

func TestBankCloneIsEmptyAndIndependent(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	b.Add([]byte("aaaa"))

	clone := b.Clone()
	assert.Equal(t, 0, clone.Count())

	addr, err := clone.Add([]byte("zzzz"))
	require.NoError(t, err)
	assert.Equal(t, 1, clone.Count())
	assert.Equal(t, 1, b.Count())

	_, ok := b.At(addr)
	assert.False(t, ok, "clone's records must not appear in the parent")
}

func TestBankDestroyCascadesToClones(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	clone := b.Clone()
	clone.Add([]byte("aaaa"))

	b.Destroy()
	assert.Equal(t, 0, clone.Count())
}

func TestBankPurgeCascadesToClonesWithoutDestroyingThem(t *testing.T) {
	b := NewBank(4, 4, Meta{})
	clone := b.Clone()
	clone.Add([]byte("aaaa"))
	clone.Add([]byte("bbbb"))

	b.Purge(nil)
	assert.Equal(t, 0, clone.Count())

	// The clone itself is still usable after a parent Purge (only its
	// contents are emptied, not its registration).
	_, err := clone.Add([]byte("cccc"))
	assert.NoError(t, err)
}

func TestBankItFirstAndItLastVisitEveryLiveRecord(t *testing.T) {
	b := NewBank(4, 2, Meta{})
	want := map[Address]string{}
	for i, s := range []string{"aaaa", "bbbb", "cccc"} {
		addr, err := b.Add([]byte(s))
		require.NoError(t, err)
		want[addr] = s
		_ = i
	}

	assert.Equal(t, want, collectBank(b.ItFirst()))
	assert.Equal(t, want, collectBank(b.ItLast()))
}

func TestBankStats(t *testing.T) {
	b := NewBank(4, 2, Meta{})
	a1, _ := b.Add([]byte("aaaa"))
	b.Add([]byte("bbbb"))
	require.NoError(t, b.RemoveAddr(a1))

	stats := b.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 1, stats.Free)
	assert.Equal(t, 1, stats.Chunks)
}
