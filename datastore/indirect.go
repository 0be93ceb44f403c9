package datastore

import (
	"encoding/binary"
	"sync"

	"github.com/oba-core/odb/internal/addrspace"
)

// Indirect is the indirect datastore: its records are not owned payload
// bytes but references into a parent datastore's live records (spec §3
// "Indirect"). It is what backs a query result's clone ODB context — the
// clone sees the same underlying records its parent does, by address,
// without copying them.
//
// Add expects an 8-byte little-endian encoding of the parent Address to
// reference; At dereferences through to the parent. A sweep over an
// indirect datastore only ever removes the indirect's own references —
// it never prunes or archives the parent's record, so querying never
// has side effects on the data it queried (an Open Question resolved in
// that direction: indirect sweeps do not cascade into the parent).
type Indirect struct {
	mu       sync.RWMutex
	registry cloneRegistry
	parent   Datastore

	// ownerRegistry is the cloneRegistry this Indirect was registered
	// into (the parent's, for a fresh CloneIndirect, or another
	// Indirect's, for a clone-of-a-clone). nil for a standalone
	// NewIndirect that never registered anywhere. Destroy uses it to
	// unregister itself so a destroyed clone never lingers in its
	// owner's clone map (spec §3 "destroying... unlinks them from the
	// parent").
	ownerRegistry *cloneRegistry

	alloc addrspace.Allocator
	refs  map[Address]Address // own address -> parent address
	live  []Address           // iteration order
}

func newIndirect(parent Datastore, owner *cloneRegistry) *Indirect {
	return &Indirect{
		parent:        parent,
		ownerRegistry: owner,
		refs:          make(map[Address]Address),
	}
}

// NewIndirect constructs a standalone indirect datastore over parent.
// Most callers obtain one via a concrete datastore's CloneIndirect, which
// also registers the clone relationship; this constructor is for the
// rarer case of attaching an indirect view after the fact, and does not
// participate in any owner's clone registry.
func NewIndirect(parent Datastore) *Indirect {
	return newIndirect(parent, nil)
}

// AddRef records a reference to parentAddr and returns the indirect
// datastore's own stable address for it. Equivalent to Add with
// parentAddr little-endian encoded, but avoids the round-trip through
// bytes for callers that already hold an Address.
func (d *Indirect) AddRef(parentAddr Address) Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.alloc.Next()
	d.refs[addr] = parentAddr
	d.live = append(d.live, addr)
	return addr
}

// Add decodes data as an 8-byte little-endian parent Address and records
// a reference to it.
func (d *Indirect) Add(data []byte) (Address, error) {
	if len(data) != 8 {
		return Null, ErrLengthRequired
	}
	parentAddr := Address(binary.LittleEndian.Uint64(data))
	return d.AddRef(parentAddr), nil
}

// Reserve is not meaningful for an indirect datastore: there is no
// payload to write into, only a reference to record. Callers should use
// AddRef.
func (d *Indirect) Reserve() (Address, []byte, error) {
	return Null, nil, ErrNotIndirect
}

// At dereferences addr to the parent's payload bytes.
func (d *Indirect) At(addr Address) ([]byte, bool) {
	d.mu.RLock()
	parentAddr, ok := d.refs[addr]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.parent.At(parentAddr)
}

// RemoveAt removes the reference at the given scan-order position.
func (d *Indirect) RemoveAt(index int) error {
	d.mu.Lock()
	if index < 0 || index >= len(d.live) {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	addr := d.live[index]
	d.mu.Unlock()
	return d.RemoveAddr(addr)
}

// RemoveAddr drops the reference at addr. The parent's record is
// untouched.
func (d *Indirect) RemoveAddr(addr Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.refs[addr]; !ok {
		return ErrNotOwned
	}
	delete(d.refs, addr)
	for i, a := range d.live {
		if a == addr {
			d.live = append(d.live[:i], d.live[i+1:]...)
			break
		}
	}
	return nil
}

// Sweep applies prune to each of this datastore's own addresses (never
// the parent's) and selects references for removal. archiver, if
// non-nil, is invoked with the referenced parent payload.
func (d *Indirect) Sweep(prune PruneFunc, archiver Archiver) (*SweepResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var marked []Address
	for _, addr := range d.live {
		if !prune(addr) {
			continue
		}
		if archiver != nil {
			if data, ok := d.parent.At(d.refs[addr]); ok {
				if !archiver.Write(data) {
					continue
				}
			}
		}
		marked = append(marked, addr)
	}
	return &SweepResult{Marked: marked, unlink: marked}, nil
}

// Cleanup drops the references named in result.
func (d *Indirect) Cleanup(result *SweepResult) {
	if result == nil {
		return
	}
	for _, addr := range result.unlink {
		_ = d.RemoveAddr(addr)
	}
}

// Purge drops every reference (cascading into clones first). The parent
// is untouched.
func (d *Indirect) Purge(hook FreeHook) {
	for _, c := range d.registry.children() {
		c.Purge(hook)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if hook != nil {
		for _, addr := range d.live {
			hook(addr)
		}
	}
	d.refs = make(map[Address]Address)
	d.live = nil
}

// Populate adds every referenced address into idx.
func (d *Indirect) Populate(idx Populator) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, addr := range d.live {
		idx.AddAddr(addr)
	}
}

// Clone returns a fresh, empty Indirect over the same parent, registered
// as a clone of d.
func (d *Indirect) Clone() Datastore {
	child := newIndirect(d.parent, &d.registry)
	d.registry.register(&child.registry, child)
	return child
}

// CloneIndirect is equivalent to Clone: an indirect view over an
// indirect datastore still ultimately references the same parent
// records.
func (d *Indirect) CloneIndirect() Datastore {
	return d.Clone()
}

// ItFirst returns a forward iterator over live references.
func (d *Indirect) ItFirst() Iterator {
	d.mu.RLock()
	return &indirectIterator{d: d, pos: -1, forward: true}
}

// ItLast returns a reverse iterator over live references.
func (d *Indirect) ItLast() Iterator {
	d.mu.RLock()
	return &indirectIterator{d: d, pos: len(d.live), forward: false}
}

// Count returns the number of live references.
func (d *Indirect) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.live)
}

// Stats reports reference-set occupancy (Indirect never has free slots
// or chunks, only live references).
func (d *Indirect) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{Live: len(d.live)}
}

// Destroy tears the indirect datastore down, destroying live clones
// first. The parent's records are never touched.
func (d *Indirect) Destroy() {
	d.registry.destroyAll()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs = nil
	d.live = nil
	if d.ownerRegistry != nil {
		d.ownerRegistry.unregister(&d.registry)
	}
}

type indirectIterator struct {
	d       *Indirect
	pos     int
	forward bool
	done    bool
}

func (it *indirectIterator) Next() bool {
	if it.done {
		return false
	}
	if it.forward {
		it.pos++
		if it.pos >= len(it.d.live) {
			it.done = true
			return false
		}
	} else {
		it.pos--
		if it.pos < 0 {
			it.done = true
			return false
		}
	}
	return true
}

func (it *indirectIterator) Addr() Address {
	return it.d.live[it.pos]
}

func (it *indirectIterator) Data() []byte {
	data, _ := it.d.parent.At(it.d.refs[it.d.live[it.pos]])
	return data
}

func (it *indirectIterator) Release() {
	it.done = true
	it.d.mu.RUnlock()
}
