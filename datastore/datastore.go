// Package datastore implements the record-owning layer of the object
// database: fixed-bank, fixed-linked-list, indirect, and variable-width
// linked-list backing stores (spec §4.1).
//
// Every variant hands out a stable addrspace.Address for each record it
// accepts and supports scan, pruning sweep, and purge; only the fixed-bank
// variant additionally supports positional (chunk/offset) lookup. Record
// storage is allocated through the Go runtime, which does not report
// exhaustion as an error, so no variant's Add or Reserve returns
// ErrOutOfMemory.
package datastore

import (
	"errors"
	"sync"

	"github.com/oba-core/odb/internal/addrspace"
)

// Sentinel errors returned by datastore operations (spec §7).
var (
	// ErrOutOfRange is returned by RemoveAt/GetAt when index >= count.
	ErrOutOfRange = errors.New("datastore: index out of range")
	// ErrNotOwned is returned by RemoveAddr for an address this datastore
	// did not hand out.
	ErrNotOwned = errors.New("datastore: address not owned by this datastore")
	// ErrOutOfMemory names an allocation failure. No variant in this
	// package returns it (see the package doc).
	ErrOutOfMemory = errors.New("datastore: allocation failed")
	// ErrLengthRequired is returned by variable-width Add/Reserve when no
	// length accompanies the call.
	ErrLengthRequired = errors.New("datastore: length required for variable-width datastore")
	// ErrNotIndirect is returned when indirect-only operations are called
	// on a direct datastore, or vice versa.
	ErrNotIndirect = errors.New("datastore: operation requires an indirect datastore")
)

// Address re-exports the shared handle type so callers of this package
// never need to import internal/addrspace directly.
type Address = addrspace.Address

// Null is the address that never identifies a live record.
const Null = addrspace.Null

// PruneFunc reports whether the record at addr should be evicted. It is
// called under the owning ODB context's write lock and must be pure and
// fast (spec §6).
type PruneFunc func(addr Address) bool

// Archiver is the write-on-evict hook a sweep invokes for each
// prune-selected record before it is unlinked (spec §6). The core only
// depends on this interface; the concrete file format lives in package
// archive and is out of the core's scope (spec §1).
type Archiver interface {
	Write(data []byte) bool
}

// FreeHook is called once per record during Purge. Cleanup takes no hook
// and does not call it. It may be nil.
type FreeHook func(addr Address)

// RelocationSet describes, for the sweep's optional compaction step, which
// live addresses moved and where. Old[i] moved to New[i]; both slices are
// the same length and order. A datastore that never compacts addresses on
// sweep (every variant here except it may be extended later) returns a nil
// RelocationSet.
type RelocationSet struct {
	Old []Address
	New []Address
}

// SweepResult is what Sweep returns: the sorted set of addresses selected
// by the prune predicate, the structural info needed to unlink them
// (opaque to callers — passed back into Cleanup), and an optional
// relocation set if sweeping compacted the datastore.
type SweepResult struct {
	Marked     []Address // sorted ascending
	unlink     []Address // same elements as Marked, in structural order for Cleanup
	Relocation *RelocationSet
}

// Stats summarizes a datastore's occupancy, mirroring the teacher's
// PageManager/EngineStats shape (engine/obadb.go Stats()).
type Stats struct {
	Live   int
	Free   int
	Chunks int // meaningful for Bank only
}

// Iterator walks the live records of a datastore in an unspecified,
// implementation-defined order (spec §4.1 it_first/it_last: "unordered
// iterators over live records"). Callers must call Release exactly once,
// even after exhausting Next, to release the datastore's read lock (spec
// §5 "Iterators hold the read lock... until released").
type Iterator interface {
	Next() bool
	Addr() Address
	Data() []byte
	Release()
}

// Datastore is the common surface every variant implements (spec §4.1).
type Datastore interface {
	// Add copies bytes into owned storage (or, for an indirect datastore,
	// stores the externally-owned address verbatim) and returns the
	// stable address of the user payload.
	Add(data []byte) (Address, error)

	// Reserve returns a writable slot without copying. Variable-width
	// datastores return ErrLengthRequired here and take the length
	// through ReserveN(n) with n > 0.
	Reserve() (Address, []byte, error)

	// At dereferences addr to the live record's payload bytes. ok is
	// false if addr does not currently identify a live record.
	At(addr Address) (data []byte, ok bool)

	// RemoveAt removes the record at the given unordered position
	// (fixed-bank only meaningfully supports stable positional indexing;
	// other variants return ErrOutOfRange for any index beyond Count()-1
	// scan order).
	RemoveAt(index int) error

	// RemoveAddr removes the record at addr. Returns ErrNotOwned if addr
	// was not handed out by this datastore.
	RemoveAddr(addr Address) error

	// Sweep walks every live record, applying prune; archiver (if
	// non-nil) is invoked for each selected record before it is
	// structurally removed from consideration.
	Sweep(prune PruneFunc, archiver Archiver) (*SweepResult, error)

	// Cleanup finalizes removal of the addresses named in result,
	// reclaiming storage. Call after every attached index has purged
	// result.Marked.
	Cleanup(result *SweepResult)

	// Purge drops every record, cascading into live clones first, and
	// invoking hook (if non-nil) once per record.
	Purge(hook FreeHook)

	// Populate adds every live record's address into idx without the
	// integrity checks a normal insertion performs; used when an index
	// is created over an already-populated datastore.
	Populate(idx Populator)

	// Clone returns a fresh, empty datastore of the same flavour,
	// registered as a clone of this one.
	Clone() Datastore

	// CloneIndirect returns a fresh, empty indirect datastore whose
	// records will be pointers into this datastore's records,
	// registered as a clone of this one.
	CloneIndirect() Datastore

	// ItFirst/ItLast return unordered iterators over live records.
	ItFirst() Iterator
	ItLast() Iterator

	// Count returns the number of currently live records.
	Count() int

	// Stats reports occupancy.
	Stats() Stats

	// Destroy tears the datastore down, destroying any live clones
	// first (spec §3 "a clone never outlives its parent").
	Destroy()
}

// Populator is the subset of Index used by Datastore.Populate — avoiding
// a dependency from package datastore on package index.
type Populator interface {
	AddAddr(addr Address) bool
}

// cloneRegistry is embedded by every concrete datastore to implement the
// parent/clone ownership discipline from spec §3: "The parent tracks its
// live clone ODB contexts... destroying a datastore destroys all its
// clones first."
type cloneRegistry struct {
	mu     sync.Mutex
	clones map[*cloneRegistry]Datastore
}

func (r *cloneRegistry) register(key *cloneRegistry, child Datastore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clones == nil {
		r.clones = make(map[*cloneRegistry]Datastore)
	}
	r.clones[key] = child
}

func (r *cloneRegistry) unregister(key *cloneRegistry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clones, key)
}

// children returns the currently registered clones without clearing the
// registry — used by Purge, which empties each clone's data but does not
// tear down the clone itself.
func (r *cloneRegistry) children() []Datastore {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Datastore, 0, len(r.clones))
	for _, c := range r.clones {
		out = append(out, c)
	}
	return out
}

// destroyAll tears down and unregisters every clone — used by Destroy,
// per spec §3: "destroying a datastore destroys all its clones first."
func (r *cloneRegistry) destroyAll() {
	r.mu.Lock()
	children := make([]Datastore, 0, len(r.clones))
	for _, c := range r.clones {
		children = append(children, c)
	}
	r.clones = nil
	r.mu.Unlock()

	for _, c := range children {
		c.Destroy()
	}
}
