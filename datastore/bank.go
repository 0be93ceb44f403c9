package datastore

import (
	"sync"
	"time"

	"github.com/oba-core/odb/internal/addrspace"
)

// Bank is the fixed-bank datastore: an ordered sequence of equal-sized
// chunks, each holding Cap records, with a free-list stack of vacated
// slots reused on the next insertion and a bump cursor otherwise (spec
// §3 "Fixed-bank"). It supports positional lookup via GetAt.
//
// Grounded on the teacher's chunked, page-bank allocation style
// (internal/storage's PageManager arena) and its LRUCache's map+ordered
// structure for O(1) slot bookkeeping (internal/storage/lru.go), adapted
// from page-grained disk storage to record-grained in-memory storage.
type Bank struct {
	mu       sync.RWMutex
	registry cloneRegistry
	parent   *Bank

	payloadLen int
	storedLen  int
	meta       Meta
	cap        int // records per chunk

	chunks []([]byte)
	live   [][]bool

	bumpChunk int
	bumpSlot  int

	free  []Address
	count int
}

// NewBank constructs a fixed-bank datastore holding records of exactly
// payloadLen bytes, cap records per chunk.
func NewBank(payloadLen, cap int, meta Meta) *Bank {
	if cap <= 0 {
		cap = 1
	}
	return &Bank{
		payloadLen: payloadLen,
		storedLen:  meta.StoredLen(payloadLen),
		meta:       meta,
		cap:        cap,
		bumpSlot:   cap, // force first Add to allocate a chunk
	}
}

func (b *Bank) slotBytes(chunk, slot int) []byte {
	off := slot * b.storedLen
	return b.chunks[chunk][off : off+b.storedLen]
}

func (b *Bank) growChunk() {
	b.chunks = append(b.chunks, make([]byte, b.cap*b.storedLen))
	b.live = append(b.live, make([]bool, b.cap))
	b.bumpChunk = len(b.chunks) - 1
	b.bumpSlot = 0
}

// Add copies data (must be exactly payloadLen bytes) into a fresh or
// reused slot and returns its stable address.
func (b *Bank) Add(data []byte) (Address, error) {
	addr, buf, err := b.Reserve()
	if err != nil {
		return Null, err
	}
	copy(buf, data)
	return addr, nil
}

// Reserve returns a writable, metadata-stamped slot without copying.
func (b *Bank) Reserve() (Address, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var chunk, slot uint32
	if n := len(b.free); n > 0 {
		addr := b.free[n-1]
		b.free = b.free[:n-1]
		chunk, slot = addrspace.BankDecode(addr)
	} else {
		if b.bumpSlot >= b.cap {
			b.growChunk()
		}
		chunk, slot = uint32(b.bumpChunk), uint32(b.bumpSlot)
		b.bumpSlot++
	}

	buf := b.slotBytes(int(chunk), int(slot))
	for i := range buf {
		buf[i] = 0
	}
	b.meta.Stamp(buf, b.payloadLen, time.Now())
	b.live[chunk][slot] = true
	b.count++

	return addrspace.BankEncode(chunk, slot), buf[:b.payloadLen], nil
}

// At dereferences addr to its payload bytes.
func (b *Bank) At(addr Address) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.at(addr)
}

func (b *Bank) at(addr Address) ([]byte, bool) {
	chunk, slot := addrspace.BankDecode(addr)
	if int(chunk) >= len(b.chunks) || int(slot) >= b.cap || !b.live[chunk][slot] {
		return nil, false
	}
	return b.slotBytes(int(chunk), int(slot))[:b.payloadLen], true
}

// GetAt returns the addr/data of the index-th live record in chunk-major
// scan order. Fails with ErrOutOfRange if index >= Count().
func (b *Bank) GetAt(index int) (Address, []byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index < 0 {
		return Null, nil, ErrOutOfRange
	}
	seen := 0
	for c := 0; c < len(b.chunks); c++ {
		for s := 0; s < b.cap; s++ {
			if !b.live[c][s] {
				continue
			}
			if seen == index {
				addr := addrspace.BankEncode(uint32(c), uint32(s))
				return addr, b.slotBytes(c, s)[:b.payloadLen], nil
			}
			seen++
		}
	}
	return Null, nil, ErrOutOfRange
}

// RemoveAt removes the index-th live record in chunk-major scan order.
func (b *Bank) RemoveAt(index int) error {
	addr, _, err := b.GetAt(index)
	if err != nil {
		return err
	}
	return b.RemoveAddr(addr)
}

// RemoveAddr frees the slot at addr, pushing it onto the free stack for
// reuse by a later Add/Reserve.
func (b *Bank) RemoveAddr(addr Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	chunk, slot := addrspace.BankDecode(addr)
	if int(chunk) >= len(b.chunks) || int(slot) >= b.cap || !b.live[chunk][slot] {
		return ErrNotOwned
	}
	b.live[chunk][slot] = false
	b.free = append(b.free, addr)
	b.count--
	return nil
}

// Sweep scans every live record chunk-major, applying prune.
func (b *Bank) Sweep(prune PruneFunc, archiver Archiver) (*SweepResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var marked []Address
	for c := 0; c < len(b.chunks); c++ {
		for s := 0; s < b.cap; s++ {
			if !b.live[c][s] {
				continue
			}
			addr := addrspace.BankEncode(uint32(c), uint32(s))
			data := b.slotBytes(c, s)[:b.payloadLen]
			if !prune(addr) {
				continue
			}
			if archiver != nil && !archiver.Write(data) {
				continue
			}
			marked = append(marked, addr)
		}
	}
	return &SweepResult{Marked: marked, unlink: marked}, nil
}

// Cleanup reclaims the slots named in result, placing them on the free
// stack for reuse.
func (b *Bank) Cleanup(result *SweepResult) {
	if result == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, addr := range result.unlink {
		chunk, slot := addrspace.BankDecode(addr)
		if int(chunk) >= len(b.chunks) || int(slot) >= b.cap || !b.live[chunk][slot] {
			continue
		}
		b.live[chunk][slot] = false
		b.free = append(b.free, addr)
		b.count--
	}
}

// Purge drops every record (cascading into clones first) and resets the
// bank to empty.
func (b *Bank) Purge(hook FreeHook) {
	for _, c := range b.registry.children() {
		c.Purge(hook)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if hook != nil {
		for c := 0; c < len(b.chunks); c++ {
			for s := 0; s < b.cap; s++ {
				if b.live[c][s] {
					hook(addrspace.BankEncode(uint32(c), uint32(s)))
				}
			}
		}
	}

	b.chunks = nil
	b.live = nil
	b.free = nil
	b.bumpChunk = 0
	b.bumpSlot = b.cap
	b.count = 0
}

// Populate adds every live record's address into idx.
func (b *Bank) Populate(idx Populator) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := 0; c < len(b.chunks); c++ {
		for s := 0; s < b.cap; s++ {
			if b.live[c][s] {
				idx.AddAddr(addrspace.BankEncode(uint32(c), uint32(s)))
			}
		}
	}
}

// Clone returns a fresh, empty Bank of the same shape, registered as a
// clone of b.
func (b *Bank) Clone() Datastore {
	child := NewBank(b.payloadLen, b.cap, b.meta)
	child.parent = b
	b.registry.register(&child.registry, child)
	return child
}

// CloneIndirect returns a fresh, empty Indirect datastore whose records
// will be pointers into b's records.
func (b *Bank) CloneIndirect() Datastore {
	child := newIndirect(b, &b.registry)
	b.registry.register(&child.registry, child)
	return child
}

// ItFirst returns a chunk-major forward iterator.
func (b *Bank) ItFirst() Iterator {
	b.mu.RLock()
	return &bankIterator{b: b, chunk: 0, slot: -1, forward: true}
}

// ItLast returns a chunk-major reverse iterator.
func (b *Bank) ItLast() Iterator {
	b.mu.RLock()
	it := &bankIterator{b: b, forward: false}
	it.chunk = len(b.chunks) - 1
	it.slot = b.cap
	return it
}

// Count returns the number of live records.
func (b *Bank) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Stats reports bank occupancy.
func (b *Bank) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Live: b.count, Free: len(b.free), Chunks: len(b.chunks)}
}

// Destroy tears the bank down, destroying any live clones first.
func (b *Bank) Destroy() {
	b.registry.destroyAll()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.live = nil
	b.free = nil
	b.count = 0
	if b.parent != nil {
		b.parent.registry.unregister(&b.registry)
	}
}

type bankIterator struct {
	b       *Bank
	chunk   int
	slot    int
	forward bool
	done    bool
}

func (it *bankIterator) Next() bool {
	if it.done {
		return false
	}
	b := it.b
	for {
		if it.forward {
			it.slot++
			if it.slot >= b.cap {
				it.slot = 0
				it.chunk++
			}
			if it.chunk >= len(b.chunks) {
				it.done = true
				return false
			}
		} else {
			it.slot--
			if it.slot < 0 {
				it.chunk--
				it.slot = b.cap - 1
			}
			if it.chunk < 0 {
				it.done = true
				return false
			}
		}
		if b.live[it.chunk][it.slot] {
			return true
		}
	}
}

func (it *bankIterator) Addr() Address {
	return addrspace.BankEncode(uint32(it.chunk), uint32(it.slot))
}

func (it *bankIterator) Data() []byte {
	return it.b.slotBytes(it.chunk, it.slot)[:it.b.payloadLen]
}

func (it *bankIterator) Release() {
	if !it.done {
		it.done = true
	}
	it.b.mu.RUnlock()
}

