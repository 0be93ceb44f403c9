package datastore

import (
	"sync"
	"time"

	"github.com/oba-core/odb/internal/addrspace"
)

// llNode is one record of a LinkedList datastore: a per-record heap
// allocation carrying its own payload, chained by next/prev for O(1)
// unlink.
type llNode struct {
	addr Address
	buf  []byte // storedLen bytes: payload then metadata
	next *llNode
	prev *llNode
}

// LinkedList is the fixed-linked-list datastore: per-record allocation
// instead of the bank's chunked arena, trading positional/indexed access
// for O(1) unlink without a free-list stack (spec §3 "Fixed-linked-list").
//
// Grounded on the teacher's internal/storage/mvcc version-chain linking
// (mvcc/txn.go's linked versions per key), adapted here to chain whole
// records rather than MVCC versions of one key.
type LinkedList struct {
	mu       sync.RWMutex
	registry cloneRegistry
	parent   *LinkedList

	payloadLen int
	storedLen  int
	meta       Meta
	alloc      addrspace.Allocator

	head, tail *llNode
	index      map[Address]*llNode
	count      int
}

// NewLinkedList constructs a fixed-linked-list datastore holding records
// of exactly payloadLen bytes.
func NewLinkedList(payloadLen int, meta Meta) *LinkedList {
	return &LinkedList{
		payloadLen: payloadLen,
		storedLen:  meta.StoredLen(payloadLen),
		meta:       meta,
		index:      make(map[Address]*llNode),
	}
}

// Add copies data (must be exactly payloadLen bytes) into a new node
// appended at the tail.
func (l *LinkedList) Add(data []byte) (Address, error) {
	addr, buf, err := l.Reserve()
	if err != nil {
		return Null, err
	}
	copy(buf, data)
	return addr, nil
}

// Reserve appends a new, metadata-stamped node and returns its writable
// payload.
func (l *LinkedList) Reserve() (Address, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := &llNode{addr: l.alloc.Next(), buf: make([]byte, l.storedLen)}
	l.meta.Stamp(n.buf, l.payloadLen, time.Now())

	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.index[n.addr] = n
	l.count++

	return n.addr, n.buf[:l.payloadLen], nil
}

// At dereferences addr to its payload bytes.
func (l *LinkedList) At(addr Address) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.index[addr]
	if !ok {
		return nil, false
	}
	return n.buf[:l.payloadLen], true
}

// RemoveAt removes the index-th node in head-first order.
func (l *LinkedList) RemoveAt(index int) error {
	l.mu.RLock()
	if index < 0 {
		l.mu.RUnlock()
		return ErrOutOfRange
	}
	n := l.head
	for i := 0; n != nil && i < index; i++ {
		n = n.next
	}
	l.mu.RUnlock()
	if n == nil {
		return ErrOutOfRange
	}
	return l.RemoveAddr(n.addr)
}

// RemoveAddr unlinks and releases the node at addr.
func (l *LinkedList) RemoveAddr(addr Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.index[addr]
	if !ok {
		return ErrNotOwned
	}
	l.unlink(n)
	return nil
}

func (l *LinkedList) unlink(n *llNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	delete(l.index, n.addr)
	l.count--
}

// Sweep walks the list head-first, applying prune.
func (l *LinkedList) Sweep(prune PruneFunc, archiver Archiver) (*SweepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var marked []Address
	for n := l.head; n != nil; n = n.next {
		if !prune(n.addr) {
			continue
		}
		if archiver != nil && !archiver.Write(n.buf[:l.payloadLen]) {
			continue
		}
		marked = append(marked, n.addr)
	}
	return &SweepResult{Marked: marked, unlink: marked}, nil
}

// Cleanup splices out the nodes named in result.
func (l *LinkedList) Cleanup(result *SweepResult) {
	if result == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, addr := range result.unlink {
		if n, ok := l.index[addr]; ok {
			l.unlink(n)
		}
	}
}

// Purge drops every node (cascading into clones first).
func (l *LinkedList) Purge(hook FreeHook) {
	for _, c := range l.registry.children() {
		c.Purge(hook)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if hook != nil {
		for n := l.head; n != nil; n = n.next {
			hook(n.addr)
		}
	}
	l.head, l.tail = nil, nil
	l.index = make(map[Address]*llNode)
	l.count = 0
}

// Populate adds every live node's address into idx.
func (l *LinkedList) Populate(idx Populator) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for n := l.head; n != nil; n = n.next {
		idx.AddAddr(n.addr)
	}
}

// Clone returns a fresh, empty LinkedList of the same record shape,
// registered as a clone of l.
func (l *LinkedList) Clone() Datastore {
	child := NewLinkedList(l.payloadLen, l.meta)
	child.parent = l
	l.registry.register(&child.registry, child)
	return child
}

// CloneIndirect returns a fresh, empty Indirect datastore whose records
// will be pointers into l's records.
func (l *LinkedList) CloneIndirect() Datastore {
	child := newIndirect(l, &l.registry)
	l.registry.register(&child.registry, child)
	return child
}

// ItFirst returns a head-first forward iterator.
func (l *LinkedList) ItFirst() Iterator {
	l.mu.RLock()
	return &llIterator{l: l, cur: nil, next: l.head, forward: true}
}

// ItLast returns a tail-first reverse iterator.
func (l *LinkedList) ItLast() Iterator {
	l.mu.RLock()
	return &llIterator{l: l, cur: nil, next: l.tail, forward: false}
}

// Count returns the number of live nodes.
func (l *LinkedList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Stats reports occupancy (LinkedList never has free slots or chunks).
func (l *LinkedList) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{Live: l.count}
}

// Destroy tears the list down, destroying any live clones first.
func (l *LinkedList) Destroy() {
	l.registry.destroyAll()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head, l.tail = nil, nil
	l.index = nil
	l.count = 0
	if l.parent != nil {
		l.parent.registry.unregister(&l.registry)
	}
}

type llIterator struct {
	l       *LinkedList
	cur     *llNode
	next    *llNode
	forward bool
	done    bool
}

func (it *llIterator) Next() bool {
	if it.done || it.next == nil {
		it.done = true
		return false
	}
	it.cur = it.next
	if it.forward {
		it.next = it.cur.next
	} else {
		it.next = it.cur.prev
	}
	return true
}

func (it *llIterator) Addr() Address {
	return it.cur.addr
}

func (it *llIterator) Data() []byte {
	return it.cur.buf[:it.l.payloadLen]
}

func (it *llIterator) Release() {
	it.done = true
	it.l.mu.RUnlock()
}
