package datastore

import (
	"sync"
	"time"

	"github.com/oba-core/odb/internal/addrspace"
)

// vNode is one record of a Variable datastore: like llNode but each
// node carries its own payload length, since records are not all the
// same size (spec §3 "Variable-width linked-list").
type vNode struct {
	addr       Address
	payloadLen int
	buf        []byte // payloadLen + metadata width bytes
	next       *vNode
	prev       *vNode
}

// Variable is the variable-width linked-list datastore: each node
// carries its payload length plus the payload, so unlike Bank or
// LinkedList, Add requires a length up front for Reserve (there is
// nothing to reserve without knowing how large a slot to allocate).
//
// Grounded on the same per-record allocation idiom as LinkedList, with
// sizing behavior adapted from the teacher's variable-length WAL record
// framing (internal/storage/wal, length-prefixed entries).
type Variable struct {
	mu       sync.RWMutex
	registry cloneRegistry
	parent   *Variable

	meta  Meta
	alloc addrspace.Allocator

	head, tail *vNode
	index      map[Address]*vNode
	count      int
}

// NewVariable constructs a variable-width linked-list datastore.
func NewVariable(meta Meta) *Variable {
	return &Variable{
		meta:  meta,
		index: make(map[Address]*vNode),
	}
}

// Add copies data into a new node sized to len(data).
func (v *Variable) Add(data []byte) (Address, error) {
	addr, buf, err := v.ReserveN(len(data))
	if err != nil {
		return Null, err
	}
	copy(buf, data)
	return addr, nil
}

// Reserve always fails for Variable: a length must accompany every
// reservation (spec §7 ErrLengthRequired).
func (v *Variable) Reserve() (Address, []byte, error) {
	return Null, nil, ErrLengthRequired
}

// ReserveN appends a new, metadata-stamped node sized for a payload of
// exactly n bytes and returns its writable payload.
func (v *Variable) ReserveN(n int) (Address, []byte, error) {
	if n <= 0 {
		return Null, nil, ErrLengthRequired
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	node := &vNode{
		addr:       v.alloc.Next(),
		payloadLen: n,
		buf:        make([]byte, v.meta.StoredLen(n)),
	}
	v.meta.Stamp(node.buf, n, time.Now())

	if v.tail == nil {
		v.head, v.tail = node, node
	} else {
		node.prev = v.tail
		v.tail.next = node
		v.tail = node
	}
	v.index[node.addr] = node
	v.count++

	return node.addr, node.buf[:n], nil
}

// At dereferences addr to its payload bytes.
func (v *Variable) At(addr Address) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.index[addr]
	if !ok {
		return nil, false
	}
	return n.buf[:n.payloadLen], true
}

// RemoveAt removes the index-th node in head-first order.
func (v *Variable) RemoveAt(index int) error {
	v.mu.RLock()
	if index < 0 {
		v.mu.RUnlock()
		return ErrOutOfRange
	}
	n := v.head
	for i := 0; n != nil && i < index; i++ {
		n = n.next
	}
	v.mu.RUnlock()
	if n == nil {
		return ErrOutOfRange
	}
	return v.RemoveAddr(n.addr)
}

// RemoveAddr unlinks and releases the node at addr.
func (v *Variable) RemoveAddr(addr Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.index[addr]
	if !ok {
		return ErrNotOwned
	}
	v.unlink(n)
	return nil
}

func (v *Variable) unlink(n *vNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		v.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		v.tail = n.prev
	}
	delete(v.index, n.addr)
	v.count--
}

// Sweep walks the list head-first, applying prune.
func (v *Variable) Sweep(prune PruneFunc, archiver Archiver) (*SweepResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var marked []Address
	for n := v.head; n != nil; n = n.next {
		if !prune(n.addr) {
			continue
		}
		if archiver != nil && !archiver.Write(n.buf[:n.payloadLen]) {
			continue
		}
		marked = append(marked, n.addr)
	}
	return &SweepResult{Marked: marked, unlink: marked}, nil
}

// Cleanup splices out the nodes named in result.
func (v *Variable) Cleanup(result *SweepResult) {
	if result == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, addr := range result.unlink {
		if n, ok := v.index[addr]; ok {
			v.unlink(n)
		}
	}
}

// Purge drops every node (cascading into clones first).
func (v *Variable) Purge(hook FreeHook) {
	for _, c := range v.registry.children() {
		c.Purge(hook)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if hook != nil {
		for n := v.head; n != nil; n = n.next {
			hook(n.addr)
		}
	}
	v.head, v.tail = nil, nil
	v.index = make(map[Address]*vNode)
	v.count = 0
}

// Populate adds every live node's address into idx.
func (v *Variable) Populate(idx Populator) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for n := v.head; n != nil; n = n.next {
		idx.AddAddr(n.addr)
	}
}

// Clone returns a fresh, empty Variable datastore, registered as a clone
// of v.
func (v *Variable) Clone() Datastore {
	child := NewVariable(v.meta)
	child.parent = v
	v.registry.register(&child.registry, child)
	return child
}

// CloneIndirect returns a fresh, empty Indirect datastore whose records
// will be pointers into v's records.
func (v *Variable) CloneIndirect() Datastore {
	child := newIndirect(v, &v.registry)
	v.registry.register(&child.registry, child)
	return child
}

// ItFirst returns a head-first forward iterator.
func (v *Variable) ItFirst() Iterator {
	v.mu.RLock()
	return &vIterator{v: v, next: v.head, forward: true}
}

// ItLast returns a tail-first reverse iterator.
func (v *Variable) ItLast() Iterator {
	v.mu.RLock()
	return &vIterator{v: v, next: v.tail, forward: false}
}

// Count returns the number of live nodes.
func (v *Variable) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.count
}

// Stats reports occupancy (Variable never has free slots or chunks).
func (v *Variable) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Stats{Live: v.count}
}

// Destroy tears the datastore down, destroying any live clones first.
func (v *Variable) Destroy() {
	v.registry.destroyAll()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.head, v.tail = nil, nil
	v.index = nil
	v.count = 0
	if v.parent != nil {
		v.parent.registry.unregister(&v.registry)
	}
}

type vIterator struct {
	v       *Variable
	cur     *vNode
	next    *vNode
	forward bool
	done    bool
}

func (it *vIterator) Next() bool {
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

func (it *vIterator) Addr() Address {
	return it.cur.addr
}

func (it *vIterator) Data() []byte {
	return it.cur.buf[:it.cur.payloadLen]
}

func (it *vIterator) Release() {
	it.done = true
	it.v.mu.RUnlock()
}
