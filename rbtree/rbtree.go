// Package rbtree implements the top-down red-black tree index (spec
// §3 "Red-black tree node", §4.2): insertion and deletion never walk
// back up from a leaf because both operations fix any red-red
// violation on the way down, so no parent pointers are kept.
//
// Grounded on the public-domain top-down 2-3-4 red-black tree algorithm
// (Sedgewick 1983; the "single pass" C rendition popularized by Julienne
// Walker's red-black tree tutorial), adapted to this domain: nodes carry
// a record datastore.Address instead of a generic key/value pair, and a
// node whose key compares equal to an existing one is routed into an
// "embedded" tree of the same shape rather than rejected outright,
// unless drop_duplicates or a merger says otherwise (spec §3, §4.2).
package rbtree

import (
	"github.com/oba-core/odb/index"
	"github.com/oba-core/odb/internal/markedset"
)

// Address re-exports the shared handle type.
type Address = index.Address

// node is one red-black tree node: two child links, a colour, and
// either a record address or — when embedded is non-nil — the root of
// this node's embedded duplicates subtree (spec §3 "Red-black tree
// node"). An embedded tree's nodes never themselves carry an embedded
// subtree (spec §3 "An embedded tree has no embedded trees of its
// own").
type node struct {
	link     [2]*node
	red      bool
	addr     Address
	embedded *node // non-nil only on a non-embedded tree's node
}

func isRed(n *node) bool {
	return n != nil && n.red
}

// singleRotation rotates the subtree rooted at root so that its 1-dir
// child becomes the new subtree root.
func singleRotation(root *node, dir int) *node {
	save := root.link[1-dir]
	root.link[1-dir] = save.link[dir]
	save.link[dir] = root
	root.red = true
	save.red = false
	return save
}

func doubleRotation(root *node, dir int) *node {
	root.link[1-dir] = singleRotation(root.link[1-dir], 1-dir)
	return singleRotation(root, dir)
}

// addrCmp orders nodes of an embedded duplicates subtree by address
// identity, giving every duplicate a stable position of its own.
func addrCmp(a, b Address) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Tree is a red-black tree index over addresses supplied by some
// datastore (spec §4.2). It implements index.Index.
type Tree struct {
	ident   string
	root    *node
	cmp     index.Comparator
	merger  index.Merger
	dropDup bool
	count   int
}

// New constructs an empty red-black tree index owned by the context
// bearing ident, ordered by cmp. If dropDuplicates is false and merger
// is nil, equal-key insertions are routed into an embedded duplicates
// subtree (spec §3 "Duplicate policy").
func New(ident string, cmp index.Comparator, merger index.Merger, dropDuplicates bool) *Tree {
	return &Tree{ident: ident, cmp: cmp, merger: merger, dropDup: dropDuplicates}
}

// Ident returns the owning context's ident.
func (t *Tree) Ident() string {
	return t.ident
}

// Count returns the number of addresses held, including embedded
// duplicates.
func (t *Tree) Count() int {
	return t.count
}

// Size is a synonym for Count, matching original_source's accessor name
// (spec §5.2 supplement).
func (t *Tree) Size() int {
	return t.count
}

// AddAddr inserts addr under the tree's comparator and duplicate
// policy. Returns false only when drop_duplicates silently declined the
// insert (spec §4.2 step 4).
func (t *Tree) AddAddr(addr Address) bool {
	newRoot, accepted := insertNode(t.root, addr, t.cmp)
	switch accepted {
	case insertFresh:
		t.root = newRoot
		if t.root != nil {
			t.root.red = false
		}
		t.count++
		return true
	case insertDuplicate:
		// The descent may have performed colour flips/rotations before
		// finding the match; commit those even though no new node was
		// created for the main tree.
		t.root = newRoot
		if t.root != nil {
			t.root.red = false
		}
		owner := locateByComparator(t.root, addr, t.cmp)
		ok := t.applyDuplicatePolicy(owner, addr)
		if ok && t.merger == nil {
			// Only an embedded duplicate adds a held address; a merge
			// replaces the owner's address in place.
			t.count++
		}
		return ok
	default:
		return false
	}
}

type insertOutcome int

const (
	insertFresh insertOutcome = iota
	insertDuplicate
)

// insertNode performs the top-down 2-3-4 insertion walk. When the walk
// finds an existing node whose key compares equal to addr, it stops
// without creating a node and reports insertDuplicate; the caller
// resolves the duplicate policy and, if it embeds, mutates the tree
// separately (embedding never requires rebalancing the main tree, since
// the main tree's node count does not change).
func insertNode(root *node, addr Address, cmp index.Comparator) (*node, insertOutcome) {
	if root == nil {
		return &node{addr: addr, red: true}, insertFresh
	}

	head := &node{link: [2]*node{nil, root}}
	var g, gg, p *node
	q := root
	dir, last := 1, 1
	gg = head

	for {
		justCreated := false
		if q == nil {
			q = &node{addr: addr, red: true}
			p.link[dir] = q
			justCreated = true
		} else if isRed(q.link[0]) && isRed(q.link[1]) {
			q.red = true
			q.link[0].red = false
			q.link[1].red = false
		}

		if isRed(q) && isRed(p) {
			dir2 := 0
			if gg.link[1] == g {
				dir2 = 1
			}
			if q == p.link[last] {
				gg.link[dir2] = singleRotation(g, 1-last)
			} else {
				gg.link[dir2] = doubleRotation(g, 1-last)
			}
		}

		if justCreated {
			break
		}

		c := cmp(addr, q.addr)
		if c == 0 {
			return head.link[1], insertDuplicate
		}

		last = dir
		if c < 0 {
			dir = 0
		} else {
			dir = 1
		}

		if g != nil {
			gg = g
		}
		g, p = p, q
		q = q.link[dir]
	}

	return head.link[1], insertFresh
}

// applyDuplicatePolicy runs spec §4.2 step 4 once AddAddr has located an
// existing node owner whose key compares equal to addr: drop the new
// address, merge it into owner's stored address, or push it into
// owner's embedded duplicates subtree.
func (t *Tree) applyDuplicatePolicy(owner *node, addr Address) bool {
	if owner == nil {
		return false
	}
	if t.dropDup {
		return false
	}
	if t.merger != nil {
		owner.addr = t.merger(addr, owner.addr)
		return true
	}
	newEmbedded, outcome := insertNode(owner.embedded, addr, addrCmp)
	if outcome == insertFresh {
		owner.embedded = newEmbedded
		if owner.embedded != nil {
			owner.embedded.red = false
		}
		return true
	}
	// addrCmp never reports a duplicate for a freshly-allocated Address,
	// but guard it anyway rather than silently losing the insert.
	return false
}

// locateByComparator returns the node whose key compares equal to addr
// under cmp, or nil.
func locateByComparator(root *node, addr Address, cmp index.Comparator) *node {
	n := root
	for n != nil {
		c := cmp(addr, n.addr)
		switch {
		case c == 0:
			return n
		case c < 0:
			n = n.link[0]
		default:
			n = n.link[1]
		}
	}
	return nil
}

// locate finds which main-tree node owns addr: either directly (its own
// stored address) or via its embedded duplicates subtree.
func (t *Tree) locate(addr Address) (owner *node, inEmbedded bool) {
	n := t.root
	for n != nil {
		c := t.cmp(addr, n.addr)
		if c != 0 {
			if c < 0 {
				n = n.link[0]
			} else {
				n = n.link[1]
			}
			continue
		}
		if n.addr == addr {
			return n, false
		}
		if n.embedded != nil && locateByComparator(n.embedded, addr, addrCmp) != nil {
			return n, true
		}
		return nil, false
	}
	return nil, false
}

// Remove drops addr from the tree, returning false if it was not held
// (spec §7 "not-found"). A node carrying a non-empty embedded
// duplicates subtree has one element removed from that subtree instead
// of being structurally unlinked (spec §4.2).
func (t *Tree) Remove(addr Address) bool {
	owner, inEmbedded := t.locate(addr)
	if owner == nil {
		return false
	}

	switch {
	case inEmbedded:
		owner.embedded = deleteNode(owner.embedded, addr, addrCmp)
		if owner.embedded != nil {
			owner.embedded.red = false
		}
	case owner.embedded != nil:
		picked := owner.embedded.addr
		owner.addr = picked
		owner.embedded = deleteNode(owner.embedded, picked, addrCmp)
		if owner.embedded != nil {
			owner.embedded.red = false
		}
	default:
		t.root = deleteNode(t.root, addr, t.cmp)
		if t.root != nil {
			t.root.red = false
		}
	}

	t.count--
	return true
}

// deleteNode performs the top-down red-black deletion pass: as it
// descends it ensures the current node is red so that splicing out a
// leaf never breaks the black-height invariant (spec §4.2). On finding
// the target with two children it swaps keys with the in-order
// successor and continues descending to remove that successor leaf
// instead.
func deleteNode(root *node, target Address, cmp func(Address, Address) int) *node {
	if root == nil {
		return nil
	}

	head := &node{red: true, link: [2]*node{nil, root}}
	var g, p, q *node
	dir := 1
	q = head

	for q.link[dir] != nil {
		last := dir
		g, p = p, q
		q = q.link[dir]

		c := cmp(target, q.addr)
		if c < 0 {
			dir = 0
		} else {
			dir = 1
		}

		if !isRed(q) && !isRed(q.link[dir]) {
			if isRed(q.link[1-dir]) {
				sr := singleRotation(q, dir)
				p.link[last] = sr
				p = sr
			} else if sib := p.link[1-last]; sib != nil {
				if !isRed(sib.link[0]) && !isRed(sib.link[1]) {
					p.red = false
					sib.red = true
					q.red = true
				} else {
					dir2 := 0
					if g.link[1] == p {
						dir2 = 1
					}
					if isRed(sib.link[last]) {
						g.link[dir2] = doubleRotation(p, last)
					} else {
						g.link[dir2] = singleRotation(p, last)
					}
					q.red = true
					g.link[dir2].red = true
					g.link[dir2].link[0].red = false
					g.link[dir2].link[1].red = false
				}
			}
		}

		if cmp(target, q.addr) == 0 {
			if q.link[0] != nil && q.link[1] != nil {
				succ := q.link[1]
				for succ.link[0] != nil {
					succ = succ.link[0]
				}
				q.addr = succ.addr
				target = succ.addr
				dir = 1
				continue
			}
			child := q.link[0]
			if child == nil {
				child = q.link[1]
			}
			if p.link[0] == q {
				p.link[0] = child
			} else {
				p.link[1] = child
			}
			break
		}
	}

	return head.link[1]
}

// RemoveSweep drops every address present in marked (spec §4.2
// "remove_sweep"), using the sweep's sorted/bitmap set for O(1)
// amortized membership tests per node visited.
func (t *Tree) RemoveSweep(marked *markedset.Set) {
	if marked == nil || marked.Len() == 0 {
		return
	}
	var hits []Address
	it := t.ItFirst()
	for it.Next() {
		if marked.Contains(it.Addr()) {
			hits = append(hits, it.Addr())
		}
	}
	it.Release()
	for _, addr := range hits {
		t.Remove(addr)
	}
}

// Update treats old[i] as renamed to new[i]: since the comparator must
// still compare equal before and after a relocation, the tree rewrites
// the stored address in place without restructuring (spec §4.2
// "update").
func (t *Tree) Update(old, new []Address) {
	for i := range old {
		owner, inEmbedded := t.locate(old[i])
		if owner == nil {
			continue
		}
		if inEmbedded {
			if n := locateByComparator(owner.embedded, old[i], addrCmp); n != nil {
				n.addr = new[i]
			}
			continue
		}
		owner.addr = new[i]
	}
}

// Verify is a test hook (spec §4.2 "rbt_verify"), not a production
// path: it walks the tree and returns 0 if any red-black invariant is
// violated, or the black height otherwise.
func (t *Tree) Verify() int {
	bh, ok := verify(t.root)
	if !ok {
		return 0
	}
	return bh
}

func verify(n *node) (blackHeight int, ok bool) {
	if n == nil {
		return 1, true
	}
	if isRed(n) && (isRed(n.link[0]) || isRed(n.link[1])) {
		return 0, false
	}
	lh, lok := verify(n.link[0])
	rh, rok := verify(n.link[1])
	if !lok || !rok || lh != rh {
		return 0, false
	}
	h := lh
	if !isRed(n) {
		h++
	}
	return h, true
}

// ItFirst returns a forward (ascending comparator order) iterator over
// every address, descending into embedded subtrees before moving past
// their owning node (spec §4.2 "next descends into the embedded tree
// before moving on").
func (t *Tree) ItFirst() index.Iterator {
	it := &treeIterator{forward: true}
	it.pushLeft(t.root)
	return it
}

// ItLast returns a reverse (descending comparator order) iterator.
func (t *Tree) ItLast() index.Iterator {
	it := &treeIterator{forward: false}
	it.pushRight(t.root)
	return it
}

// ItLookup descends comparing probe against each node; on an exact hit
// it returns an iterator that starts at that key, visiting the node's
// embedded duplicates, if any, together with it. Absent an exact hit, dir<0 returns the
// largest key strictly less than the probe, dir>0 the smallest strictly
// greater, dir==0 a null iterator (spec §4.2 "it_lookup").
func (t *Tree) ItLookup(probe index.Probe, dir int) index.Iterator {
	var candidateStack []*node
	var stack []*node

	n := t.root
	for n != nil {
		c := probe(n.addr)
		// Keep only ancestors still ahead in the walk's direction: larger
		// ones for a forward iterator, smaller ones for a reverse one.
		if c == 0 || (c > 0) == (dir >= 0) {
			stack = append(stack, n)
		}
		switch {
		case c == 0:
			return &treeIterator{forward: dir >= 0, stack: append([]*node(nil), stack...)}
		case c < 0:
			if dir < 0 {
				candidateStack = append([]*node(nil), stack...)
			}
			n = n.link[1]
		default:
			if dir > 0 {
				candidateStack = append([]*node(nil), stack...)
			}
			n = n.link[0]
		}
	}

	if dir == 0 || candidateStack == nil {
		return &treeIterator{done: true}
	}
	return &treeIterator{forward: dir > 0, stack: candidateStack}
}

// treeIterator is a stack-based in-order (or reverse in-order)
// iterator: no parent pointers exist, so the path of ancestors is kept
// explicitly (spec §4.2 "an iterator that explicitly maintains a stack
// of ancestors").
type treeIterator struct {
	stack   []*node
	forward bool
	done    bool
	current *node // the node Addr() reports; set by the most recent Next()

	inEmbedded    bool
	embeddedStack []*node // ancestor stack in the main tree, resumed once the embedded subtree is exhausted
}

func (it *treeIterator) pushLeft(n *node) {
	for n != nil {
		it.stack = append(it.stack, n)
		n = n.link[0]
	}
}

func (it *treeIterator) pushRight(n *node) {
	for n != nil {
		it.stack = append(it.stack, n)
		n = n.link[1]
	}
}

func (it *treeIterator) top() *node {
	if len(it.stack) == 0 {
		return nil
	}
	return it.stack[len(it.stack)-1]
}

func (it *treeIterator) pop() *node {
	n := it.top()
	it.stack = it.stack[:len(it.stack)-1]
	return n
}

func (it *treeIterator) Next() bool {
	if it.done {
		return false
	}
	if len(it.stack) == 0 {
		if it.inEmbedded {
			it.inEmbedded = false
			it.stack = it.embeddedStack
			it.embeddedStack = nil
			return it.Next()
		}
		it.done = true
		return false
	}

	cur := it.pop()
	it.current = cur
	if it.forward {
		it.pushLeft(cur.link[1])
	} else {
		it.pushRight(cur.link[0])
	}

	if cur.embedded != nil && !it.inEmbedded {
		it.embeddedStack = it.stack
		it.stack = nil
		it.inEmbedded = true
		if it.forward {
			it.pushLeft(cur.embedded)
		} else {
			// Walking backwards, the owner's own address comes after its
			// duplicates, so it sits at the bottom of the embedded stack.
			it.stack = append(it.stack, &node{addr: cur.addr})
			it.pushRight(cur.embedded)
			return it.Next()
		}
		if len(it.stack) == 0 {
			it.inEmbedded = false
			it.stack = it.embeddedStack
			it.embeddedStack = nil
		}
	}

	return true
}

func (it *treeIterator) Addr() Address {
	return it.current.addr
}

func (it *treeIterator) Release() {
	it.done = true
	it.stack = nil
	it.embeddedStack = nil
}
