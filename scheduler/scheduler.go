// Package scheduler implements the interference-class-aware worker
// pool that offloads ODB record insertions to a fixed-size pool (spec
// §4.6): a red-black-tree-ordered set of per-class FIFO queues, plus
// one distinguished queue for class-free ("independent") work.
//
// The queue-ordering tree itself is not the record index's red-black
// tree — it has none of the embedded-duplicate-subtree machinery
// rbtree.Tree carries — so it is built on github.com/google/btree's
// generic in-memory B-tree instead, grounded on cuemby-warren's
// transitive dependency on the same package.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Sentinel errors (spec §7 "scheduler-invalid", §9 BARRIER/URGENT
// resolution).
var (
	// ErrInvalidFlags is returned when a workload is marked both
	// BACKGROUND and HIGH_PRIORITY.
	ErrInvalidFlags = errors.New("scheduler: workload cannot be both background and high-priority")
	// ErrUnimplementedFlag is returned for a workload flagged BARRIER or
	// URGENT: the original source declares these flags but never wires
	// them to scheduling behavior, and this rendition keeps that
	// boundary explicit rather than silently ignoring the flag.
	ErrUnimplementedFlag = errors.New("scheduler: BARRIER/URGENT flags are not implemented")
	// ErrClosed is returned by AddWork after Shutdown.
	ErrClosed = errors.New("scheduler: closed")
)

// Flag is a workload's scheduling hint (spec §4.6 "Workload flags").
type Flag uint8

const (
	None Flag = 0
	// ReadOnly allows concurrent workers on the same interference class.
	ReadOnly Flag = 1 << iota
	// Barrier is rejected with ErrUnimplementedFlag.
	Barrier
	// Background is processed only when no other queue is eligible.
	Background
	// HighPriority promotes the queue above non-high-priority queues
	// until its last high-priority workload completes.
	HighPriority
	// Urgent is rejected with ErrUnimplementedFlag.
	Urgent
)

// Func is the unit of scheduled work.
type Func func()

// Independent is the sentinel class id naming the one distinguished,
// class-free queue (spec §4.6 "one distinguished queue for class-free
// ('independent') work"). Real interference classes are assigned by
// the ODB façade (spec §4.5 "each index is assigned its own class id,
// its luid"), so any other int64 value is a valid class.
const Independent int64 = -1

type workload struct {
	id    uint64
	class int64
	flags Flag
	fn    Func
}

type workQueue struct {
	class       int64
	pending     []*workload
	highPri     int
	background  bool
	independent bool

	// inTree mirrors spec §4.6's "in-tree" bit: whether q is currently
	// discoverable in the scheduling tree.
	inTree bool
	// busy is true between a worker popping a non-independent,
	// non-READ_ONLY workload from q and that workload completing; while
	// busy, q is kept out of the tree even if more work arrives for it,
	// so no peer worker can pull a conflicting same-class workload.
	busy bool
}

func (q *workQueue) headID() uint64 {
	if len(q.pending) == 0 {
		return 0
	}
	return q.pending[0].id
}

// lessQueue orders queues the way spec §4.6 "Scheduling order" does: a
// queue with a pending HIGH_PRIORITY workload precedes one without; a
// BACKGROUND queue follows every non-background queue; otherwise, FIFO
// fairness by the lower head workload id.
func lessQueue(a, b *workQueue) bool {
	aHP, bHP := a.highPri > 0, b.highPri > 0
	if aHP != bHP {
		return aHP
	}
	if a.background != b.background {
		return !a.background
	}
	return a.headID() < b.headID()
}

// spinLock is a CAS loop over an atomic flag (spec §5 "SpinLock is a
// CAS loop over an atomic flag"), used for the scheduler's short
// enqueue/pop critical sections.
type spinLock struct {
	flag atomic.Bool
}

func (s *spinLock) Lock() {
	for !s.flag.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	s.flag.Store(false)
}

// Scheduler is the fixed-size worker pool plus interference-class queue
// tree (spec §4.6).
type Scheduler struct {
	fast spinLock

	tree   *btree.BTreeG[*workQueue]
	queues map[int64]*workQueue

	workAvail int
	nextID    atomic.Uint64

	workCond  *sync.Cond
	blockCond *sync.Cond

	numWorkers int
	parked     int
	workers    []*workerHandle // live worker handles, index order = spawn order

	// joinLimit bounds how many worker joins UpdateNumThreads/Shutdown
	// wait on concurrently when a shrink retires several workers at
	// once (spec §4.6 "Cancellation and shrinkage"). It is sized as a
	// fixed concurrency bound, not as a function of the pool size, so
	// growing the pool repeatedly can never exhaust it.
	joinLimit *semaphore.Weighted
	log       *zap.Logger
	closed    bool
}

// workerHandle is one worker goroutine's exit control: retire is set
// under the scheduler's fast lock once that specific worker has been
// chosen for retirement (spec §4.6 "Cancellation and shrinkage" — only
// the excess workers stop, the rest of the pool keeps running); done is
// closed when the goroutine returns, letting a shrink or Shutdown join it.
type workerHandle struct {
	retire bool
	done   chan struct{}
}

// maxConcurrentJoins bounds how many retiring workers UpdateNumThreads
// or Shutdown wait on at once.
const maxConcurrentJoins = 64

// New constructs a Scheduler with n initial workers. log may be nil, in
// which case a no-op logger is used.
func New(n int, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if n < 1 {
		n = 1
	}
	s := &Scheduler{
		tree:      btree.NewG(32, lessQueue),
		queues:    make(map[int64]*workQueue),
		joinLimit: semaphore.NewWeighted(maxConcurrentJoins),
		log:       log,
	}
	s.workCond = sync.NewCond(&s.fast)
	s.blockCond = sync.NewCond(&s.fast)
	s.fast.Lock()
	s.updateNumThreadsLocked(n)
	s.fast.Unlock()
	return s
}

// AddWork enqueues fn under class with flags. class == Independent
// routes to the one shared class-free queue, whose items always run
// concurrently (spec §4.6 "independent work re-insert immediately on
// pop").
func (s *Scheduler) AddWork(class int64, flags Flag, fn Func) error {
	if flags&Barrier != 0 || flags&Urgent != 0 {
		return ErrUnimplementedFlag
	}
	if flags&Background != 0 && flags&HighPriority != 0 {
		return ErrInvalidFlags
	}

	wl := &workload{id: s.nextID.Add(1), class: class, flags: flags, fn: fn}

	s.fast.Lock()
	if s.closed {
		s.fast.Unlock()
		return ErrClosed
	}

	q, ok := s.queues[class]
	if !ok {
		q = &workQueue{class: class, independent: class == Independent}
		s.queues[class] = q
	}

	// The tree orders queues by fields (highPri, background, head id)
	// that are about to change; pull q out first so its position is
	// never stale while the comparator's inputs are in flux.
	if q.inTree {
		s.tree.Delete(q)
		q.inTree = false
	}

	q.pending = append(q.pending, wl)
	if flags&HighPriority != 0 {
		q.highPri++
	}
	q.background = flags&Background != 0

	// While q.busy, a worker is still serializing a same-class workload
	// through it; leave it out of the tree regardless of how much work
	// piles up until that worker marks it done (spec §4.6 "leaves the
	// queue out of the tree so that no peer worker can pull a
	// conflicting workload of the same class").
	if !q.busy {
		s.tree.ReplaceOrInsert(q)
		q.inTree = true
	}

	s.workAvail++
	s.fast.Unlock()
	s.workCond.Signal()
	return nil
}

func (s *Scheduler) worker(h *workerHandle) {
	defer close(h.done)
	for {
		s.fast.Lock()
		for s.tree.Len() == 0 {
			if s.closed || h.retire {
				s.fast.Unlock()
				return
			}
			s.parked++
			s.blockCond.Broadcast()
			s.workCond.Wait()
			s.parked--
		}
		if h.retire {
			s.fast.Unlock()
			return
		}

		q, _ := s.tree.Min()
		s.tree.Delete(q)
		q.inTree = false
		wl := q.pending[0]
		q.pending = q.pending[1:]

		reinsertNow := wl.flags&ReadOnly != 0 || q.independent
		if reinsertNow {
			if len(q.pending) > 0 {
				s.tree.ReplaceOrInsert(q)
				q.inTree = true
			}
		} else {
			q.busy = true
		}
		s.workAvail--
		s.fast.Unlock()

		wl.fn()

		s.fast.Lock()
		if q.inTree {
			// Same rule as AddWork: never mutate the comparator's
			// inputs while q is resident in the tree.
			s.tree.Delete(q)
			q.inTree = false
		}
		if wl.flags&HighPriority != 0 {
			q.highPri--
		}
		if !reinsertNow {
			q.busy = false
		}
		if len(q.pending) > 0 && !q.busy {
			s.tree.ReplaceOrInsert(q)
			q.inTree = true
		}
		s.fast.Unlock()
	}
}

// BlockUntilDone waits until every enqueued workload has completed and
// every worker is parked (spec §4.6, §5 "block_until_done").
func (s *Scheduler) BlockUntilDone() {
	s.fast.Lock()
	for !(s.workAvail == 0 && s.tree.Len() == 0 && s.parked >= s.numWorkers) {
		s.blockCond.Wait()
	}
	s.fast.Unlock()
}

// UpdateNumThreads grows or shrinks the worker pool. Shrinking signals
// only the excess workers to exit once their current workload (if any)
// finishes, then waits for them to join, bounded by a semaphore so a
// shrink never blocks indefinitely regardless of how large the pool has
// grown (spec §4.6 "Cancellation and shrinkage").
func (s *Scheduler) UpdateNumThreads(n int) {
	s.fast.Lock()
	retired := s.updateNumThreadsLocked(n)
	s.fast.Unlock()
	s.joinWorkers(retired)
}

// spawnWorkerLocked starts one new worker and tracks its handle. Callers
// hold s.fast.
func (s *Scheduler) spawnWorkerLocked() {
	h := &workerHandle{done: make(chan struct{})}
	s.workers = append(s.workers, h)
	go s.worker(h)
}

// updateNumThreadsLocked adjusts the pool to n workers. On growth it
// spawns the difference and returns nil. On shrink it marks the excess
// workers (the most recently spawned ones) for retirement, drops them
// from s.workers, and wakes every worker so the retiring ones notice —
// the retained n keep running untouched. Callers hold s.fast.
func (s *Scheduler) updateNumThreadsLocked(n int) []*workerHandle {
	if n < 1 {
		n = 1
	}
	if n == s.numWorkers {
		return nil
	}
	if n > s.numWorkers {
		grow := n - s.numWorkers
		s.numWorkers = n
		for i := 0; i < grow; i++ {
			s.spawnWorkerLocked()
		}
		return nil
	}

	shrinkBy := s.numWorkers - n
	retired := make([]*workerHandle, shrinkBy)
	copy(retired, s.workers[n:])
	for _, h := range retired {
		h.retire = true
	}
	s.workers = s.workers[:n]
	s.numWorkers = n
	s.workCond.Broadcast()
	return retired
}

// joinWorkers waits for every handle's goroutine to exit, bounded by
// s.joinLimit concurrent joins.
func (s *Scheduler) joinWorkers(handles []*workerHandle) {
	if len(handles) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *workerHandle) {
			defer wg.Done()
			_ = s.joinLimit.Acquire(context.Background(), 1)
			defer s.joinLimit.Release(1)
			<-h.done
		}(h)
	}
	wg.Wait()
}

// Shutdown stops accepting new work and waits for every worker to
// drain and exit.
func (s *Scheduler) Shutdown() {
	s.fast.Lock()
	s.closed = true
	all := s.workers
	s.workers = nil
	s.fast.Unlock()
	s.workCond.Broadcast()
	s.joinWorkers(all)
	s.log.Info("scheduler shutdown requested")
}

// QueueDepth reports the number of pending (not yet started) workloads
// across every class, used by odb.Context.Stats() (spec §5.5
// supplement).
func (s *Scheduler) QueueDepth() int {
	s.fast.Lock()
	defer s.fast.Unlock()
	return s.workAvail
}
