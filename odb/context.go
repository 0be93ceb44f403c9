package odb

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oba-core/odb/datastore"
	"github.com/oba-core/odb/index"
	"github.com/oba-core/odb/internal/markedset"
	"github.com/oba-core/odb/llist"
	"github.com/oba-core/odb/rbtree"
	"github.com/oba-core/odb/scheduler"
	"github.com/oba-core/odb/watchdog"
)

// IndexKind selects the concrete index implementation CreateIndex
// builds (spec §4.2 rbtree, §4.3 linked-list).
type IndexKind int

const (
	// KindRBTree builds a red-black tree index (rbtree.Tree).
	KindRBTree IndexKind = iota
	// KindLinkedList builds an ordered linked-list index (llist.List).
	KindLinkedList
)

// Context is the ODB façade (spec §4.5): it owns one datastore, every
// index and group attached to it, and optionally a scheduler and a
// watchdog. A Context created via Query is a clone whose datastore
// holds non-owning references into its parent's records.
type Context struct {
	ident string

	mu       sync.RWMutex
	ds       datastore.Datastore
	all      *index.IndexGroup
	indexes  []index.Index
	groups   []*index.IndexGroup
	classes  map[index.Index]int64

	cfg       Config
	scheduler *scheduler.Scheduler
	watchdog  *watchdog.Watchdog
	log       *zap.Logger

	parent   *Context
	cloneMu   sync.Mutex
	clones   map[*Context]*Context
	destroyed bool
}

// New constructs a Context per cfg (spec §4.5 "Construction
// parameters"). opts are applied in order before validation.
func New(opts ...Option) (*Context, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx := &Context{
		ident:   uuid.New().String(),
		cfg:     cfg,
		classes: make(map[index.Index]int64),
		log:     cfg.Logger,
	}
	ctx.all = index.NewIndexGroup(ctx.ident)

	switch cfg.Flavour {
	case FlavourVariable:
		ctx.ds = datastore.NewVariable(cfg.Meta)
	case FlavourLinkedList:
		ctx.ds = datastore.NewLinkedList(cfg.PayloadLen, cfg.Meta)
	default:
		ctx.ds = datastore.NewBank(cfg.PayloadLen, cfg.BankChunk, cfg.Meta)
	}

	if cfg.WatchdogInterval > 0 {
		wcfg := watchdog.Config{
			Interval:    cfg.WatchdogInterval,
			CapBytes:    cfg.WatchdogCapBytes,
			CapFraction: cfg.WatchdogFraction,
		}
		ctx.watchdog = watchdog.New(wcfg, func() { ctx.RemoveSweep() }, ctx.log)
		if err := ctx.watchdog.Start(); err != nil {
			return nil, err
		}
	}

	return ctx, nil
}

// Ident returns the context's integrity-check ident (spec GLOSSARY
// "Ident").
func (c *Context) Ident() string {
	return c.ident
}

// newLUID mints a scheduler interference class id from a fresh UUID's
// low 8 bytes instead of a bare atomic counter (spec §9 "Any atomic
// counter or UUID suffices"; SPEC_FULL §4 grounds this on
// cuemby-warren/edirooss-zmux-server's shared github.com/google/uuid
// dependency).
func newLUID() int64 {
	id := uuid.New()
	return int64(binary.LittleEndian.Uint64(id[:8]))
}

// CreateIndex builds an index of kind over the context's records,
// ordered by cmp, with merger/dropDuplicates controlling duplicate
// handling (spec §4.2, §4.5 "create_index"). If addToAll, the index is
// added to the context's "all" group, participating in
// AddData(data, true)'s fan-out. If populate, every record currently
// live in the datastore is added to the new index up front.
func (c *Context) CreateIndex(kind IndexKind, cmp index.Comparator, merger index.Merger, dropDuplicates, addToAll, populate bool) (index.Index, error) {
	var idx index.Index
	switch kind {
	case KindLinkedList:
		idx = llist.New(c.ident, cmp, merger, dropDuplicates)
	default:
		idx = rbtree.New(c.ident, cmp, merger, dropDuplicates)
	}

	c.mu.Lock()
	c.indexes = append(c.indexes, idx)
	c.classes[idx] = newLUID()
	if addToAll {
		// AddChild can only fail on an ident mismatch, impossible here
		// since idx was just built with c.ident.
		_ = c.all.AddChild(idx)
	}
	c.mu.Unlock()

	if populate {
		c.ds.Populate(idx)
	}
	return idx, nil
}

// DeleteIndex detaches idx from the context (spec §4.5
// "delete_index"). It is safe to call even if idx was never added to
// the "all" group.
func (c *Context) DeleteIndex(idx index.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, held := range c.indexes {
		if held == idx {
			c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
			break
		}
	}
	delete(c.classes, idx)
	c.all.RemoveChild(idx)
}

// CreateGroup builds and registers an empty IndexGroup owned by this
// context (spec §4.5 "create_group").
func (c *Context) CreateGroup() *index.IndexGroup {
	g := index.NewIndexGroup(c.ident)
	c.mu.Lock()
	c.groups = append(c.groups, g)
	c.mu.Unlock()
	return g
}

// AddData copies data into the datastore and, if addToAll, fans the
// resulting address out to every index in the "all" group (spec §4.5
// "add_data(bytes, add_to_all)"). The fan-out runs through the
// scheduler, one workload per index keyed on that index's
// interference class, if a scheduler is running; otherwise it runs
// synchronously on the calling goroutine.
func (c *Context) AddData(data []byte, addToAll bool) (datastore.Address, error) {
	addr, err := c.ds.Add(data)
	if err != nil {
		return datastore.Null, err
	}
	if addToAll {
		c.fanOut(addr)
	}
	return addr, nil
}

func (c *Context) fanOut(addr datastore.Address) {
	c.mu.RLock()
	targets := c.all.Flatten()
	sched := c.scheduler
	classes := make(map[index.Index]int64, len(targets))
	for _, idx := range targets {
		classes[idx] = c.classes[idx]
	}
	c.mu.RUnlock()

	for _, idx := range targets {
		idx := idx
		if sched != nil {
			class := classes[idx]
			_ = sched.AddWork(class, scheduler.None, func() { idx.AddAddr(addr) })
			continue
		}
		idx.AddAddr(addr)
	}
}

// Remove drops addr from the datastore and fans the same removal out
// to every attached index (spec §4.5 supplement, SPEC_FULL §5.5
// "Context.Remove"). Returns ErrNotFound if the datastore did not hold
// addr.
func (c *Context) Remove(addr datastore.Address) error {
	if err := c.ds.RemoveAddr(addr); err != nil {
		return ErrNotFound
	}
	c.mu.RLock()
	indexes := append([]index.Index(nil), c.indexes...)
	c.mu.RUnlock()
	for _, idx := range indexes {
		idx.Remove(addr)
	}
	return nil
}

// RemoveSweep orchestrates eviction across the datastore and every
// attached index, cascading any relocation into clone contexts (spec
// §4.7). It requires no external locking: the whole sequence runs
// under the context's own lock.
func (c *Context) RemoveSweep() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Prune == nil {
		return nil
	}

	result, err := c.ds.Sweep(c.cfg.Prune, c.cfg.Archiver)
	if err != nil {
		return err
	}
	if result == nil || len(result.Marked) == 0 {
		return nil
	}

	marked := markedset.FromSorted(result.Marked)
	for _, idx := range c.indexes {
		idx.RemoveSweep(marked)
	}

	if result.Relocation != nil {
		for _, idx := range c.indexes {
			idx.Update(result.Relocation.Old, result.Relocation.New)
		}
		c.cloneMu.Lock()
		clones := make([]*Context, 0, len(c.clones))
		for _, cl := range c.clones {
			clones = append(clones, cl)
		}
		c.cloneMu.Unlock()
		for _, cl := range clones {
			cl.mu.RLock()
			cloneIndexes := append([]index.Index(nil), cl.indexes...)
			cl.mu.RUnlock()
			for _, idx := range cloneIndexes {
				idx.Update(result.Relocation.Old, result.Relocation.New)
			}
		}
	}

	c.ds.Cleanup(result)
	return nil
}

// Purge drops every record from the datastore (cascading into clones)
// and empties every attached index (spec §4.5 "purge").
func (c *Context) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ds.Purge(c.cfg.FreeHook)
	for _, idx := range c.indexes {
		resetIndex(idx)
	}
}

// resetIndex empties idx by sweeping every address it currently holds,
// reusing RemoveSweep rather than adding a dedicated Clear method to
// index.Index (spec §4.5 "purge... resets indexes").
func resetIndex(idx index.Index) {
	it := idx.ItFirst()
	marked := markedset.New()
	for it.Next() {
		marked.Add(it.Addr())
	}
	it.Release()
	idx.RemoveSweep(marked)
}

// Query dispatches cond to idx, returning a new clone Context whose
// datastore is an indirect view holding non-owning references to each
// matching record's address in this context's datastore (spec §4.5,
// §8 scenario 4 "referential semantics"). The clone is registered so a
// later RemoveSweep on this context cascades relocations into it.
func (c *Context) Query(idx index.Index, cond index.Condition) *Context {
	c.mu.RLock()
	ds := c.ds
	c.mu.RUnlock()

	childDS := ds.CloneIndirect()

	it := idx.ItFirst()
	for it.Next() {
		addr := it.Addr()
		if !cond(addr) {
			continue
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(addr))
		childDS.Add(buf[:])
	}
	it.Release()

	child := &Context{
		ident:   uuid.New().String(),
		cfg:     c.cfg,
		ds:      childDS,
		classes: make(map[index.Index]int64),
		log:     c.log,
		parent:  c,
	}
	child.all = index.NewIndexGroup(child.ident)

	c.cloneMu.Lock()
	if c.clones == nil {
		c.clones = make(map[*Context]*Context)
	}
	c.clones[child] = child
	c.cloneMu.Unlock()

	return child
}

// StartScheduler switches index fan-out insertions (AddData with
// addToAll) to asynchronous dispatch across n workers (spec §4.5
// "start_scheduler").
func (c *Context) StartScheduler(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduler != nil {
		c.scheduler.UpdateNumThreads(n)
		return
	}
	c.scheduler = scheduler.New(n, c.log)
}

// BlockUntilDone waits for the scheduler's queues to drain (spec §4.5
// "block_until_done"). It is a no-op if no scheduler was started.
func (c *Context) BlockUntilDone() {
	c.mu.RLock()
	sched := c.scheduler
	c.mu.RUnlock()
	if sched != nil {
		sched.BlockUntilDone()
	}
}

// ItFirst/ItLast/ItRelease provide unordered iteration over the
// datastore's live records (spec §4.5 "it_first / it_last /
// it_release").
func (c *Context) ItFirst() datastore.Iterator { return c.ds.ItFirst() }
func (c *Context) ItLast() datastore.Iterator  { return c.ds.ItLast() }
func ItRelease(it datastore.Iterator)          { it.Release() }

// Stats aggregates the context's datastore, index, and scheduler
// occupancy, the way engine/obadb.go's Stats() aggregates EngineStats
// from its sub-components (SPEC_FULL §5.5).
type Stats struct {
	Datastore   datastore.Stats
	IndexCounts []int
	QueueDepth  int
}

// Stats returns a read-only diagnostic snapshot.
func (c *Context) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Datastore: c.ds.Stats()}
	for _, idx := range c.indexes {
		s.IndexCounts = append(s.IndexCounts, idx.Count())
	}
	if c.scheduler != nil {
		s.QueueDepth = c.scheduler.QueueDepth()
	}
	return s
}

// Destroy tears the context down: stops its scheduler and watchdog,
// destroys its clone contexts first, then its datastore (spec §3 "a
// clone never outlives its parent").
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	sched := c.scheduler
	wd := c.watchdog
	c.mu.Unlock()

	if sched != nil {
		sched.Shutdown()
	}
	if wd != nil {
		wd.Close()
	}

	c.cloneMu.Lock()
	clones := make([]*Context, 0, len(c.clones))
	for _, cl := range c.clones {
		clones = append(clones, cl)
	}
	c.clones = nil
	c.cloneMu.Unlock()
	for _, cl := range clones {
		cl.Destroy()
	}

	c.ds.Destroy()
}
