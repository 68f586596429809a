package mooncake

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MemoryPool is a fixed-capacity arena of slabs, sliced into a set of fixed
// chunk sizes (allocation classes). It hands out and reclaims Ptrs, and
// owns the slab-release protocol that lets a caller shrink the pool
// (ModeResize) or move a slab between classes (ModeRebalance) without
// stopping the world: outstanding chunks drain cooperatively as their
// owners call Free.
//
// Grounded directly on cachelib's MemoryPool.{h,cpp} (present in the
// retrieved pack's original_source/), including the accounting-ordering
// comments preserved in releaseSlab below.
type MemoryPool struct {
	id      int16
	maxSize uint64
	slabAlc SlabAllocator
	logger  *slog.Logger

	acSizes []uint32
	classes []*AllocationClass

	mu        sync.Mutex
	freeSlabs []Slab

	currSlabAllocSize int64 // atomic: bytes of slabs held by classes (not pool freeSlabs)
	currAllocSize     int64 // atomic: bytes handed out to callers

	curSlabsAdvised     int64 // atomic
	nSlabResize         int64 // atomic
	nSlabRebalance      int64 // atomic
	nSlabReleaseAborted int64 // atomic

	autoAdvise bool
}

// poolConfig accumulates PoolOption settings before NewMemoryPool builds
// the pool.
type poolConfig struct {
	logger       *slog.Logger
	autoAdvise   bool
	promRegistry prometheus.Registerer
	promLabel    string
}

// PoolOption configures optional MemoryPool behavior, following the
// teacher's functional-options pattern (AllocatorOption there, renamed here
// since this module's unit of configuration is a pool, not a whole
// allocator instance).
type PoolOption func(*poolConfig)

// WithLogger overrides the pool's structured logger (default:
// slog.Default()).
func WithLogger(logger *slog.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = logger }
}

// WithAdvise enables automatically calling madvise(MADV_DONTNEED) on a
// slab's backing pages whenever a resize-mode release returns it all the
// way to the SlabAllocator.
func WithAdvise() PoolOption {
	return func(c *poolConfig) { c.autoAdvise = true }
}

// WithPrometheus registers a PoolCollector for this pool against registerer
// under the given label, as part of pool construction rather than requiring
// a separate NewPoolCollector/Register call from the caller.
func WithPrometheus(registerer prometheus.Registerer, label string) PoolOption {
	return func(c *poolConfig) {
		c.promRegistry = registerer
		c.promLabel = label
	}
}

// NewMemoryPool builds a pool with one AllocationClass per entry in
// classSizes (sorted ascending internally; duplicate sizes are rejected).
// maxSize bounds the pool's total
// slab footprint in bytes and must be a multiple of SlabSize.
func NewMemoryPool(id int16, maxSize uint64, slabAlc SlabAllocator, classSizes []uint32, opts ...PoolOption) (*MemoryPool, error) {
	if maxSize == 0 || maxSize%SlabSize != 0 {
		return nil, newInvalidArgument("NewMemoryPool", fmt.Errorf("maxSize %d must be a positive multiple of %d", maxSize, SlabSize))
	}
	if len(classSizes) == 0 {
		return nil, newInvalidArgument("NewMemoryPool", fmt.Errorf("at least one allocation class size is required"))
	}

	cfg := poolConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	sizes := append([]uint32(nil), classSizes...)
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for i := 1; i < len(sizes); i++ {
		if sizes[i] == sizes[i-1] {
			return nil, newInvalidArgument("NewMemoryPool", fmt.Errorf("duplicate allocation class size %d", sizes[i]))
		}
	}

	pool := &MemoryPool{
		id:         id,
		maxSize:    maxSize,
		slabAlc:    slabAlc,
		logger:     logger.With("poolID", id),
		acSizes:    sizes,
		autoAdvise: cfg.autoAdvise,
	}
	for i, sz := range sizes {
		ac, err := NewAllocationClass(int16(i), id, sz, slabAlc, logger)
		if err != nil {
			return nil, err
		}
		pool.classes = append(pool.classes, ac)
	}

	if cfg.promRegistry != nil {
		if err := cfg.promRegistry.Register(NewPoolCollector(pool, cfg.promLabel)); err != nil {
			return nil, newRuntime(logger, "NewMemoryPool", fmt.Errorf("registering prometheus collector: %w", err))
		}
	}
	return pool, nil
}

// ID returns this pool's identifier.
func (p *MemoryPool) ID() int16 { return p.id }

// ClassIDForSize returns the smallest allocation class able to satisfy a
// request of size bytes, or (InvalidClassID, false) if size is 0 or exceeds
// every class.
func (p *MemoryPool) ClassIDForSize(size uint32) (int16, bool) {
	if size == 0 {
		return InvalidClassID, false
	}
	for _, ac := range p.classes {
		if ac.AllocSize() >= size {
			return ac.ID(), true
		}
	}
	return InvalidClassID, false
}

// ClassIDForMemory returns the class that owns ptr.
func (p *MemoryPool) ClassIDForMemory(ptr Ptr) (int16, error) {
	hdr, ok := p.slabAlc.GetSlabHeader(ptr)
	if !ok {
		return InvalidClassID, newRuntime(p.logger, "MemoryPool.ClassIDForMemory", fmt.Errorf("%w: slab %d unknown to allocator", ErrCorruptSlabHeader, ptr.Slab.ID()))
	}
	if hdr.PoolID != p.id || hdr.ClassID == InvalidClassID {
		return InvalidClassID, newRuntime(p.logger, "MemoryPool.ClassIDForMemory", fmt.Errorf("%w: ptr does not belong to pool %d", ErrCorruptSlabHeader, p.id))
	}
	return hdr.ClassID, nil
}

func (p *MemoryPool) classByID(id int16) *AllocationClass {
	if id < 0 || int(id) >= len(p.classes) {
		return nil
	}
	return p.classes[id]
}

// Allocate returns a chunk able to hold size bytes, or (Ptr{}, false) if the
// pool is out of memory. Out-of-memory is not an exception in this
// package's error taxonomy: it always surfaces as a false ok, never an
// error value.
func (p *MemoryPool) Allocate(size uint32) (Ptr, bool, error) {
	if size == 0 {
		return Ptr{}, false, newInvalidArgument("MemoryPool.Allocate", fmt.Errorf("%w: size must be positive", ErrInvalidArgument))
	}
	classID, ok := p.ClassIDForSize(size)
	if !ok {
		return Ptr{}, false, newInvalidArgument("MemoryPool.Allocate", fmt.Errorf("%w: %d exceeds largest class %d", ErrAllocTooLarge, size, p.acSizes[len(p.acSizes)-1]))
	}
	ac := p.classByID(classID)

	// Lock-free fast path: most allocations are satisfied from the class's
	// existing free list or current slab without ever touching the pool
	// lock.
	if ptr, ok := ac.Allocate(); ok {
		atomic.AddInt64(&p.currAllocSize, int64(ac.AllocSize()))
		return ptr, true, nil
	}

	// Every slab this pool may hold is already claimed, so no new slab can
	// be obtained; skip the pool lock.
	if atomic.LoadInt64(&p.currSlabAllocSize) >= int64(p.maxSize) {
		return Ptr{}, false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check under the pool lock: another goroutine may have already
	// installed a fresh slab while we were contending for the lock.
	if ptr, ok := ac.Allocate(); ok {
		atomic.AddInt64(&p.currAllocSize, int64(ac.AllocSize()))
		return ptr, true, nil
	}

	slab, ok := p.getSlabLocked()
	if !ok {
		return Ptr{}, false, nil
	}
	ptr, ok := ac.AddSlabAndAllocate(slab)
	if !ok {
		// A slab with at least one chunk must accept at least one
		// allocation; reaching here means the slab accounting is broken.
		return Ptr{}, false, newRuntime(p.logger, "MemoryPool.Allocate", fmt.Errorf("newly added slab %d yielded no allocation", slab.ID()))
	}
	atomic.AddInt64(&p.currAllocSize, int64(ac.AllocSize()))
	return ptr, true, nil
}

// getSlabLocked returns a slab for a class to carve, preferring the pool's
// free-slab list before asking the SlabAllocator for brand new memory.
// Must be called with p.mu held. Mirrors MemoryPool::getSlabLocked's
// bump-then-unbump accounting: currSlabAllocSize_ is incremented optimistically
// before the slab is actually obtained, and rolled back if it turns out the
// pool is exhausted.
func (p *MemoryPool) getSlabLocked() (Slab, bool) {
	if atomic.AddInt64(&p.currSlabAllocSize, SlabSize) > int64(p.maxSize) {
		atomic.AddInt64(&p.currSlabAllocSize, -SlabSize)
		return NilSlab, false
	}

	if n := len(p.freeSlabs); n > 0 {
		slab := p.freeSlabs[n-1]
		p.freeSlabs = p.freeSlabs[:n-1]
		return slab, true
	}

	slab, ok := p.slabAlc.MakeNewSlab(p.id)
	if !ok {
		atomic.AddInt64(&p.currSlabAllocSize, -SlabSize)
		return NilSlab, false
	}
	return slab, true
}

// Free returns ptr to its owning class. Chunks freed while their slab is
// mid-release are routed to the release's outstanding set instead of the
// normal free list by AllocationClass.Free itself.
func (p *MemoryPool) Free(ptr Ptr) error {
	classID, err := p.ClassIDForMemory(ptr)
	if err != nil {
		return err
	}
	ac := p.classByID(classID)
	ac.Free(ptr)
	atomic.AddInt64(&p.currAllocSize, -int64(ac.AllocSize()))
	return nil
}

// CurrentUsedSize returns the number of bytes currently handed out to
// callers (not counting slab overhead/fragmentation).
func (p *MemoryPool) CurrentUsedSize() int64 { return atomic.LoadInt64(&p.currAllocSize) }

// CurrentSlabAllocSize returns the number of bytes of slabs currently held
// by this pool's classes, carved or not. Slabs on the pool's own free list
// and slabs returned to the SlabAllocator are not counted.
func (p *MemoryPool) CurrentSlabAllocSize() int64 { return atomic.LoadInt64(&p.currSlabAllocSize) }

// OverLimit reports whether the pool's slab footprint exceeds maxSize.
// maxSize is fixed at construction, so this is true only transiently, while
// getSlabLocked rolls back an optimistic claim on a full pool.
func (p *MemoryPool) OverLimit() bool {
	return atomic.LoadInt64(&p.currSlabAllocSize) > int64(p.maxSize)
}

// StartSlabRelease begins releasing a slab from victimClassID, per mode.
// If victimClassID is InvalidClassID, mode must be ModeResize and the slab
// is popped directly from the pool's own free-slab list instead of going
// through any class -- the path used when shrinking a pool that is holding
// slabs in reserve rather than carved into any class. Otherwise hint
// selects which of victimClassID's slabs to release (NilSlab lets the class
// pick one per its own policy; see AllocationClass.getSlabForReleaseLocked).
//
// For ModeRebalance, receiverID names the class that should receive the
// slab once the release completes, and must belong to this pool. abortFn,
// if non-nil, is polled by the drain path between prune batches; see
// AllocationClass.StartSlabRelease for its cancellation semantics. Returns
// the context to pass to CompleteSlabRelease/AbortSlabRelease, or an error
// if the mode/receiver/victim combination is invalid.
func (p *MemoryPool) StartSlabRelease(victimClassID int16, mode SlabReleaseMode, hint Slab, receiverID int16, abortFn func() bool) (*SlabReleaseContext, error) {
	if mode == ModeRebalance {
		if receiverID == InvalidClassID || p.classByID(receiverID) == nil {
			return nil, newInvalidArgument("MemoryPool.StartSlabRelease", fmt.Errorf("%w: invalid receiver class %d", ErrIncompatibleMode, receiverID))
		}
		if receiverID == victimClassID {
			return nil, newInvalidArgument("MemoryPool.StartSlabRelease", fmt.Errorf("%w: receiver equals source class", ErrIncompatibleMode))
		}
	} else if receiverID != InvalidClassID {
		return nil, newInvalidArgument("MemoryPool.StartSlabRelease", fmt.Errorf("%w: receiver must be unset in resize mode", ErrIncompatibleMode))
	}

	if victimClassID == InvalidClassID {
		if mode != ModeResize {
			return nil, newInvalidArgument("MemoryPool.StartSlabRelease", fmt.Errorf("%w: releasing from the pool free list requires resize mode", ErrIncompatibleMode))
		}
		p.mu.Lock()
		n := len(p.freeSlabs)
		if n == 0 {
			p.mu.Unlock()
			return nil, newInvalidArgument("MemoryPool.StartSlabRelease", fmt.Errorf("pool %d has no free slabs to release", p.id))
		}
		slab := p.freeSlabs[n-1]
		p.freeSlabs = p.freeSlabs[:n-1]
		p.mu.Unlock()

		// A slab sitting on the pool's own freeSlabs was already excluded
		// from currSlabAllocSize when it landed there (see releaseSlab's
		// rebalance-to-pool branch and getSlabLocked's claim-on-pop
		// accounting), so returning it to the SlabAllocator here must not
		// decrement that counter a second time -- unlike the class-owned
		// path, which goes through releaseSlab precisely because its slab
		// is still counted as claimed.
		p.slabAlc.StampHeader(slab, p.id, InvalidClassID, 0)
		p.slabAlc.FreeSlab(slab)
		atomic.AddInt64(&p.nSlabResize, 1)
		if p.autoAdvise {
			if err := p.Advise(slab); err != nil {
				p.logger.Warn("advise failed after resize release", "slab", slab.ID(), "err", err)
			}
		}
		ctx := &SlabReleaseContext{
			Slab:       slab,
			PoolID:     p.id,
			ClassID:    InvalidClassID,
			ReceiverID: InvalidClassID,
			Mode:       ModeResize,
			state:      newReleaseState(nil),
		}
		return ctx, nil
	}

	ac := p.classByID(victimClassID)
	if ac == nil {
		return nil, newInvalidArgument("MemoryPool.StartSlabRelease", fmt.Errorf("%w: %d", ErrClassNotFound, victimClassID))
	}
	ctx, err := ac.StartSlabRelease(mode, hint, receiverID, abortFn)
	if err != nil {
		return nil, err
	}
	if ctx.isReleased() {
		p.releaseSlab(ctx)
	}
	return ctx, nil
}

// CompleteSlabRelease reports whether ctx's slab has finished draining; if
// so it performs the actual hand-off (returning the slab to the allocator,
// the pool's free list, or the receiving class, depending on ctx.Mode).
// Safe to call repeatedly while the caller polls a cooperative drain. A ctx
// built from the pool's own free list (ClassID == InvalidClassID) is always
// already released by the time StartSlabRelease returns it, so this is a
// no-op for that case.
func (p *MemoryPool) CompleteSlabRelease(ctx *SlabReleaseContext) bool {
	if ctx.ClassID == InvalidClassID {
		return false
	}
	ac := p.classByID(ctx.ClassID)
	if !ac.CompleteSlabRelease(ctx) {
		return false
	}
	p.releaseSlab(ctx)
	return true
}

// WaitSlabRelease blocks until ctx's slab has fully drained, then performs
// the same hand-off CompleteSlabRelease would. Returns a
// KindSlabReleaseAborted error if another goroutine calls AbortSlabRelease
// on ctx while this call is blocked. Offered alongside the poll-based
// CompleteSlabRelease for callers that would rather block than spin.
func (p *MemoryPool) WaitSlabRelease(ctx *SlabReleaseContext) error {
	if aborted := ctx.state.wait(); aborted {
		return newAborted("MemoryPool.WaitSlabRelease")
	}
	p.CompleteSlabRelease(ctx)
	return nil
}

// AbortSlabRelease cancels ctx and counts the abort for observability. The
// slab stays with its class; chunks the release had already reclaimed are
// not returned to the class free list (see AllocationClass.AbortSlabRelease).
// A ctx built
// from the pool's own free list (ClassID == InvalidClassID) is already
// released by construction and cannot be aborted; this is a no-op for that
// case.
func (p *MemoryPool) AbortSlabRelease(ctx *SlabReleaseContext) {
	if ctx.ClassID == InvalidClassID {
		return
	}
	ac := p.classByID(ctx.ClassID)
	ac.AbortSlabRelease(ctx)
	atomic.AddInt64(&p.nSlabReleaseAborted, 1)
}

// releaseSlab performs the actual slab hand-off once a release's chunks
// have all drained. The three branches and their accounting order are
// carried over from cachelib's MemoryPool::releaseSlab:
//   - resize: free the slab back to the SlabAllocator, THEN decrement the
//     pool's slab accounting -- the slab must be fully returned before the
//     pool claims to have shrunk.
//   - rebalance to another class: hand the slab directly to the receiving
//     class; the pool's total slab footprint is unchanged so no counter
//     moves.
//   - rebalance to the pool's own free list (no receiver, used when
//     rebalancing away from a class that is being retired): push onto
//     freeSlabs_ under the pool lock, THEN decrement -- decrementing before
//     the slab is visible on the free list would let a concurrent allocate
//     briefly believe the pool has less outstanding slab memory than it
//     actually does.
func (p *MemoryPool) releaseSlab(ctx *SlabReleaseContext) {
	p.slabAlc.StampHeader(ctx.Slab, p.id, InvalidClassID, 0)

	switch ctx.Mode {
	case ModeResize:
		p.slabAlc.FreeSlab(ctx.Slab)
		atomic.AddInt64(&p.currSlabAllocSize, -SlabSize)
		atomic.AddInt64(&p.nSlabResize, 1)
		if p.autoAdvise {
			if err := p.Advise(ctx.Slab); err != nil {
				p.logger.Warn("advise failed after resize release", "slab", ctx.Slab.ID(), "err", err)
			}
		}

	case ModeRebalance:
		if ctx.ReceiverID != InvalidClassID {
			receiver := p.classByID(ctx.ReceiverID)
			receiver.AddSlab(ctx.Slab)
			atomic.AddInt64(&p.nSlabRebalance, 1)
			return
		}
		p.mu.Lock()
		p.freeSlabs = append(p.freeSlabs, ctx.Slab)
		p.mu.Unlock()
		atomic.AddInt64(&p.currSlabAllocSize, -SlabSize)
		atomic.AddInt64(&p.nSlabRebalance, 1)
	}
}

// Advise hints to the OS that slab's physical pages may be reclaimed
// without being written back, via madvise(MADV_DONTNEED) (see
// advise_linux.go/advise_other.go). The slab remains addressable; its
// contents are simply no longer guaranteed to survive memory pressure
// until the next write.
func (p *MemoryPool) Advise(slab Slab) error {
	if err := adviseDontNeed(p.slabAlc, slab); err != nil {
		return newRuntime(p.logger, "MemoryPool.Advise", err)
	}
	atomic.AddInt64(&p.curSlabsAdvised, 1)
	return nil
}

// Unadvise clears a slab's advised bookkeeping bit (see
// advise_linux.go/advise_other.go for why this does not reverse the actual
// madvise call).
func (p *MemoryPool) Unadvise(slab Slab) error {
	if err := unadviseDontNeed(p.slabAlc, slab); err != nil {
		return newRuntime(p.logger, "MemoryPool.Unadvise", err)
	}
	atomic.AddInt64(&p.curSlabsAdvised, -1)
	return nil
}

// Stats is a point-in-time snapshot of pool-level counters, exported for
// metrics.go's Prometheus collector and for tests.
type Stats struct {
	UsedBytes         int64
	SlabAllocBytes    int64
	SlabsAdvised      int64
	SlabResizes       int64
	SlabRebalances    int64
	SlabReleaseAborts int64
}

// Stats returns a snapshot of this pool's counters.
func (p *MemoryPool) Stats() Stats {
	return Stats{
		UsedBytes:         atomic.LoadInt64(&p.currAllocSize),
		SlabAllocBytes:    atomic.LoadInt64(&p.currSlabAllocSize),
		SlabsAdvised:      atomic.LoadInt64(&p.curSlabsAdvised),
		SlabResizes:       atomic.LoadInt64(&p.nSlabResize),
		SlabRebalances:    atomic.LoadInt64(&p.nSlabRebalance),
		SlabReleaseAborts: atomic.LoadInt64(&p.nSlabReleaseAborted),
	}
}

// asPtr builds a zero-offset Ptr into slab, used internally to look up a
// slab's own header through the SlabAllocator's Ptr-keyed API.
func (s Slab) asPtr() Ptr { return Ptr{Slab: s, Offset: 0} }
