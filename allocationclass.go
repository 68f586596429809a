package mooncake

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AllocationClass owns every slab carved into chunks of one fixed size. It
// hands out Ptrs from a LIFO free list first, then by carving fresh offsets
// from the slab currently being filled, and only asks its owning MemoryPool
// for a brand new slab once both are exhausted. Grounded on
// AllocationClass.h's method contracts (the retrieved pack did not include
// AllocationClass.cpp, so method bodies follow the header's documented
// pre/postconditions.
type AllocationClass struct {
	id        int16
	poolID    int16
	allocSize uint32
	chunks    uint32 // chunks per slab = SlabSize / allocSize

	slabAlloc SlabAllocator
	logger    *slog.Logger

	mu sync.Mutex

	// allocatedSlabs holds slabs that have been fully carved (every chunk
	// handed out at least once) and are still owned by this class.
	allocatedSlabs []Slab

	// freeSlabs holds slabs reserved for this class (typically via a
	// rebalance hand-off) that have not been carved at all yet.
	freeSlabs []Slab

	// currSlab is the slab currently being carved by fresh Allocate calls;
	// NilSlab once it has been fully carved and no replacement has arrived.
	currSlab   Slab
	currOffset uint32

	// freedChunks is the class-wide LIFO free list (see DESIGN.md
	// "Intrusive freelist" for why this is a slice of Ptr rather than a
	// byte-level intrusive list).
	freedChunks []Ptr

	// startReleaseLock serializes slab-release starts against each other
	// (StartSlabRelease blocks on it) and against ForEachAllocation (which
	// only ever try-locks it, so a release in progress never starves a
	// scan -- it just reports SkippedAndContinue), mirroring
	// AllocationClass::startReleaseLock_'s try-lock discipline on the read
	// side.
	startReleaseLock sync.Mutex

	// activeReleases maps a slab id to its in-flight release bookkeeping.
	activeReleases map[int32]*SlabReleaseContext

	// canAllocate is an atomic hint, cleared the moment an Allocate call
	// finds the free list, currSlab, and freeSlabs all exhausted, and set
	// again as soon as a slab or a freed chunk becomes available. Callers
	// (metrics.go, rebalancing strategies above this package) may use it to
	// pick a source class for a rebalance without holding the class lock;
	// it is only ever a hint, never authoritative.
	canAllocate atomic.Bool

	allocatedCount int64
	freeCount      int64
}

// NewAllocationClass constructs an empty class for allocSize-byte chunks.
// id and poolID must be non-negative, and allocSize must be at least
// MinAllocSize and evenly divide SlabSize; MemoryPool builds its classes
// through this constructor, so the same checks apply to its class sizes.
func NewAllocationClass(id, poolID int16, allocSize uint32, slabAlloc SlabAllocator, logger *slog.Logger) (*AllocationClass, error) {
	if id < 0 || poolID < 0 {
		return nil, newInvalidArgument("NewAllocationClass",
			fmt.Errorf("class id %d and pool id %d must be non-negative", id, poolID))
	}
	if allocSize < MinAllocSize || SlabSize%allocSize != 0 {
		return nil, newInvalidArgument("NewAllocationClass",
			fmt.Errorf("alloc size %d must be >= %d and divide slab size %d", allocSize, MinAllocSize, SlabSize))
	}
	if logger == nil {
		logger = slog.Default()
	}
	ac := &AllocationClass{
		id:             id,
		poolID:         poolID,
		allocSize:      allocSize,
		chunks:         SlabSize / allocSize,
		slabAlloc:      slabAlloc,
		logger:         logger.With("classID", id, "poolID", poolID, "allocSize", allocSize),
		currSlab:       NilSlab,
		activeReleases: make(map[int32]*SlabReleaseContext),
	}
	ac.canAllocate.Store(true)
	return ac, nil
}

// AllocSize returns the fixed chunk size this class hands out.
func (ac *AllocationClass) AllocSize() uint32 { return ac.allocSize }

// ID returns this class's identifier within its pool.
func (ac *AllocationClass) ID() int16 { return ac.id }

// Allocate returns a free chunk, or (Ptr{}, false) if this class currently
// owns no space to satisfy the request; the caller (MemoryPool) is
// responsible for obtaining a new slab via AddSlabAndAllocate in that case.
func (ac *AllocationClass) Allocate() (Ptr, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.allocateLocked()
}

// allocateLocked implements the four-step allocate sequence: free list,
// then linear carve of currSlab, then promote a reserved freeSlab to
// currSlab and retry, then give up.
func (ac *AllocationClass) allocateLocked() (Ptr, bool) {
	if n := len(ac.freedChunks); n > 0 {
		p := ac.freedChunks[n-1]
		ac.freedChunks = ac.freedChunks[:n-1]
		ac.allocatedCount++
		return p, true
	}
	if ac.currSlab.Valid() && ac.currOffset < ac.chunks {
		p := Ptr{Slab: ac.currSlab, Offset: ac.currOffset * ac.allocSize}
		ac.currOffset++
		if ac.currOffset == ac.chunks {
			ac.allocatedSlabs = append(ac.allocatedSlabs, ac.currSlab)
			ac.currSlab = NilSlab
			ac.currOffset = 0
		}
		ac.allocatedCount++
		return p, true
	}
	if n := len(ac.freeSlabs); n > 0 {
		ac.currSlab = ac.freeSlabs[n-1]
		ac.freeSlabs = ac.freeSlabs[:n-1]
		ac.currOffset = 0
		return ac.allocateLocked()
	}
	ac.canAllocate.Store(false)
	return Ptr{}, false
}

// CanAllocate reports this class's atomic allocate hint: false only once an
// Allocate call has found the free list, currSlab, and freeSlabs all
// exhausted at once, and not yet reset by a subsequent AddSlab or Free.
func (ac *AllocationClass) CanAllocate() bool { return ac.canAllocate.Load() }

// AddSlab installs a freshly acquired slab: if this class has no slab
// currently being carved, the new slab becomes currSlab; otherwise it is
// queued on freeSlabs for a later allocate to promote.
func (ac *AllocationClass) AddSlab(slab Slab) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.addSlabLocked(slab)
}

func (ac *AllocationClass) addSlabLocked(slab Slab) {
	ac.slabAlloc.StampHeader(slab, ac.poolID, ac.id, ac.allocSize)
	ac.canAllocate.Store(true)
	if !ac.currSlab.Valid() {
		ac.currSlab = slab
		ac.currOffset = 0
		return
	}
	ac.freeSlabs = append(ac.freeSlabs, slab)
}

// AddSlabAndAllocate installs slab and immediately carves the first chunk
// from it, atomically with respect to other Allocate/Free calls.
func (ac *AllocationClass) AddSlabAndAllocate(slab Slab) (Ptr, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.addSlabLocked(slab)
	return ac.allocateLocked()
}

// Free returns ptr to this class. If ptr's slab is mid-release, the chunk
// is recorded against that release's outstanding set instead of the normal
// free list. The bool result is always false: this class never signals
// eager reclamation back to the pool (see DESIGN.md open question #2),
// matching cachelib's MemoryPool::free, which only ever resizes in response
// to the pool's own bookkeeping, not a hint from the class.
func (ac *AllocationClass) Free(ptr Ptr) bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ctx, ok := ac.activeReleases[ptr.Slab.ID()]; ok {
		ctx.state.markFreed(ptr.Offset)
		ac.freeCount++
		return false
	}
	ac.freedChunks = append(ac.freedChunks, ptr)
	ac.freeCount++
	ac.canAllocate.Store(true)
	return false
}

// IsAllocFreed reports whether ptr currently sits on the free list (as
// opposed to being live or pending as part of an in-flight release).
func (ac *AllocationClass) IsAllocFreed(ptr Ptr) bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for _, p := range ac.freedChunks {
		if p == ptr {
			return true
		}
	}
	return false
}

// AllFreed reports whether every chunk this class ever carved is currently
// on the free list -- the precondition for this class owning zero live
// allocations.
func (ac *AllocationClass) AllFreed() bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	carved := int64(len(ac.allocatedSlabs)) * int64(ac.chunks)
	carved += int64(ac.currOffset)
	return int64(len(ac.freedChunks)) >= carved
}

// carvedChunks returns how many chunks of slab this class has carved so
// far: all of them for an allocatedSlabs entry, currOffset for currSlab,
// zero for an untouched freeSlabs entry.
func (ac *AllocationClass) carvedChunks(slab Slab) uint32 {
	if slab == ac.currSlab {
		return ac.currOffset
	}
	for _, s := range ac.freeSlabs {
		if s == slab {
			return 0
		}
	}
	return ac.chunks
}

// chunkOffsets returns every chunk offset belonging to slab that this class
// has carved so far (i.e. excluding any uncarved tail).
func (ac *AllocationClass) chunkOffsets(slab Slab) []uint32 {
	carved := ac.carvedChunks(slab)
	offs := make([]uint32, carved)
	for i := range offs {
		offs[i] = uint32(i) * ac.allocSize
	}
	return offs
}

// resolveReleaseSlabLocked picks the slab a release will target: hint if
// valid (after checking this class actually owns it), otherwise the result
// of getSlabForReleaseLocked. Must be called with ac.mu held.
func (ac *AllocationClass) resolveReleaseSlabLocked(hint Slab) (Slab, error) {
	if !hint.Valid() {
		slab, ok := ac.getSlabForReleaseLocked()
		if !ok {
			return NilSlab, newInvalidArgument("AllocationClass.StartSlabRelease",
				fmt.Errorf("class %d owns no slab to release", ac.id))
		}
		return slab, nil
	}
	if !ac.ownsSlabLocked(hint) {
		return NilSlab, newInvalidArgument("AllocationClass.StartSlabRelease",
			fmt.Errorf("hint slab %d is not owned by class %d", hint.ID(), ac.id))
	}
	return hint, nil
}

// getSlabForReleaseLocked implements the no-hint slab-selection policy:
// prefer freeSlabs over allocatedSlabs, LIFO within each -- the most
// recently reserved free slab if any exist, else currSlab if one exists
// (even partially carved), else the most recently carved allocatedSlabs
// entry. Must be called with ac.mu held.
func (ac *AllocationClass) getSlabForReleaseLocked() (Slab, bool) {
	if n := len(ac.freeSlabs); n > 0 {
		return ac.freeSlabs[n-1], true
	}
	if ac.currSlab.Valid() {
		return ac.currSlab, true
	}
	if n := len(ac.allocatedSlabs); n > 0 {
		return ac.allocatedSlabs[n-1], true
	}
	return NilSlab, false
}

// ownsSlabLocked reports whether slab is currently held by this class, in
// any of currSlab/freeSlabs/allocatedSlabs. Must be called with ac.mu held.
func (ac *AllocationClass) ownsSlabLocked(slab Slab) bool {
	if slab == ac.currSlab {
		return true
	}
	if ac.isInFreeSlabs(slab) {
		return true
	}
	for _, s := range ac.allocatedSlabs {
		if s == slab {
			return true
		}
	}
	return false
}

// StartSlabRelease begins releasing a slab from this class: hint if valid,
// otherwise a slab chosen per getSlabForReleaseLocked's policy. It prunes
// the class free list for the chosen slab's chunks (in bounded batches,
// sleeping between them so concurrent Allocate/Free calls are not starved
// of the class lock -- mirroring cachelib's
// kFreeAllocsPruneLimit/kFreeAllocsPruneSleepMicroSecs pacing) and returns a
// context describing any chunks still outstanding.
//
// abortFn, if non-nil, is polled after each prune batch; once it returns
// true the pruning is undone (every chunk spliced out of freedChunks so far
// is restored) and the slab's markedForRelease bit is cleared before
// StartSlabRelease fails with a KindSlabReleaseAborted error. This is
// distinct from AbortSlabRelease, which cancels a release whose context has
// already been returned to the caller.
func (ac *AllocationClass) StartSlabRelease(mode SlabReleaseMode, hint Slab, receiverID int16, abortFn func() bool) (*SlabReleaseContext, error) {
	ac.startReleaseLock.Lock()
	defer ac.startReleaseLock.Unlock()

	ac.mu.Lock()
	slab, err := ac.resolveReleaseSlabLocked(hint)
	if err != nil {
		ac.mu.Unlock()
		return nil, err
	}
	if _, inFlight := ac.activeReleases[slab.ID()]; inFlight {
		ac.mu.Unlock()
		return nil, newInvalidArgument("AllocationClass.StartSlabRelease", ErrReleaseInProgress)
	}

	// Fast path: a slab that is wholly unused by this class (sitting in
	// freeSlabs, or installed as currSlab with nothing carved yet) can be
	// released immediately with no drain -- no chunk was ever handed out,
	// so there is nothing to wait on.
	if ac.carvedChunks(slab) == 0 && (slab == ac.currSlab || ac.isInFreeSlabs(slab)) {
		ac.removeUncarvedSlabLocked(slab)
		ctx := &SlabReleaseContext{
			Slab:       slab,
			PoolID:     ac.poolID,
			ClassID:    ac.id,
			ReceiverID: receiverID,
			Mode:       mode,
			state:      newReleaseState(nil),
		}
		ac.mu.Unlock()
		ac.slabAlloc.StampHeader(slab, ac.poolID, InvalidClassID, 0)
		ac.logger.Debug("slab release immediate (unused slab)", "slab", slab.ID(), "mode", mode)
		return ctx, nil
	}

	outstanding := make(map[uint32]struct{})
	for _, off := range ac.chunkOffsets(slab) {
		outstanding[off] = struct{}{}
	}
	ac.mu.Unlock()
	ac.slabAlloc.MarkForRelease(slab, true)

	// Prune the free list in bounded batches so a long scan cannot starve
	// allocators of the class lock, splicing every matched entry out of
	// freedChunks in the same pass -- otherwise a concurrent Allocate could
	// still hand out a chunk whose slab is mid-release.
	var removed []Ptr
	cursor := 0
	for {
		ac.mu.Lock()
		n := len(ac.freedChunks)
		end := cursor + kFreeAllocsPruneLimit
		if end > n {
			end = n
		}
		batch := ac.freedChunks[cursor:end]
		kept := batch[:0]
		for _, p := range batch {
			if p.Slab == slab {
				delete(outstanding, p.Offset)
				removed = append(removed, p)
			} else {
				kept = append(kept, p)
			}
		}
		droppedCount := len(batch) - len(kept)
		if droppedCount > 0 {
			copy(ac.freedChunks[cursor+len(kept):], ac.freedChunks[end:])
			ac.freedChunks = ac.freedChunks[:n-droppedCount]
		}
		cursor += len(kept)
		done := cursor >= len(ac.freedChunks)
		ac.mu.Unlock()

		if abortFn != nil && abortFn() {
			ac.mu.Lock()
			ac.freedChunks = append(ac.freedChunks, removed...)
			ac.mu.Unlock()
			ac.slabAlloc.MarkForRelease(slab, false)
			ac.logger.Debug("slab release aborted during prune", "slab", slab.ID(), "mode", mode)
			return nil, newAborted("AllocationClass.StartSlabRelease")
		}
		if done {
			break
		}
		time.Sleep(kFreeAllocsPruneSleep)
	}

	offsets := make([]uint32, 0, len(outstanding))
	for off := range outstanding {
		offsets = append(offsets, off)
	}
	ctx := &SlabReleaseContext{
		Slab:       slab,
		PoolID:     ac.poolID,
		ClassID:    ac.id,
		ReceiverID: receiverID,
		Mode:       mode,
		state:      newReleaseState(offsets),
	}

	ac.mu.Lock()
	ac.activeReleases[slab.ID()] = ctx
	ac.mu.Unlock()

	ac.logger.Debug("slab release started", "slab", slab.ID(), "mode", mode, "outstanding", len(offsets))
	return ctx, nil
}

// CompleteSlabRelease reports whether every chunk tracked by ctx has now
// been freed. If so, slab is removed from this class's bookkeeping (its
// entry in freedChunks, if any remnants remain, and its slabs slice entry)
// and the release is considered finished; the caller (MemoryPool) is then
// responsible for handing the slab to its destination.
func (ac *AllocationClass) CompleteSlabRelease(ctx *SlabReleaseContext) bool {
	if !ctx.isReleased() {
		return false
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()

	delete(ac.activeReleases, ctx.Slab.ID())
	ac.removeSlabLocked(ctx.Slab)
	ac.logger.Debug("slab release completed", "slab", ctx.Slab.ID(), "mode", ctx.Mode)
	return true
}

// AbortSlabRelease cancels an in-flight release: the slab's
// MarkedForRelease bit is cleared, its release bookkeeping is dropped, and
// the slab stays with this class. Chunks the release had already reclaimed
// (pruned from the free list when it started, or freed while it was
// draining) are not put back on the free list; chunks still outstanding go
// to the free list as usual when they are freed later.
func (ac *AllocationClass) AbortSlabRelease(ctx *SlabReleaseContext) {
	ctx.state.abort()
	ac.slabAlloc.MarkForRelease(ctx.Slab, false)

	ac.mu.Lock()
	defer ac.mu.Unlock()
	delete(ac.activeReleases, ctx.Slab.ID())
	ac.logger.Debug("slab release aborted", "slab", ctx.Slab.ID(), "mode", ctx.Mode)
}

// ProcessAllocForRelease routes a Free of ptr that happens to land mid
// release (same behavior as Free when a release is active; exposed
// separately so MemoryPool can distinguish the two call sites in its own
// logging/metrics).
func (ac *AllocationClass) ProcessAllocForRelease(ptr Ptr) {
	ac.Free(ptr)
}

// removeSlabLocked drops slab from allocatedSlabs/currSlab (used once a
// drain has fully completed) and purges any of its chunks remaining on the
// free list.
func (ac *AllocationClass) removeSlabLocked(slab Slab) {
	for i, s := range ac.allocatedSlabs {
		if s == slab {
			ac.allocatedSlabs = append(ac.allocatedSlabs[:i], ac.allocatedSlabs[i+1:]...)
			break
		}
	}
	if ac.currSlab == slab {
		ac.currSlab = NilSlab
		ac.currOffset = 0
	}
	kept := ac.freedChunks[:0]
	for _, p := range ac.freedChunks {
		if p.Slab != slab {
			kept = append(kept, p)
		}
	}
	ac.freedChunks = kept
}

// isInFreeSlabs reports whether slab sits on this class's reserved-but-
// uncarved free list.
func (ac *AllocationClass) isInFreeSlabs(slab Slab) bool {
	for _, s := range ac.freeSlabs {
		if s == slab {
			return true
		}
	}
	return false
}

// removeUncarvedSlabLocked drops a wholly-unused slab (currSlab with
// nothing carved, or an entry of freeSlabs) from this class's bookkeeping.
func (ac *AllocationClass) removeUncarvedSlabLocked(slab Slab) {
	if ac.currSlab == slab {
		ac.currSlab = NilSlab
		ac.currOffset = 0
		return
	}
	for i, s := range ac.freeSlabs {
		if s == slab {
			ac.freeSlabs = append(ac.freeSlabs[:i], ac.freeSlabs[i+1:]...)
			return
		}
	}
}

// ForEachAllocation visits every currently-allocated chunk in slab, a single
// slab this class is expected to own. Before walking, slab's header is
// re-validated under the class lock (pool id, class id, not advised, not
// marked for release); any mismatch means a release is racing this call or
// slab no longer belongs here, and the whole slab is skipped (status
// SkippedAndContinue) rather than partially visited. Checking
// markedForRelease this way is what makes the longer window between
// StartSlabRelease returning and CompleteSlabRelease succeeding safe to
// race against: the header stays marked for the whole drain, not just while
// startReleaseLock is held.
func (ac *AllocationClass) ForEachAllocation(slab Slab, cb func(AllocInfo, Ptr) SlabIterationStatus) SlabIterationStatus {
	if !ac.startReleaseLock.TryLock() {
		return SkippedAndContinue
	}
	defer ac.startReleaseLock.Unlock()

	ac.mu.Lock()
	hdr, ok := ac.slabAlloc.GetSlabHeader(slab.asPtr())
	if !ok || hdr.PoolID != ac.poolID || hdr.ClassID != ac.id || hdr.Advised || hdr.MarkedForRelease {
		ac.mu.Unlock()
		return SkippedAndContinue
	}
	carved := ac.carvedChunks(slab)
	freed := make(map[Ptr]struct{})
	for _, p := range ac.freedChunks {
		if p.Slab == slab {
			freed[p] = struct{}{}
		}
	}
	info := AllocInfo{PoolID: ac.poolID, ClassID: ac.id, AllocSize: ac.allocSize}
	allocSize := ac.allocSize
	ac.mu.Unlock()

	for i := uint32(0); i < carved; i++ {
		if i+kPrefetchOffset < carved {
			// computes the look-ahead chunk offset only; no memory is
			// read, so nothing is actually prefetched.
			_ = (i + kPrefetchOffset) * allocSize
		}
		p := Ptr{Slab: slab, Offset: i * allocSize}
		if _, isFree := freed[p]; isFree {
			continue
		}
		switch cb(info, p) {
		case AbortIteration:
			return AbortIteration
		}
	}
	return FinishedAndContinue
}
