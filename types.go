// Package mooncake implements a slab-based memory allocator for a caching
// system: a fixed-capacity pool of memory carved into equal-sized slabs,
// from which per-size allocation classes hand out fixed-size chunks to
// callers.
//
// Basic usage:
//
//	arena := mooncake.NewArena(1024) // 1024 slabs of mooncake.SlabSize bytes
//	pool, err := mooncake.NewMemoryPool(0, 64<<20, arena, []uint32{64, 256, 4096})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ptr, ok, err := pool.Allocate(200)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if !ok {
//		log.Fatal("out of memory")
//	}
//	defer pool.Free(ptr)
//
//	data := arena.Bytes(ptr, 200)
//	// use data...
package mooncake

import "time"

const (
	// SlabSize is the fixed size of every slab managed by this package,
	// analogous to cachelib's Slab::kSize. Must be a power of two.
	SlabSize = 4 * 1024 * 1024

	// MinAllocSize is the smallest allocation class size a pool may be
	// configured with (cachelib's Slab::kMinAllocSize).
	MinAllocSize = 64

	// kFreeAllocsPruneLimit bounds how many freed chunks an AllocationClass
	// inspects per batch while building a slab's release map, trading
	// allocator latency against drain start-up latency.
	kFreeAllocsPruneLimit = 4096

	// kFreeAllocsPruneSleepMicros is slept between prune batches so
	// concurrent allocators are not starved of the class lock.
	kFreeAllocsPruneSleepMicros = 1000

	// kPrefetchOffset is how many chunks ahead ForEachAllocation prefetches.
	kPrefetchOffset = 16

	// InvalidPoolID and InvalidClassID are the sentinel identifiers stamped
	// into a slab header that does not belong to any pool/class.
	InvalidPoolID  int16 = -1
	InvalidClassID int16 = -1
)

var kFreeAllocsPruneSleep = kFreeAllocsPruneSleepMicros * time.Microsecond

// Slab is an opaque handle to a fixed-size region of backing memory. Its
// concrete identity and addressing are owned entirely by the SlabAllocator
// implementation that produced it; the core allocator never interprets a
// Slab beyond equality comparison and using it as a map/slice key.
type Slab struct {
	id int32
}

// NilSlab is the sentinel for "no slab" (id -1). It is not the zero value:
// Slab{} has id 0 and is a valid handle.
var NilSlab = Slab{id: -1}

// Valid reports whether s refers to a real slab handle (as opposed to
// NilSlab or another negative id).
func (s Slab) Valid() bool { return s.id >= 0 }

// ID returns the SlabAllocator-assigned identifier for s. Exposed for
// logging/debugging; callers should not otherwise rely on its value.
func (s Slab) ID() int32 { return s.id }

// Ptr identifies one chunk-sized allocation: the slab it lives in and its
// byte offset within that slab. It stands in for the raw pointer arithmetic
// cachelib's C++ implementation performs directly on slab memory -- see
// DESIGN.md ("Intrusive freelist") for why a value type is used here instead
// of an unsafe.Pointer into chunk memory.
type Ptr struct {
	Slab   Slab
	Offset uint32
}

// Valid reports whether p's slab handle is valid (see Slab.Valid). The zero
// Ptr{} refers to slab 0 and reports true.
func (p Ptr) Valid() bool { return p.Slab.Valid() }

// SlabHeader is the read-mostly per-slab record describing which pool and
// allocation class a slab belongs to, and its lifecycle flags. Owned by the
// SlabAllocator; mutated by MemoryPool/AllocationClass on install/release.
type SlabHeader struct {
	PoolID           int16
	ClassID          int16
	AllocSize        uint32
	Advised          bool
	MarkedForRelease bool
}

// SlabAllocator is the minimal external interface the core allocator
// depends on for carving and reclaiming fixed-size slabs. It is implemented
// by this package's own Arena, but callers may supply their own.
type SlabAllocator interface {
	// MakeNewSlab returns a fresh slab tagged for poolID, or (NilSlab,
	// false) if the allocator is exhausted.
	MakeNewSlab(poolID int16) (Slab, bool)

	// FreeSlab returns slab to the allocator. The slab's header is reset to
	// the unassigned state.
	FreeSlab(slab Slab)

	// GetSlabHeader returns the header for the slab containing ptr, or
	// (SlabHeader{}, false) if ptr does not belong to a slab known to this
	// allocator.
	GetSlabHeader(ptr Ptr) (SlabHeader, bool)

	// GetSlabForMemory returns the slab containing ptr.
	GetSlabForMemory(ptr Ptr) Slab

	// IsValidSlab reports whether slab is a live handle issued by this
	// allocator and not yet freed.
	IsValidSlab(slab Slab) bool

	// StampHeader installs the given pool/class id and alloc size onto
	// slab's header, clearing MarkedForRelease as a side effect. Called by
	// AllocationClass when a slab is added to it, and with
	// classID=InvalidClassID, allocSize=0 by MemoryPool/AllocationClass when
	// a slab is released from a class.
	StampHeader(slab Slab, poolID, classID int16, allocSize uint32)

	// MarkForRelease sets or clears slab's MarkedForRelease header bit
	// without touching pool/class id, so a ForEachAllocation call racing a
	// release-in-progress can detect the slab is mid-drain and skip it.
	MarkForRelease(slab Slab, marked bool)
}

// SlabReleaseMode selects the destination of a released slab.
type SlabReleaseMode int

const (
	// ModeResize returns a slab to the SlabAllocator, shrinking the pool's
	// footprint.
	ModeResize SlabReleaseMode = iota
	// ModeRebalance transfers a slab to another allocation class within
	// the same pool; total pool footprint is unchanged.
	ModeRebalance
)

func (m SlabReleaseMode) String() string {
	switch m {
	case ModeResize:
		return "resize"
	case ModeRebalance:
		return "rebalance"
	default:
		return "unknown"
	}
}

// SlabIterationStatus is the result of one ForEachAllocation call.
type SlabIterationStatus int

const (
	// FinishedAndContinue means the walk over the slab's allocated chunks
	// reached the end without the callback asking to stop.
	FinishedAndContinue SlabIterationStatus = iota
	// SkippedAndContinue means the slab was not visited at all, either
	// because a concurrent release holds the start-release lock or because
	// the slab header failed validation.
	SkippedAndContinue
	// AbortIteration means the callback requested an early stop.
	AbortIteration
)

func (s SlabIterationStatus) String() string {
	switch s {
	case FinishedAndContinue:
		return "finished"
	case SkippedAndContinue:
		return "skipped"
	case AbortIteration:
		return "aborted"
	default:
		return "unknown"
	}
}

// AllocInfo describes the allocation class that produced a chunk, passed to
// ForEachAllocation callbacks.
type AllocInfo struct {
	PoolID    int16
	ClassID   int16
	AllocSize uint32
}
