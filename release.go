package mooncake

import "sync"

// SlabReleaseContext carries the parameters and progress of one in-flight
// slab release, mirroring cachelib's SlabReleaseContext. It is created by
// MemoryPool.StartSlabRelease and driven to completion by repeated calls to
// MemoryPool.CompleteSlabRelease (callers free their outstanding chunks
// between calls, draining the slab cooperatively rather than blocking).
type SlabReleaseContext struct {
	Slab       Slab
	PoolID     int16
	ClassID    int16
	ReceiverID int16 // InvalidClassID unless Mode == ModeRebalance
	Mode       SlabReleaseMode

	state *releaseState
}

// isReleased reports whether every chunk in the slab has been returned,
// i.e. the release can be finalized.
func (c *SlabReleaseContext) isReleased() bool {
	return c.state.allFreed()
}

// releaseState tracks, for one slab undergoing release, which of its chunks
// are still outstanding. Grounded on AllocationClass.h's slabReleaseAllocMap_
// using one condition variable per drain rather than the source's global
// map-of-vectors.
type releaseState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[uint32]struct{} // chunk offset -> still outstanding
	aborted bool
}

func newReleaseState(offsets []uint32) *releaseState {
	rs := &releaseState{pending: make(map[uint32]struct{}, len(offsets))}
	rs.cond = sync.NewCond(&rs.mu)
	for _, off := range offsets {
		rs.pending[off] = struct{}{}
	}
	return rs
}

// markFreed records that the chunk at offset has been returned by its
// caller. Returns true if this was the last outstanding chunk.
func (rs *releaseState) markFreed(offset uint32) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.pending, offset)
	done := len(rs.pending) == 0
	if done {
		rs.cond.Broadcast()
	}
	return done
}

func (rs *releaseState) allFreed() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.pending) == 0
}

func (rs *releaseState) abort() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.aborted = true
	rs.cond.Broadcast()
}

// wait blocks until every chunk has been freed or the release is aborted.
// Used by MemoryPool.WaitSlabRelease, for callers that want a blocking drain
// instead of polling CompleteSlabRelease themselves.
func (rs *releaseState) wait() (aborted bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for len(rs.pending) > 0 && !rs.aborted {
		rs.cond.Wait()
	}
	return rs.aborted
}
