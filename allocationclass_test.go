package mooncake

import (
	"testing"
)

func newTestClass(t *testing.T, allocSize uint32) (*AllocationClass, *Arena) {
	t.Helper()
	arena := NewArena(16)
	ac, err := NewAllocationClass(0, 0, allocSize, arena, nil)
	if err != nil {
		t.Fatalf("NewAllocationClass: %v", err)
	}
	return ac, arena
}

func TestAllocationClassFillAndDrain(t *testing.T) {
	ac, arena := newTestClass(t, 256)
	chunksPerSlab := int(SlabSize / 256)

	slab, ok := arena.MakeNewSlab(0)
	if !ok {
		t.Fatal("MakeNewSlab failed")
	}

	var ptrs []Ptr
	if p, ok := ac.AddSlabAndAllocate(slab); ok {
		ptrs = append(ptrs, p)
	} else {
		t.Fatal("AddSlabAndAllocate failed")
	}
	for i := 1; i < chunksPerSlab; i++ {
		p, ok := ac.Allocate()
		if !ok {
			t.Fatalf("Allocate failed at chunk %d", i)
		}
		ptrs = append(ptrs, p)
	}

	if _, ok := ac.Allocate(); ok {
		t.Fatal("expected class to be exhausted")
	}

	for _, p := range ptrs {
		ac.Free(p)
	}

	if !ac.AllFreed() {
		t.Fatal("expected AllFreed after draining every chunk")
	}

	// Freed chunks should be reusable.
	if _, ok := ac.Allocate(); !ok {
		t.Fatal("expected Allocate to succeed from the free list")
	}
}

func TestAllocationClassForEachAllocationSkipsFree(t *testing.T) {
	ac, arena := newTestClass(t, 512)
	slab, _ := arena.MakeNewSlab(0)

	p1, _ := ac.AddSlabAndAllocate(slab)
	p2, _ := ac.Allocate()
	_, _ = ac.Allocate() // p3, kept allocated

	ac.Free(p2)

	seen := make(map[Ptr]bool)
	status := ac.ForEachAllocation(slab, func(info AllocInfo, p Ptr) SlabIterationStatus {
		if info.ClassID != ac.ID() {
			t.Errorf("unexpected class id %d", info.ClassID)
		}
		seen[p] = true
		return FinishedAndContinue
	})
	if status != FinishedAndContinue {
		t.Fatalf("expected FinishedAndContinue, got %v", status)
	}
	if !seen[p1] {
		t.Error("expected p1 to be visited")
	}
	if seen[p2] {
		t.Error("expected freed p2 to be skipped")
	}
}

func TestAllocationClassForEachAllocationAbort(t *testing.T) {
	ac, arena := newTestClass(t, 512)
	slab, _ := arena.MakeNewSlab(0)
	ac.AddSlabAndAllocate(slab)
	ac.Allocate()
	ac.Allocate()

	visits := 0
	status := ac.ForEachAllocation(slab, func(AllocInfo, Ptr) SlabIterationStatus {
		visits++
		return AbortIteration
	})
	if status != AbortIteration {
		t.Fatalf("expected AbortIteration, got %v", status)
	}
	if visits != 1 {
		t.Fatalf("expected exactly 1 visit before abort, got %d", visits)
	}
}

func TestAllocationClassStartSlabReleaseDrains(t *testing.T) {
	ac, arena := newTestClass(t, 1024)
	slab, _ := arena.MakeNewSlab(0)

	var ptrs []Ptr
	p, _ := ac.AddSlabAndAllocate(slab)
	ptrs = append(ptrs, p)
	for i := 1; i < 4; i++ {
		p, ok := ac.Allocate()
		if !ok {
			t.Fatalf("Allocate failed at %d", i)
		}
		ptrs = append(ptrs, p)
	}

	ctx, err := ac.StartSlabRelease(ModeResize, slab, InvalidClassID, nil)
	if err != nil {
		t.Fatalf("StartSlabRelease failed: %v", err)
	}
	if ctx.isReleased() {
		t.Fatal("expected outstanding chunks before any Free")
	}

	for i, p := range ptrs {
		ac.Free(p)
		done := ctx.isReleased()
		if i < len(ptrs)-1 && done {
			t.Fatalf("release finished early after %d frees", i+1)
		}
	}
	if !ctx.isReleased() {
		t.Fatal("expected release finished after draining all chunks")
	}

	if !ac.CompleteSlabRelease(ctx) {
		t.Fatal("CompleteSlabRelease should report true once drained")
	}
}

func TestAllocationClassStartSlabReleaseConcurrentWithForEach(t *testing.T) {
	ac, arena := newTestClass(t, 1024)
	slab, _ := arena.MakeNewSlab(0)
	ac.AddSlabAndAllocate(slab)

	if !ac.startReleaseLock.TryLock() {
		t.Fatal("expected to acquire startReleaseLock in test")
	}
	status := ac.ForEachAllocation(slab, func(AllocInfo, Ptr) SlabIterationStatus {
		return FinishedAndContinue
	})
	if status != SkippedAndContinue {
		t.Fatalf("expected SkippedAndContinue while release lock held, got %v", status)
	}
	ac.startReleaseLock.Unlock()
}

func TestAllocationClassAbortSlabRelease(t *testing.T) {
	ac, arena := newTestClass(t, 1024)
	slab, _ := arena.MakeNewSlab(0)
	p1, _ := ac.AddSlabAndAllocate(slab)
	ac.Allocate()

	ctx, err := ac.StartSlabRelease(ModeResize, slab, InvalidClassID, nil)
	if err != nil {
		t.Fatalf("StartSlabRelease failed: %v", err)
	}
	ac.Free(p1)
	ac.AbortSlabRelease(ctx)

	if _, inFlight := ac.activeReleases[slab.ID()]; inFlight {
		t.Fatal("expected release to be cleared after abort")
	}
}

func TestAllocationClassStartSlabReleaseAbortFn(t *testing.T) {
	ac, arena := newTestClass(t, 1024)
	slab, _ := arena.MakeNewSlab(0)

	var ptrs []Ptr
	p, _ := ac.AddSlabAndAllocate(slab)
	ptrs = append(ptrs, p)
	for i := 1; i < 4; i++ {
		p, ok := ac.Allocate()
		if !ok {
			t.Fatalf("Allocate failed at %d", i)
		}
		ptrs = append(ptrs, p)
	}
	// Free one chunk up front so the prune pass has something to splice out
	// of freedChunks, and restore on abort.
	ac.Free(ptrs[0])

	calls := 0
	abortFn := func() bool {
		calls++
		return true
	}

	_, err := ac.StartSlabRelease(ModeResize, slab, InvalidClassID, abortFn)
	if err == nil {
		t.Fatal("expected a KindSlabReleaseAborted error")
	}
	if ae, ok := err.(*AllocatorError); !ok || ae.Kind != KindSlabReleaseAborted {
		t.Fatalf("expected KindSlabReleaseAborted, got %v", err)
	}
	if calls == 0 {
		t.Fatal("expected abortFn to be polled")
	}

	if _, inFlight := ac.activeReleases[slab.ID()]; inFlight {
		t.Fatal("expected no release left in flight after an aborted start")
	}
	if !ac.IsAllocFreed(ptrs[0]) {
		t.Fatal("expected the pruned chunk to be restored to freedChunks")
	}
	if hdr, ok := arena.GetSlabHeader(slab.asPtr()); !ok || hdr.MarkedForRelease {
		t.Fatal("expected markedForRelease to be cleared after an aborted start")
	}

	// The class must still be usable: a second StartSlabRelease with no
	// abortFn should now succeed.
	ctx, err := ac.StartSlabRelease(ModeResize, slab, InvalidClassID, nil)
	if err != nil {
		t.Fatalf("StartSlabRelease after abort: %v", err)
	}
	for _, p := range ptrs[1:] {
		ac.Free(p)
	}
	if !ctx.isReleased() {
		t.Fatal("expected release to finish draining after re-starting")
	}
}

func TestAllocationClassCanAllocateHint(t *testing.T) {
	ac, arena := newTestClass(t, 1024)
	chunksPerSlab := int(SlabSize / 1024)
	slab, _ := arena.MakeNewSlab(0)

	if !ac.CanAllocate() {
		t.Fatal("expected CanAllocate true on a fresh class")
	}

	var ptrs []Ptr
	p, _ := ac.AddSlabAndAllocate(slab)
	ptrs = append(ptrs, p)
	for i := 1; i < chunksPerSlab; i++ {
		p, ok := ac.Allocate()
		if !ok {
			t.Fatalf("Allocate failed at %d", i)
		}
		ptrs = append(ptrs, p)
	}

	if _, ok := ac.Allocate(); ok {
		t.Fatal("expected class to be exhausted")
	}
	if ac.CanAllocate() {
		t.Fatal("expected CanAllocate false once exhausted")
	}

	ac.Free(ptrs[0])
	if !ac.CanAllocate() {
		t.Fatal("expected CanAllocate true again after a Free")
	}
}

func TestNewAllocationClassRejectsBadSize(t *testing.T) {
	arena := NewArena(1)
	if _, err := NewAllocationClass(0, 0, 10, arena, nil); err == nil {
		t.Fatal("expected error for alloc size below MinAllocSize")
	}
	if _, err := NewAllocationClass(0, 0, MinAllocSize+1, arena, nil); err == nil {
		t.Fatal("expected error for alloc size not dividing SlabSize")
	}
}
