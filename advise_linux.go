//go:build linux

package mooncake

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// adviseDontNeed hints to the kernel that slab's pages may be discarded
// under memory pressure via madvise(MADV_DONTNEED). Grounded on cachelib's
// own slab-advising behavior (original_source/.../MemoryPool.h's
// curSlabsAdvised_/getPoolAdvisedSize), wired here through
// golang.org/x/sys/unix the way momentics-hioload-ws splits OS-specific
// syscalls across reactor_linux.go/reactor_windows.go/reactor_stub.go.
func adviseDontNeed(alc SlabAllocator, slab Slab) error {
	arena, ok := alc.(*Arena)
	if !ok {
		return fmt.Errorf("mooncake: Advise requires an *Arena-backed SlabAllocator")
	}
	buf := arena.slabBytes(slab)
	if err := unix.Madvise(buf, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise(MADV_DONTNEED): %w", err)
	}
	arena.markAdvised(slab.id, true)
	return nil
}

// unadviseDontNeed reverses adviseDontNeed's accounting. madvise offers no
// direct "cancel" call: MADV_DONTNEED pages are reclaimed lazily, and the
// kernel transparently re-populates them (zeroed) on next touch. This only
// clears the slab's Advised bookkeeping bit.
func unadviseDontNeed(alc SlabAllocator, slab Slab) error {
	arena, ok := alc.(*Arena)
	if !ok {
		return fmt.Errorf("mooncake: Unadvise requires an *Arena-backed SlabAllocator")
	}
	arena.markAdvised(slab.id, false)
	return nil
}
