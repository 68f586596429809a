//go:build !linux

package mooncake

import "fmt"

// adviseDontNeed is a no-op stub on platforms without MADV_DONTNEED
// (mirrors momentics-hioload-ws's reactor_stub.go fallback for unsupported
// OSes). MemoryPool.Advise still records the slab as advised for accounting
// purposes, but no OS call is made, so memory is not actually reclaimed.
func adviseDontNeed(alc SlabAllocator, slab Slab) error {
	arena, ok := alc.(*Arena)
	if !ok {
		return fmt.Errorf("mooncake: Advise requires an *Arena-backed SlabAllocator")
	}
	arena.markAdvised(slab.id, true)
	return nil
}

// unadviseDontNeed mirrors adviseDontNeed's no-op stub on this platform.
func unadviseDontNeed(alc SlabAllocator, slab Slab) error {
	arena, ok := alc.(*Arena)
	if !ok {
		return fmt.Errorf("mooncake: Unadvise requires an *Arena-backed SlabAllocator")
	}
	arena.markAdvised(slab.id, false)
	return nil
}
