package mooncake

import (
	"errors"
	"testing"
)

func TestClassIDForMemoryCorruptHeader(t *testing.T) {
	pool, arena := newTestPool(t, 1, []uint32{64})
	slab, ok := arena.MakeNewSlab(99) // pool 99, never added to `pool`
	if !ok {
		t.Fatal("MakeNewSlab failed")
	}

	_, err := pool.ClassIDForMemory(Ptr{Slab: slab})
	if err == nil {
		t.Fatal("expected error for a slab belonging to another pool")
	}
	aerr, ok := err.(*AllocatorError)
	if !ok || aerr.Kind != KindRuntime {
		t.Fatalf("expected KindRuntime, got %v", err)
	}
	if !errors.Is(err, ErrCorruptSlabHeader) {
		t.Fatal("expected errors.Is to match ErrCorruptSlabHeader")
	}
}

func TestAllocatorErrorUnwrap(t *testing.T) {
	wrapped := newInvalidArgument("Test.Op", ErrAllocTooLarge)
	if !errors.Is(wrapped, ErrAllocTooLarge) {
		t.Fatal("expected errors.Is to see through AllocatorError.Unwrap")
	}
	if wrapped.Kind.String() != "invalid_argument" {
		t.Fatalf("unexpected Kind string: %s", wrapped.Kind)
	}
}
