package mooncake

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaMakeNewSlabExhaustion(t *testing.T) {
	arena := NewArena(2)

	s1, ok := arena.MakeNewSlab(0)
	require.True(t, ok)
	s2, ok := arena.MakeNewSlab(0)
	require.True(t, ok)
	require.NotEqual(t, s1, s2)

	_, ok = arena.MakeNewSlab(0)
	require.False(t, ok, "arena should be exhausted after capacity slabs")

	arena.FreeSlab(s1)
	s3, ok := arena.MakeNewSlab(0)
	require.True(t, ok, "freed slab should be reusable")
	require.Equal(t, s1, s3)
}

func TestArenaBytesRoundTrip(t *testing.T) {
	arena := NewArena(1)
	slab, ok := arena.MakeNewSlab(0)
	require.True(t, ok)

	ptr := Ptr{Slab: slab, Offset: 128}
	buf := arena.Bytes(ptr, 16)
	require.Len(t, buf, 16)

	for i := range buf {
		buf[i] = byte(i)
	}
	buf2 := arena.Bytes(ptr, 16)
	for i := range buf2 {
		require.Equal(t, byte(i), buf2[i])
	}
}

func TestArenaStampHeaderAndValidity(t *testing.T) {
	arena := NewArena(1)
	slab, _ := arena.MakeNewSlab(3)

	hdr, ok := arena.GetSlabHeader(Ptr{Slab: slab})
	require.True(t, ok)
	require.Equal(t, int16(3), hdr.PoolID)
	require.Equal(t, InvalidClassID, hdr.ClassID)

	arena.StampHeader(slab, 3, 7, 256)
	hdr, ok = arena.GetSlabHeader(Ptr{Slab: slab})
	require.True(t, ok)
	require.Equal(t, int16(7), hdr.ClassID)
	require.Equal(t, uint32(256), hdr.AllocSize)

	require.True(t, arena.IsValidSlab(slab))
	arena.FreeSlab(slab)
	require.False(t, arena.IsValidSlab(slab))
}

func TestArenaAdvise(t *testing.T) {
	arena := NewArena(1)
	slab, _ := arena.MakeNewSlab(0)

	require.NoError(t, adviseDontNeed(arena, slab))
	hdr, ok := arena.GetSlabHeader(Ptr{Slab: slab})
	require.True(t, ok)
	require.True(t, hdr.Advised)
}
