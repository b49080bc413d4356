package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alignedRegion returns a size-byte window aligned to allocAlign, so
// layout arithmetic in tests is deterministic. The caller may be a
// *testing.T/B or a *rapid.T, so it takes no interface narrower than
// both already share.
func alignedRegion(_ any, size int) []byte {
	buf := make([]byte, size+allocAlign)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	off := int(alignUp(base, allocAlign) - base)

	return buf[off : off+size]
}

func newTestHeap(tb testing.TB, size int) *Heap {
	tb.Helper()

	h := &Heap{}
	require.NoError(tb, h.Init(alignedRegion(tb, size)))

	return h
}

// chunks collects the adjacency walk for layout assertions.
func chunks(h *Heap) []ChunkInfo {
	var out []ChunkInfo

	h.Walk(func(c ChunkInfo) bool {
		out = append(out, c)

		return true
	})

	return out
}

func TestInit(t *testing.T) {
	t.Run("SingleFreeChunk", func(t *testing.T) {
		h := newTestHeap(t, 1024)

		cs := chunks(h)
		require.Len(t, cs, 1)
		assert.False(t, cs[0].Used)
		assert.Equal(t, uintptr(1024-2*headerSize), cs[0].Size)
		assert.Equal(t, cs[0].Size, h.Stats().RegionBytes)
	})

	t.Run("DoubleInit", func(t *testing.T) {
		h := newTestHeap(t, 1024)
		assert.Error(t, h.Init(alignedRegion(t, 1024)))
	})

	t.Run("TooSmall", func(t *testing.T) {
		h := &Heap{}
		assert.Error(t, h.Init(alignedRegion(t, int(headerSize))))
	})

	t.Run("UnalignedStart", func(t *testing.T) {
		// A region with a misaligned start must still produce aligned
		// payloads.
		buf := make([]byte, 1024)
		base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

		skew := buf
		if base%allocAlign == 0 {
			skew = buf[1:]
		}

		h := &Heap{}
		require.NoError(t, h.Init(skew))

		p := h.Alloc(16)
		require.NotNil(t, p)
		assert.Zero(t, uintptr(p)%allocAlign)
	})
}

func TestAlloc(t *testing.T) {
	t.Run("ZeroSize", func(t *testing.T) {
		h := newTestHeap(t, 1024)
		assert.Nil(t, h.Alloc(0))
		assert.Len(t, chunks(h), 1)
	})

	t.Run("Alignment", func(t *testing.T) {
		h := newTestHeap(t, 64*1024)

		for _, size := range []uintptr{1, 7, 15, 16, 17, 31, 32, 63, 64, 1000} {
			p := h.Alloc(size)
			require.NotNil(t, p, "Alloc(%d)", size)
			assert.Zero(t, uintptr(p)%allocAlign, "Alloc(%d) misaligned", size)
		}
	})

	t.Run("Rounding", func(t *testing.T) {
		h := newTestHeap(t, 1024)

		// A 1-byte request occupies a full minimum chunk.
		p := h.Alloc(1)
		require.NotNil(t, p)

		cs := chunks(h)
		require.True(t, cs[0].Used)
		assert.Equal(t, uintptr(minAllocSize), cs[0].Size)
	})

	t.Run("Split", func(t *testing.T) {
		h := newTestHeap(t, 1024)

		p := h.Alloc(64)
		require.NotNil(t, p)

		cs := chunks(h)
		require.Len(t, cs, 2)
		assert.True(t, cs[0].Used)
		assert.Equal(t, uintptr(64), cs[0].Size)
		assert.False(t, cs[1].Used)
		assert.Equal(t, uintptr(1024-2*headerSize)-64-headerSize, cs[1].Size)
		assert.Equal(t, uint64(1), h.Stats().Splits)
	})

	t.Run("NoSplitWhenRemainderTooSmall", func(t *testing.T) {
		h := newTestHeap(t, 160) // one free chunk of 96 after headers

		// 96 > 64+32+16 is false, so the whole chunk is handed out.
		p := h.Alloc(64)
		require.NotNil(t, p)

		cs := chunks(h)
		require.Len(t, cs, 1)
		assert.Equal(t, uintptr(96), cs[0].Size)
	})

	t.Run("Exhaustion", func(t *testing.T) {
		h := newTestHeap(t, 1024)

		assert.NotNil(t, h.Alloc(512))
		assert.Nil(t, h.Alloc(1024))
		assert.Equal(t, uint64(1), h.Stats().FailedAllocs)
	})

	t.Run("Oversized", func(t *testing.T) {
		h := newTestHeap(t, 1024)
		assert.Nil(t, h.Alloc(1<<40))
		assert.Nil(t, h.Alloc(^uintptr(0)-8))
	})
}

func TestBinIndex(t *testing.T) {
	tests := []struct {
		size uintptr
		want int
	}{
		{0, 0},
		{1, 0},
		{8, 0},
		{9, 0},
		{15, 0},
		{16, 1},
		{31, 1},
		{32, 2},
		{48, 2},
		{63, 2},
		{64, 3},
		{1024, 7},
		{1 << 26, 23},
		{1<<27 - 16, 23},
		{1 << 27, binCount - 1},
		{1 << 40, binCount - 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, binIndex(tt.size), "binIndex(%d)", tt.size)
	}
}

func TestSearchSecondPass(t *testing.T) {
	// Clog the head of one bin with more than binMaxLookups chunks that
	// are marginally too small for the request, with the only fitting
	// chunk behind them. The bounded first pass must give up and the
	// unbounded second pass must still find it.
	h := newTestHeap(t, 64*1024)

	const clogged = binMaxLookups + 4

	// Lay out [48][sep] [32][sep] x clogged, then consume the rest of
	// the region so no larger free chunk survives.
	target := h.Alloc(48)
	require.NotNil(t, target)
	require.NotNil(t, h.Alloc(16))

	var small []unsafe.Pointer

	for i := 0; i < clogged; i++ {
		p := h.Alloc(32)
		require.NotNil(t, p)
		small = append(small, p)
		require.NotNil(t, h.Alloc(16)) // separator, keeps frees from coalescing
	}

	var restSize uintptr

	h.Walk(func(c ChunkInfo) bool {
		if !c.Used {
			restSize = c.Size
		}

		return true
	})
	require.NotZero(t, restSize)
	require.NotNil(t, h.Alloc(restSize))

	// Free the target first so head insertion buries it behind the
	// 32-byte chunks; sizes 32..63 share one bin.
	h.Free(target)

	for _, p := range small {
		h.Free(p)
	}

	got := h.Alloc(48)
	require.NotNil(t, got)
	assert.Equal(t, target, got, "second pass should find the buried 48-byte chunk")
}

func TestFree(t *testing.T) {
	t.Run("NilNoOp", func(t *testing.T) {
		h := newTestHeap(t, 1024)
		h.Free(nil)
		assert.Zero(t, h.Stats().FreeCount)
	})

	t.Run("RestoresSingleChunk", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		for _, n := range []uintptr{1, 16, 100, 1000} {
			p := h.Alloc(n)
			require.NotNil(t, p)
			h.Free(p)

			cs := chunks(h)
			require.Len(t, cs, 1, "Alloc(%d)+Free", n)
			assert.False(t, cs[0].Used)
			assert.Equal(t, uintptr(4096-2*headerSize), cs[0].Size)
		}
	})

	t.Run("BackwardCoalesce", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		a := h.Alloc(64)
		b := h.Alloc(64)
		pin := h.Alloc(16)
		require.NotNil(t, pin)

		h.Free(a)
		h.Free(b) // merges into a's chunk

		free := 0
		h.Walk(func(c ChunkInfo) bool {
			if !c.Used {
				free++
			}

			return true
		})
		assert.Equal(t, 2, free, "hole and tail, nothing adjacent")
		assert.Equal(t, uint64(1), h.Stats().Merges)
	})

	t.Run("ForwardCoalesce", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		a := h.Alloc(64)
		b := h.Alloc(64)
		pin := h.Alloc(16)
		require.NotNil(t, pin)

		h.Free(b)
		h.Free(a) // merges with b's chunk ahead of it

		cs := chunks(h)
		require.Len(t, cs, 3) // merged hole, pin, tail
		assert.False(t, cs[0].Used)
		assert.Equal(t, uintptr(64+64)+headerSize, cs[0].Size)
	})

	t.Run("BothSidesCoalesce", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		a := h.Alloc(64)
		b := h.Alloc(64)
		c := h.Alloc(64)
		pin := h.Alloc(16)
		require.NotNil(t, pin)

		h.Free(a)
		h.Free(c)
		h.Free(b) // bridges both holes

		cs := chunks(h)
		require.Len(t, cs, 3)
		assert.False(t, cs[0].Used)
		assert.Equal(t, uintptr(3*64)+2*headerSize, cs[0].Size)
		assert.Equal(t, uint64(2), h.Stats().Merges)
	})
}

func TestRealloc(t *testing.T) {
	t.Run("NilBehavesLikeAlloc", func(t *testing.T) {
		h := newTestHeap(t, 1024)

		p := h.Realloc(nil, 64)
		require.NotNil(t, p)
		assert.Equal(t, uint64(1), h.Stats().AllocCount)
	})

	t.Run("ZeroBehavesLikeFree", func(t *testing.T) {
		h := newTestHeap(t, 1024)

		p := h.Alloc(64)
		require.NotNil(t, p)
		assert.Nil(t, h.Realloc(p, 0))
		assert.Len(t, chunks(h), 1)
	})

	t.Run("GrowInPlace", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		p := h.Alloc(64)
		require.NotNil(t, p)

		// The trailing free chunk is adjacent, so growing must not move.
		p2 := h.Realloc(p, 256)
		assert.Equal(t, p, p2)
	})

	t.Run("GrowByCopy", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		p := h.Alloc(64)
		require.NotNil(t, p)
		pin := h.Alloc(16) // blocks in-place growth
		require.NotNil(t, pin)

		buf := unsafe.Slice((*byte)(p), 64)
		for i := range buf {
			buf[i] = byte(i)
		}

		p2 := h.Realloc(p, 256)
		require.NotNil(t, p2)
		assert.NotEqual(t, p, p2)

		got := unsafe.Slice((*byte)(p2), 64)
		for i := range got {
			require.Equal(t, byte(i), got[i], "byte %d lost across copy", i)
		}
	})

	t.Run("GrowOOMLeavesOriginal", func(t *testing.T) {
		h := newTestHeap(t, 1024)

		p := h.Alloc(64)
		require.NotNil(t, p)
		pin := h.Alloc(16)
		require.NotNil(t, pin)

		buf := unsafe.Slice((*byte)(p), 64)
		for i := range buf {
			buf[i] = 0x5A
		}

		assert.Nil(t, h.Realloc(p, 100*1024))

		for i, b := range buf {
			require.Equal(t, byte(0x5A), b, "byte %d perturbed by failed realloc", i)
		}

		// The original chunk is still valid and freeable.
		h.Free(p)
		h.Free(pin)
		assert.Len(t, chunks(h), 1)
	})

	t.Run("ShrinkInPlace", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		p := h.Alloc(256)
		require.NotNil(t, p)
		assert.Equal(t, p, h.Realloc(p, 32))

		cs := chunks(h)
		require.True(t, cs[0].Used)
		assert.Equal(t, uintptr(32), cs[0].Size)
	})

	t.Run("ShrinkTailCoalesces", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		// [p 256][tail free ...]: shrinking p must leave one merged free
		// chunk, not two adjacent ones.
		p := h.Alloc(256)
		require.NotNil(t, p)
		require.Equal(t, p, h.Realloc(p, 32))

		cs := chunks(h)
		require.Len(t, cs, 2)
		assert.True(t, cs[0].Used)
		assert.False(t, cs[1].Used)
	})

	t.Run("ShrinkBelowSplitThresholdKeepsChunk", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		p := h.Alloc(64)
		require.NotNil(t, p)
		pin := h.Alloc(16)
		require.NotNil(t, pin)

		// 64 > 32+32+16 is false: too little excess to carve a chunk.
		assert.Equal(t, p, h.Realloc(p, 32))

		cs := chunks(h)
		assert.Equal(t, uintptr(64), cs[0].Size)
	})

	t.Run("SameSizeReturnsSamePointer", func(t *testing.T) {
		h := newTestHeap(t, 4096)

		p := h.Alloc(64)
		require.NotNil(t, p)
		assert.Equal(t, p, h.Realloc(p, 64))
	})
}

func TestPayloadWritesDoNotPerturbNeighbours(t *testing.T) {
	h := newTestHeap(t, 8*1024)

	type alloc struct {
		ptr  unsafe.Pointer
		size uintptr
		fill byte
	}

	var allocs []alloc

	for i, size := range []uintptr{16, 100, 32, 7, 256, 48} {
		p := h.Alloc(size)
		require.NotNil(t, p)

		a := alloc{ptr: p, size: size, fill: byte(0x10 + i)}
		buf := unsafe.Slice((*byte)(p), size)
		for j := range buf {
			buf[j] = a.fill
		}

		allocs = append(allocs, a)
	}

	for _, a := range allocs {
		buf := unsafe.Slice((*byte)(a.ptr), a.size)
		for j, b := range buf {
			require.Equal(t, a.fill, b, "allocation %#x byte %d perturbed", uintptr(a.ptr), j)
		}
	}

	for _, a := range allocs {
		h.Free(a.ptr)
	}

	assert.Len(t, chunks(h), 1)
}

func TestStats(t *testing.T) {
	h := newTestHeap(t, 4096)

	p := h.Alloc(64)
	require.NotNil(t, p)

	st := h.Stats()
	assert.Equal(t, uint64(1), st.AllocCount)
	assert.Equal(t, uintptr(64), st.BytesInUse)
	assert.Equal(t, uintptr(64), st.PeakInUse)

	q := h.Alloc(128)
	require.NotNil(t, q)
	assert.Equal(t, uintptr(192), h.Stats().PeakInUse)

	h.Free(p)
	st = h.Stats()
	assert.Equal(t, uintptr(128), st.BytesInUse)
	assert.Equal(t, uintptr(192), st.PeakInUse)
	assert.Equal(t, uint64(1), st.FreeCount)

	h.Free(q)
	assert.Zero(t, h.Stats().BytesInUse)
}

func BenchmarkAllocFree(b *testing.B) {
	h := newTestHeap(b, 1<<20)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p := h.Alloc(256)
		if p == nil {
			b.Fatal("alloc failed")
		}

		h.Free(p)
	}
}

func BenchmarkAllocFreeMixed(b *testing.B) {
	h := newTestHeap(b, 1<<22)
	sizes := []uintptr{16, 48, 256, 1024, 96}

	var live []unsafe.Pointer

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if len(live) >= 512 {
			h.Free(live[0])
			live = live[1:]
		}

		p := h.Alloc(sizes[i%len(sizes)])
		if p == nil {
			for _, q := range live {
				h.Free(q)
			}

			live = live[:0]

			continue
		}

		live = append(live, p)
	}
}

func BenchmarkRealloc(b *testing.B) {
	h := newTestHeap(b, 1<<20)

	p := h.Alloc(64)
	if p == nil {
		b.Fatal("alloc failed")
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p = h.Realloc(p, uintptr(64+(i%3)*64))
		if p == nil {
			b.Fatal("realloc failed")
		}
	}
}
