package heap

import (
	"fmt"
	"unsafe"
)

// Heap services allocation requests against a single fixed byte region.
// The zero value is not usable until Init has been called.
//
// A Heap is single-threaded cooperative: no public operation suspends,
// blocks, or takes locks, and concurrent invocation from multiple
// goroutines must be prevented externally. The Heap keeps the region
// slice alive; callers must not let the Heap be collected while payload
// pointers are still in use.
type Heap struct {
	bins [binCount]uintptr // free-list heads by size class

	region   []byte // backing region, also pins the memory
	start    uintptr
	sentinel uintptr

	stats Stats
}

// Init hands the heap its region. The start is rounded up to allocAlign,
// a used sentinel header is reserved at the high end, and the remainder
// becomes one free chunk. Init may be called exactly once per heap.
func (h *Heap) Init(region []byte) error {
	if h.region != nil {
		return fmt.Errorf("heap already initialised")
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(region)))
	start := alignUp(base, allocAlign)
	end := base + uintptr(len(region))

	if end < start || end-start < 2*headerSize+minAllocSize {
		return fmt.Errorf("region too small: %d bytes, need at least %d after alignment",
			len(region), 2*headerSize+minAllocSize)
	}

	freeSize := alignDown(end-start-2*headerSize, allocAlign)

	first := nodeAt(start)
	first.size = freeSize
	first.prevAdj = 0

	sentinel := nodeAt(start + headerSize + freeSize)
	sentinel.size = 0
	sentinel.prevAdj = start
	sentinel.markUsed()

	h.region = region
	h.start = start
	h.sentinel = sentinel.addr()
	h.stats.RegionBytes = freeSize

	h.binInsert(binIndex(freeSize), first)
	debugValidate(h)

	return nil
}

// Alloc returns a pointer to an allocAlign-aligned payload of at least
// size bytes, or nil when size is 0 or no suitable free chunk exists.
func (h *Heap) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	// Round so that size+headerSize stays a multiple of allocAlign. A
	// wrap to 0 means the request overflowed.
	size = alignUp(size, allocAlign)
	if size == 0 {
		h.stats.FailedAllocs++

		return nil
	}

	n, idx := h.search(size)
	if n == nil {
		h.stats.FailedAllocs++

		return nil
	}

	// Remove under the index the search found it in; the split below
	// mutates the size, after which binIndex would no longer agree.
	h.binRemove(idx, n)

	if n.size > size+headerSize+minAllocSize {
		tail := h.splitOff(n, size)
		h.binInsert(binIndex(tail.size), tail)
	}

	n.markUsed()

	h.stats.AllocCount++
	h.stats.TotalAllocated += n.size
	h.stats.BytesInUse += n.size
	if h.stats.BytesInUse > h.stats.PeakInUse {
		h.stats.PeakInUse = h.stats.BytesInUse
	}

	debugValidate(h)

	return n.payload()
}

// search finds a free chunk of at least size bytes. The first pass
// inspects at most binMaxLookups nodes per bin so the common path is
// bounded by binCount*binMaxLookups visits; the second pass rescans with
// no cap to preserve completeness when a bin's prefix is clogged by
// chunks marginally too small. Returns the chunk and the bin it lives
// in, or nil.
func (h *Heap) search(size uintptr) (*node, int) {
	first := binIndex(size)

	for idx := first; idx < binCount; idx++ {
		lookups := 0

		for a := h.bins[idx]; a != 0 && lookups < binMaxLookups; a = nodeAt(a).next {
			h.stats.SearchVisits++
			if n := nodeAt(a); n.size >= size {
				return n, idx
			}
			lookups++
		}
	}

	for idx := first; idx < binCount; idx++ {
		for a := h.bins[idx]; a != 0; a = nodeAt(a).next {
			h.stats.SearchVisits++
			if n := nodeAt(a); n.size >= size {
				return n, idx
			}
		}
	}

	return nil, 0
}

// splitOff shrinks n to exactly size and carves the remainder into a new
// chunk at n's tail, fixing the adjacency chain. The tail is returned
// unbinned; callers insert it (possibly after coalescing). n must not be
// in any bin.
func (h *Heap) splitOff(n *node, size uintptr) *node {
	rest := n.size - size - headerSize
	n.size = size

	tail := n.nextAdj()
	tail.size = rest
	tail.prevAdj = n.addr()
	tail.nextAdj().prevAdj = tail.addr()

	h.stats.Splits++

	return tail
}

// Free returns a chunk to the heap, eagerly coalescing with free
// neighbours. ptr must be a payload pointer previously returned by Alloc
// or Realloc, or nil (a no-op). Anything else is a caller bug and
// panics before any mutation.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	c := h.checkUsed(ptr, "Free")

	h.stats.FreeCount++
	h.stats.TotalFreed += c.size
	h.stats.BytesInUse -= c.size

	// Backward coalesce: fold c into a free predecessor. c's link slots
	// are poisoned to zero so a stale pointer to it fails the used check
	// on a later Free.
	if c.prevAdj != 0 {
		if p := nodeAt(c.prevAdj); !p.used() {
			h.binRemove(binIndex(p.size), p)
			p.size += headerSize + c.size
			p.nextAdj().prevAdj = p.addr()

			c.next = 0
			c.prev = 0
			c = p

			h.stats.Merges++
		}
	}

	// Forward coalesce. The high-end sentinel is always used, so this
	// never walks off the region.
	if nx := c.nextAdj(); !nx.used() {
		h.binRemove(binIndex(nx.size), nx)
		c.size += headerSize + nx.size
		c.nextAdj().prevAdj = c.addr()

		h.stats.Merges++
	}

	h.binInsert(binIndex(c.size), c)
	debugValidate(h)
}

// Realloc resizes an allocation, preserving the payload up to the
// smaller of the old and new sizes. A nil ptr behaves like Alloc, a zero
// newSize like Free. Returns nil on out-of-memory, in which case the
// original chunk is untouched.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return h.Alloc(newSize)
	}

	if newSize == 0 {
		h.Free(ptr)

		return nil
	}

	c := h.checkUsed(ptr, "Realloc")
	h.stats.ReallocCount++

	newSize = alignUp(newSize, allocAlign)
	if newSize == 0 {
		h.stats.FailedAllocs++

		return nil
	}

	oldSize := c.size

	if newSize > c.size {
		// Grow in place when the next-adjacent chunk is free and large
		// enough, then fall through to the shrink path in case the
		// merged chunk overshoots.
		nx := c.nextAdj()
		if !nx.used() && c.size+headerSize+nx.size >= newSize {
			h.binRemove(binIndex(nx.size), nx)
			c.size += headerSize + nx.size
			c.nextAdj().prevAdj = c.addr()

			h.stats.Merges++
		} else {
			newp := h.Alloc(newSize)
			if newp == nil {
				return nil
			}

			memmove(newp, ptr, c.size)
			h.Free(ptr)
			debugValidate(h)

			return newp
		}
	}

	if c.size > newSize+headerSize+minAllocSize {
		// Shrink: split off the excess and hand it back. The tail is
		// coalesced with a free right neighbour so no two adjacent
		// chunks are ever both free.
		tail := h.splitOff(c, newSize)

		if nx := tail.nextAdj(); !nx.used() {
			h.binRemove(binIndex(nx.size), nx)
			tail.size += headerSize + nx.size
			tail.nextAdj().prevAdj = tail.addr()

			h.stats.Merges++
		}

		h.binInsert(binIndex(tail.size), tail)
	}

	if c.size > oldSize {
		delta := c.size - oldSize
		h.stats.TotalAllocated += delta
		h.stats.BytesInUse += delta
		if h.stats.BytesInUse > h.stats.PeakInUse {
			h.stats.PeakInUse = h.stats.BytesInUse
		}
	} else {
		delta := oldSize - c.size
		h.stats.TotalFreed += delta
		h.stats.BytesInUse -= delta
	}

	debugValidate(h)

	return ptr
}

// checkUsed recovers and validates the chunk header for a payload
// pointer. A misaligned pointer, a pointer outside the region, or a
// chunk not marked used (double free, or a pointer the heap never
// returned) is a contract violation; recovery would risk corrupting
// unrelated allocations, so the heap panics before touching anything.
func (h *Heap) checkUsed(ptr unsafe.Pointer, op string) *node {
	p := uintptr(ptr)

	if p%allocAlign != 0 {
		panic(fmt.Sprintf("heap: %s: misaligned pointer %#x", op, p))
	}

	if h.region == nil || p < h.start+headerSize || p >= h.sentinel {
		panic(fmt.Sprintf("heap: %s: pointer %#x outside region", op, p))
	}

	n := nodeAt(p - headerSize)
	if !n.used() {
		panic(fmt.Sprintf("heap: %s: pointer %#x does not refer to an allocated chunk (double free?)", op, p))
	}

	return n
}

// Stats returns a copy of the heap's counters.
func (h *Heap) Stats() Stats {
	return h.stats
}
