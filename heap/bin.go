package heap

import "math/bits"

// binIndex maps a chunk size to its size-class bucket. Indices are
// monotonically non-decreasing in size, so scanning bins of increasing
// index yields chunks of non-decreasing minimum size. Each bin spans one
// power of two starting from 8; sizes at or above 2^(3+binCount) saturate
// the top bin.
func binIndex(size uintptr) int {
	if size <= 8 {
		return 0
	}
	if size >= 1<<(3+binCount) {
		return binCount - 1
	}

	return 28 - bits.LeadingZeros32(uint32(size))
}

// binInsert pushes a free chunk onto the head of the given bin. Order
// within a bin is unspecified; head insertion keeps it O(1).
func (h *Heap) binInsert(idx int, n *node) {
	n.prev = 0
	n.next = h.bins[idx]

	if h.bins[idx] != 0 {
		nodeAt(h.bins[idx]).prev = n.addr()
	}

	h.bins[idx] = n.addr()
}

// binRemove unlinks a free chunk from the given bin. The index must be
// the one the chunk was inserted under; callers cache it across any size
// mutation.
func (h *Heap) binRemove(idx int, n *node) {
	if n.prev != 0 {
		nodeAt(n.prev).next = n.next
	} else {
		h.bins[idx] = n.next
	}

	if n.next != 0 {
		nodeAt(n.next).prev = n.prev
	}
}
