//go:build debug

package heap

import "fmt"

// In debug builds, every public operation ends with a full walk of the
// adjacency chain and the bins. Any breach of the structural invariants
// panics immediately, pointing at the offending chunk.

func debugValidate(h *Heap) {
	if h.region == nil {
		return
	}

	free := map[uintptr]bool{}

	// Adjacency chain: chunks must tile the region by ascending address,
	// back-links must agree, and no two adjacent chunks may be free.
	prev := uintptr(0)
	prevFree := false

	for a := h.start; ; {
		n := nodeAt(a)

		if n.prevAdj != prev {
			panic(fmt.Sprintf("debug: chunk %#x prevAdj %#x, want %#x", a, n.prevAdj, prev))
		}

		if a == h.sentinel {
			if n.size != 0 || !n.used() {
				panic(fmt.Sprintf("debug: sentinel %#x corrupted", a))
			}

			break
		}

		if a > h.sentinel {
			panic(fmt.Sprintf("debug: adjacency walk overran sentinel at %#x", a))
		}

		if n.size%allocAlign != 0 || n.size < minAllocSize {
			panic(fmt.Sprintf("debug: chunk %#x has invalid size %d", a, n.size))
		}

		if !n.used() {
			if prevFree {
				panic(fmt.Sprintf("debug: adjacent free chunks at %#x", a))
			}

			free[a] = true
			prevFree = true
		} else {
			prevFree = false
		}

		prev = a
		a += headerSize + n.size
	}

	// Bins: doubly-linked consistency, correct size class, and exact
	// agreement with the free chunks seen on the walk.
	seen := map[uintptr]bool{}

	for idx := 0; idx < binCount; idx++ {
		back := uintptr(0)

		for a := h.bins[idx]; a != 0; a = nodeAt(a).next {
			n := nodeAt(a)

			if n.prev != back {
				panic(fmt.Sprintf("debug: bin %d node %#x prev link broken", idx, a))
			}

			if binIndex(n.size) != idx {
				panic(fmt.Sprintf("debug: bin %d holds chunk %#x of size %d (want bin %d)",
					idx, a, n.size, binIndex(n.size)))
			}

			if !free[a] {
				panic(fmt.Sprintf("debug: bin %d holds chunk %#x that is not free", idx, a))
			}

			if seen[a] {
				panic(fmt.Sprintf("debug: chunk %#x linked twice", a))
			}

			seen[a] = true
			back = a
		}
	}

	if len(seen) != len(free) {
		panic(fmt.Sprintf("debug: %d free chunks on walk, %d in bins", len(free), len(seen)))
	}
}
