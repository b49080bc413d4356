// Command fixedheap-smoke exercises the heap allocator end to end
// against small regions and reports pass/fail per check. It exits
// non-zero if any check fails, so it can gate CI.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/orizon-lang/fixedheap/heap"
	"github.com/orizon-lang/fixedheap/region"
)

type check struct {
	name string
	fn   func() error
}

func main() {
	checks := []check{
		{"split-and-coalesce", checkSplitAndCoalesce},
		{"fill-free-refill", checkFillFreeRefill},
		{"realloc-grow-preserves-data", checkReallocGrow},
		{"realloc-shrink-in-place", checkReallocShrink},
		{"invalid-pointer-panics", checkInvalidPointer},
		{"double-free-panics", checkDoubleFree},
	}

	failed := 0

	for _, c := range checks {
		if err := c.fn(); err != nil {
			fmt.Printf("FAIL %s: %v\n", c.name, err)
			failed++
		} else {
			fmt.Printf("ok   %s\n", c.name)
		}
	}

	if failed > 0 {
		fmt.Printf("%d of %d checks failed\n", failed, len(checks))
		os.Exit(1)
	}

	fmt.Printf("all %d checks passed\n", len(checks))
}

func newHeap(size int) (*heap.Heap, error) {
	buf, err := region.New(size)
	if err != nil {
		return nil, err
	}

	h := &heap.Heap{}
	if err := h.Init(buf); err != nil {
		return nil, err
	}

	return h, nil
}

// freeChunks walks the region and returns the free chunk count.
func freeChunks(h *heap.Heap) int {
	free := 0

	h.Walk(func(c heap.ChunkInfo) bool {
		if !c.Used {
			free++
		}

		return true
	})

	return free
}

func checkSplitAndCoalesce() error {
	h, err := newHeap(1024)
	if err != nil {
		return err
	}

	p1 := h.Alloc(16)
	if p1 == nil {
		return fmt.Errorf("alloc(16) failed")
	}

	if uintptr(p1)%16 != 0 {
		return fmt.Errorf("alloc(16) misaligned: %#x", uintptr(p1))
	}

	p2 := h.Alloc(32)
	if p2 == nil {
		return fmt.Errorf("alloc(32) failed")
	}

	// 16 bytes of payload plus the next header.
	if got := uintptr(p2) - uintptr(p1); got != 16+heap.HeaderSize {
		return fmt.Errorf("alloc(32) placed %d bytes after alloc(16), want %d", got, 16+heap.HeaderSize)
	}

	h.Free(p2)
	h.Free(p1)

	if n := freeChunks(h); n != 1 {
		return fmt.Errorf("%d free chunks after freeing everything, want 1", n)
	}

	return nil
}

func checkFillFreeRefill() error {
	h, err := newHeap(256)
	if err != nil {
		return err
	}

	var ptrs []unsafe.Pointer

	for {
		p := h.Alloc(16)
		if p == nil {
			break
		}

		ptrs = append(ptrs, p)
	}

	if len(ptrs) == 0 {
		return fmt.Errorf("no allocations fit in the region")
	}

	// Free every other one; each hole should admit exactly one more
	// 16-byte allocation, and nothing larger than a hole should fit.
	freed := 0

	for i := 0; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
		freed++
	}

	for i := 0; i < freed; i++ {
		if p := h.Alloc(16); p == nil {
			return fmt.Errorf("refill alloc %d of %d failed", i+1, freed)
		}
	}

	if p := h.Alloc(16); p != nil {
		return fmt.Errorf("allocation succeeded beyond the refill count")
	}

	if p := h.Alloc(48); p != nil {
		return fmt.Errorf("alloc(48) succeeded in a fragmented heap")
	}

	return nil
}

func checkReallocGrow() error {
	h, err := newHeap(4096)
	if err != nil {
		return err
	}

	p := h.Alloc(64)
	if p == nil {
		return fmt.Errorf("alloc(64) failed")
	}

	buf := unsafe.Slice((*byte)(p), 64)
	for i := range buf {
		buf[i] = 0xAB
	}

	p2 := h.Realloc(p, 128)
	if p2 == nil {
		return fmt.Errorf("realloc(64 -> 128) failed")
	}

	for i, b := range unsafe.Slice((*byte)(p2), 64) {
		if b != 0xAB {
			return fmt.Errorf("byte %d lost across realloc: %#x", i, b)
		}
	}

	return nil
}

func checkReallocShrink() error {
	h, err := newHeap(4096)
	if err != nil {
		return err
	}

	p := h.Alloc(128)
	if p == nil {
		return fmt.Errorf("alloc(128) failed")
	}

	// Pin the tail so the shrink leaves a hole rather than merging into
	// the trailing free space.
	pin := h.Alloc(16)
	if pin == nil {
		return fmt.Errorf("alloc(16) failed")
	}

	p2 := h.Realloc(p, 32)
	if p2 != p {
		return fmt.Errorf("shrink moved the allocation")
	}

	q := h.Alloc(64)
	if q == nil {
		return fmt.Errorf("alloc(64) after shrink failed")
	}

	if uintptr(q) <= uintptr(p) || uintptr(q) >= uintptr(pin) {
		return fmt.Errorf("alloc(64) not placed in the freed tail")
	}

	return nil
}

func expectPanic(fn func()) (err error) {
	defer func() {
		if recover() == nil {
			err = fmt.Errorf("no panic")
		}
	}()

	fn()

	return nil
}

func checkInvalidPointer() error {
	h, err := newHeap(1024)
	if err != nil {
		return err
	}

	p := h.Alloc(16)
	if p == nil {
		return fmt.Errorf("alloc(16) failed")
	}

	return expectPanic(func() {
		h.Free(unsafe.Add(p, 1))
	})
}

func checkDoubleFree() error {
	h, err := newHeap(1024)
	if err != nil {
		return err
	}

	p := h.Alloc(16)
	if p == nil {
		return fmt.Errorf("alloc(16) failed")
	}

	h.Free(p)

	return expectPanic(func() {
		h.Free(p)
	})
}
