// Package fixedheap provides a typed allocator façade over a fixed-region
// heap. It is intended for realtime or embedded hosts where the maximum
// working-set size is known ahead of time and calling the platform
// allocator per request is undesirable: the façade embeds one byte buffer
// sized at construction and services every request from it.
package fixedheap

import (
	"fmt"
	"unsafe"

	"github.com/orizon-lang/fixedheap/heap"
)

// Allocator defines the interface for fixed-region memory allocators.
type Allocator interface {
	Alloc(size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer)
	Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer
	Stats() heap.Stats
}

// MinRegionSize is the smallest buffer a HeapAllocator accepts: two chunk
// headers, one minimum chunk, and alignment slack.
const MinRegionSize = 2*heap.HeaderSize + heap.MinAlloc + heap.Align

// Config holds HeapAllocator construction parameters.
type Config struct {
	// Region, when non-nil, is used instead of an internally allocated
	// buffer (e.g. an mmap'd region from the region package).
	Region []byte

	// ErrorOnFailure upgrades out-of-memory to a panic naming the
	// failing operation, for callers that cannot meaningfully handle a
	// nil return.
	ErrorOnFailure bool
}

// Option configures a HeapAllocator.
type Option func(*Config)

// WithErrorOnFailure makes Alloc and Realloc panic on out-of-memory
// instead of returning nil.
func WithErrorOnFailure(enabled bool) Option {
	return func(c *Config) { c.ErrorOnFailure = enabled }
}

// WithRegion supplies the backing region instead of allocating one.
func WithRegion(region []byte) Option {
	return func(c *Config) { c.Region = region }
}

// HeapAllocator is a self-contained fixed-region allocator. The buffer is
// reserved at construction; the heap structures inside it are initialised
// lazily on the first Alloc or Realloc, so constructing an allocator that
// is never used costs no setup work beyond the buffer itself.
type HeapAllocator struct {
	buf            []byte
	heap           heap.Heap
	errorOnFailure bool
	ready          bool
}

var _ Allocator = (*HeapAllocator)(nil)

// New creates a HeapAllocator backed by a buffer of the given size, or by
// the region supplied via WithRegion (in which case size is ignored).
func New(size uintptr, opts ...Option) (*HeapAllocator, error) {
	var config Config
	for _, opt := range opts {
		opt(&config)
	}

	buf := config.Region
	if buf == nil {
		if size < MinRegionSize {
			return nil, fmt.Errorf("fixedheap: region size %d below minimum %d", size, MinRegionSize)
		}

		buf = make([]byte, size)
	} else if uintptr(len(buf)) < MinRegionSize {
		return nil, fmt.Errorf("fixedheap: supplied region of %d bytes below minimum %d", len(buf), MinRegionSize)
	}

	return &HeapAllocator{
		buf:            buf,
		errorOnFailure: config.ErrorOnFailure,
	}, nil
}

// ensure performs the one-time heap initialisation. The buffer size was
// validated at construction, so Init cannot fail here.
func (a *HeapAllocator) ensure() {
	if a.ready {
		return
	}

	if err := a.heap.Init(a.buf); err != nil {
		panic(fmt.Sprintf("fixedheap: init: %v", err))
	}

	a.ready = true
}

// Alloc allocates size bytes from the embedded heap. Returns nil on
// out-of-memory unless ErrorOnFailure is set.
func (a *HeapAllocator) Alloc(size uintptr) unsafe.Pointer {
	a.ensure()

	ptr := a.heap.Alloc(size)
	if ptr == nil && size != 0 && a.errorOnFailure {
		panic(fmt.Sprintf("fixedheap: Alloc(%d): out of memory", size))
	}

	return ptr
}

// Free returns an allocation to the heap. Nil is a no-op.
func (a *HeapAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	a.ensure()
	a.heap.Free(ptr)
}

// Realloc resizes an allocation. Returns nil on out-of-memory unless
// ErrorOnFailure is set; the original allocation is untouched in that
// case.
func (a *HeapAllocator) Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	a.ensure()

	newp := a.heap.Realloc(ptr, newSize)
	if newp == nil && newSize != 0 && a.errorOnFailure {
		panic(fmt.Sprintf("fixedheap: Realloc(%d): out of memory", newSize))
	}

	return newp
}

// ReallocSized resizes an allocation whose current size the caller
// tracks. When newSize equals oldSize the pointer is returned unchanged
// without touching heap metadata.
func (a *HeapAllocator) ReallocSized(ptr unsafe.Pointer, newSize, oldSize uintptr) unsafe.Pointer {
	if ptr != nil && newSize == oldSize {
		return ptr
	}

	return a.Realloc(ptr, newSize)
}

// Stats returns the embedded heap's counters. Zero before first use.
func (a *HeapAllocator) Stats() heap.Stats {
	return a.heap.Stats()
}
