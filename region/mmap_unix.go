//go:build unix

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map returns a page-aligned anonymous mapping of the given size. The
// mapping lives outside the Go heap, so the garbage collector neither
// scans nor accounts for it; release it with Unmap.
func Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: size must be positive, got %d", size)
	}

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("region: mmap %d bytes: %w", size, err)
	}

	return b, nil
}

// Unmap releases a region obtained from Map. The slice must not be used
// afterwards.
func Unmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("region: munmap: %w", err)
	}

	return nil
}
