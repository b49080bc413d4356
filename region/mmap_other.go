//go:build !unix

package region

import "fmt"

// Map is unavailable on this platform; callers fall back to New.
func Map(size int) ([]byte, error) {
	return nil, fmt.Errorf("region: mmap not supported on this platform")
}

// Unmap is unavailable on this platform.
func Unmap(b []byte) error {
	return fmt.Errorf("region: mmap not supported on this platform")
}
