// Package region acquires backing memory for fixed-region heaps. Hosts
// that want the region outside the Go heap use Map on platforms that
// support it; New is the portable fallback.
package region

import "fmt"

// New returns a zeroed region of the given size backed by ordinary Go
// memory. The slice pins the region for as long as it is referenced.
func New(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: size must be positive, got %d", size)
	}

	return make([]byte, size), nil
}
