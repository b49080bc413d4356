package heap

// Stats holds per-heap allocation counters. The heap is single-threaded
// by contract, so the fields are plain values; callers that export them
// to another goroutine take a copy with Heap.Stats between operations.
type Stats struct {
	RegionBytes    uintptr // usable bytes of the initial free chunk
	AllocCount     uint64
	FreeCount      uint64
	ReallocCount   uint64
	FailedAllocs   uint64
	TotalAllocated uintptr // cumulative payload bytes handed out
	TotalFreed     uintptr // cumulative payload bytes returned
	BytesInUse     uintptr
	PeakInUse      uintptr
	Splits         uint64
	Merges         uint64
	SearchVisits   uint64 // free-list nodes inspected across all searches
}

// Metrics flattens the counters into name/value pairs for exposition.
func (s Stats) Metrics() map[string]float64 {
	return map[string]float64{
		"region_bytes":    float64(s.RegionBytes),
		"alloc_count":     float64(s.AllocCount),
		"free_count":      float64(s.FreeCount),
		"realloc_count":   float64(s.ReallocCount),
		"failed_allocs":   float64(s.FailedAllocs),
		"total_allocated": float64(s.TotalAllocated),
		"total_freed":     float64(s.TotalFreed),
		"bytes_in_use":    float64(s.BytesInUse),
		"peak_in_use":     float64(s.PeakInUse),
		"splits":          float64(s.Splits),
		"merges":          float64(s.Merges),
		"search_visits":   float64(s.SearchVisits),
	}
}
