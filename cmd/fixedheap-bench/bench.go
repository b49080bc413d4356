package main

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"
	"unsafe"

	"gopkg.in/yaml.v3"

	fixedheap "github.com/orizon-lang/fixedheap"
	"github.com/orizon-lang/fixedheap/heap"
	"github.com/orizon-lang/fixedheap/internal/statserve"
	"github.com/orizon-lang/fixedheap/region"
	"github.com/orizon-lang/fixedheap/trace"
)

// Scenario describes one synthetic workload.
type Scenario struct {
	HeapSize   uint64  `yaml:"heap_size"`
	Seed       int64   `yaml:"seed"`
	Iterations int     `yaml:"iterations"`
	MaxLive    int     `yaml:"max_live"`
	MinSize    uintptr `yaml:"min_size"`
	MaxSize    uintptr `yaml:"max_size"`
	UseMmap    bool    `yaml:"use_mmap"`

	// Relative operation weights; a zero realloc weight disables
	// reallocs. Regardless of weights, an allocation is attempted
	// whenever the live set is empty, a full live set retires an entry
	// instead of allocating, and every live entry is freed at the end.
	Weights struct {
		Alloc   int `yaml:"alloc"`
		Free    int `yaml:"free"`
		Realloc int `yaml:"realloc"`
	} `yaml:"weights"`
}

func defaultScenario() Scenario {
	s := Scenario{
		HeapSize:   16 * 1024 * 1024,
		Seed:       1,
		Iterations: 100000,
		MaxLive:    1024,
		MinSize:    1,
		MaxSize:    4096,
	}
	s.Weights.Alloc = 6
	s.Weights.Free = 3
	s.Weights.Realloc = 1

	return s
}

func loadScenario(path string) (Scenario, error) {
	s := defaultScenario()

	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("scenario %s: %w", path, err)
	}

	if s.Iterations <= 0 || s.MaxLive <= 0 || s.MinSize == 0 || s.MaxSize < s.MinSize {
		return s, fmt.Errorf("scenario %s: invalid parameters", path)
	}

	total := s.Weights.Alloc + s.Weights.Free + s.Weights.Realloc
	if total <= 0 {
		return s, fmt.Errorf("scenario %s: all operation weights are zero", path)
	}

	return s, nil
}

// Bench runs scenarios and publishes stats snapshots for the servers.
type Bench struct {
	Verbose  bool
	TraceOut string
	stats    *statsHolder
}

// RunFile loads and executes one scenario.
func (b *Bench) RunFile(path string) error {
	sc, err := loadScenario(path)
	if err != nil {
		return err
	}

	return b.run(sc)
}

// liveAlloc tracks one outstanding allocation during a run.
type liveAlloc struct {
	ptr  unsafe.Pointer
	id   uint64
	size uintptr
}

func (b *Bench) run(sc Scenario) error {
	var (
		buf     []byte
		mmapped bool
	)

	if sc.UseMmap {
		if buf, _ = region.Map(int(sc.HeapSize)); buf != nil {
			mmapped = true
			defer func() {
				_ = region.Unmap(buf)
			}()
		}
	}

	if buf == nil {
		var err error
		if buf, err = region.New(int(sc.HeapSize)); err != nil {
			return err
		}
	}

	alloc, err := fixedheap.New(0, fixedheap.WithRegion(buf))
	if err != nil {
		return err
	}

	var tw *trace.Writer

	if b.TraceOut != "" {
		f, err := os.Create(b.TraceOut)
		if err != nil {
			return err
		}
		defer f.Close()

		if tw, err = trace.NewWriter(f); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(sc.Seed))
	live := make([]liveAlloc, 0, sc.MaxLive)
	total := sc.Weights.Alloc + sc.Weights.Free + sc.Weights.Realloc
	start := time.Now()

	for i := 0; i < sc.Iterations; i++ {
		roll := rng.Intn(total)

		switch {
		case roll < sc.Weights.Alloc || len(live) == 0:
			if len(live) >= sc.MaxLive {
				// Live set is full; retire the entry at index 0 instead.
				// Removal swaps in the last entry, so this is not
				// necessarily the oldest allocation.
				b.free(alloc, &live, 0, tw)

				continue
			}

			size := sc.MinSize + uintptr(rng.Int63n(int64(sc.MaxSize-sc.MinSize+1)))
			ptr := alloc.Alloc(size)

			var id uint64
			if tw != nil {
				if id, err = tw.Alloc(size, ptr != nil); err != nil {
					return err
				}
			}

			if ptr != nil {
				live = append(live, liveAlloc{ptr: ptr, id: id, size: size})
			}

		case roll < sc.Weights.Alloc+sc.Weights.Free:
			b.free(alloc, &live, rng.Intn(len(live)), tw)

		default:
			idx := rng.Intn(len(live))
			size := sc.MinSize + uintptr(rng.Int63n(int64(sc.MaxSize-sc.MinSize+1)))
			newp := alloc.Realloc(live[idx].ptr, size)

			if tw != nil {
				if err := tw.Realloc(live[idx].id, size, newp != nil); err != nil {
					return err
				}
			}

			if newp != nil {
				live[idx].ptr = newp
				live[idx].size = size
			}
		}

		if i%1024 == 0 {
			b.stats.Update(alloc.Stats())
		}
	}

	for len(live) > 0 {
		b.free(alloc, &live, len(live)-1, tw)
	}

	elapsed := time.Since(start)
	st := alloc.Stats()
	b.stats.Update(st)

	kind := "go-slice"
	if mmapped {
		kind = "mmap"
	}

	fmt.Printf("ran %d ops against a %d byte %s region in %v (%.0f ops/s)\n",
		sc.Iterations, sc.HeapSize, kind, elapsed.Round(time.Millisecond),
		float64(sc.Iterations)/elapsed.Seconds())
	b.report(st)

	return nil
}

func (b *Bench) free(alloc fixedheap.Allocator, live *[]liveAlloc, idx int, tw *trace.Writer) {
	l := (*live)[idx]
	alloc.Free(l.ptr)

	if tw != nil {
		_ = tw.Free(l.id)
	}

	(*live)[idx] = (*live)[len(*live)-1]
	*live = (*live)[:len(*live)-1]
}

func (b *Bench) report(st heap.Stats) {
	fmt.Printf("  allocs=%d frees=%d reallocs=%d failed=%d\n",
		st.AllocCount, st.FreeCount, st.ReallocCount, st.FailedAllocs)
	fmt.Printf("  peak=%d bytes splits=%d merges=%d\n", st.PeakInUse, st.Splits, st.Merges)

	if b.Verbose && st.AllocCount > 0 {
		fmt.Printf("  search visits per alloc: %.2f\n",
			float64(st.SearchVisits)/float64(st.AllocCount))
	}
}

// Collectors exposes the latest stats snapshot to the stat servers.
func (b *Bench) Collectors() map[string]statserve.MetricFunc {
	return map[string]statserve.MetricFunc{
		"heap": b.stats.Metrics,
	}
}

// statsHolder hands single-threaded heap counters to the server
// goroutines: the bench loop publishes copies, readers only ever see a
// complete snapshot.
type statsHolder struct {
	mu   sync.Mutex
	last heap.Stats
}

func newStatsHolder() *statsHolder {
	return &statsHolder{}
}

func (sh *statsHolder) Update(st heap.Stats) {
	sh.mu.Lock()
	sh.last = st
	sh.mu.Unlock()
}

func (sh *statsHolder) Metrics() map[string]float64 {
	sh.mu.Lock()
	st := sh.last
	sh.mu.Unlock()

	return st.Metrics()
}

func loadTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("--serve-h3 requires --cert and --key")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h3"},
	}, nil
}
