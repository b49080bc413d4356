// Package trace records and replays allocator workloads. A trace is a
// stream of JSON lines: a header naming the format version, then one
// line per operation. Payload contents are not recorded, only the shape
// of the request sequence, which is what fragmentation behaviour depends
// on. Replaying a trace against a fresh heap reproduces the same
// splitting and coalescing decisions.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"unsafe"

	semver "github.com/Masterminds/semver/v3"

	fixedheap "github.com/orizon-lang/fixedheap"
)

// FormatVersion is written into every trace header. Readers accept any
// version matching FormatConstraint.
const (
	FormatVersion    = "1.0.0"
	FormatConstraint = ">=1.0.0, <2.0.0"
)

// Op kinds.
const (
	OpAlloc   = "alloc"
	OpFree    = "free"
	OpRealloc = "realloc"
)

// TraceMagic identifies a trace file's header line.
const TraceMagic = "fixedheap-trace"

// Header is the first line of a trace file.
type Header struct {
	Magic   string `json:"magic"`
	Version string `json:"version"`
}

// Op is one recorded operation. ID names the allocation the operation
// refers to: Alloc assigns a fresh ID, Free retires one, Realloc keeps
// the ID across the move. Failed allocations are recorded with OK=false
// so replays can verify OOM behaviour matches.
type Op struct {
	Kind string  `json:"op"`
	ID   uint64  `json:"id"`
	Size uintptr `json:"size,omitempty"`
	OK   bool    `json:"ok"`
}

// Writer streams a trace to w.
type Writer struct {
	enc    *json.Encoder
	nextID uint64
}

// NewWriter writes the header and returns a trace writer.
func NewWriter(w io.Writer) (*Writer, error) {
	enc := json.NewEncoder(w)
	if err := enc.Encode(Header{Magic: TraceMagic, Version: FormatVersion}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}

	return &Writer{enc: enc}, nil
}

// Alloc records an allocation and returns the ID assigned to it.
func (t *Writer) Alloc(size uintptr, ok bool) (uint64, error) {
	t.nextID++

	return t.nextID, t.enc.Encode(Op{Kind: OpAlloc, ID: t.nextID, Size: size, OK: ok})
}

// Free records a deallocation of a previously recorded ID.
func (t *Writer) Free(id uint64) error {
	return t.enc.Encode(Op{Kind: OpFree, ID: id, OK: true})
}

// Realloc records a resize of a previously recorded ID.
func (t *Writer) Realloc(id uint64, size uintptr, ok bool) error {
	return t.enc.Encode(Op{Kind: OpRealloc, ID: id, Size: size, OK: ok})
}

// ReplayStats summarises a replay run.
type ReplayStats struct {
	Ops        int
	Allocs     int
	Frees      int
	Reallocs   int
	Mismatches int // operations whose success differed from the recording
	Live       int // allocations still live at end of trace
}

// Replay runs a recorded trace against the given allocator. The trace
// header's version must satisfy FormatConstraint. Live allocations left
// over at the end of the trace are freed before returning so the
// allocator comes back in a reusable state.
func Replay(r io.Reader, a fixedheap.Allocator) (ReplayStats, error) {
	var stats ReplayStats

	constraint, err := semver.NewConstraint(FormatConstraint)
	if err != nil {
		return stats, fmt.Errorf("trace: bad constraint: %w", err)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		return stats, fmt.Errorf("trace: missing header")
	}

	var hdr Header
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil || hdr.Magic != TraceMagic {
		return stats, fmt.Errorf("trace: not a trace file")
	}

	ver, err := semver.NewVersion(hdr.Version)
	if err != nil {
		return stats, fmt.Errorf("trace: bad format version %q: %w", hdr.Version, err)
	}

	if !constraint.Check(ver) {
		return stats, fmt.Errorf("trace: format version %s outside supported range %s", ver, FormatConstraint)
	}

	live := make(map[uint64]unsafe.Pointer)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var op Op
		if err := json.Unmarshal(line, &op); err != nil {
			return stats, fmt.Errorf("trace: op %d: %w", stats.Ops+1, err)
		}

		stats.Ops++

		switch op.Kind {
		case OpAlloc:
			stats.Allocs++

			ptr := a.Alloc(op.Size)
			if (ptr != nil) != op.OK {
				stats.Mismatches++
			}
			if ptr != nil {
				live[op.ID] = ptr
			}

		case OpFree:
			stats.Frees++

			if ptr, ok := live[op.ID]; ok {
				a.Free(ptr)
				delete(live, op.ID)
			}

		case OpRealloc:
			stats.Reallocs++

			ptr := live[op.ID]
			newp := a.Realloc(ptr, op.Size)
			if (newp != nil) != op.OK {
				stats.Mismatches++
			}

			switch {
			case op.Size == 0:
				delete(live, op.ID)
			case newp != nil:
				live[op.ID] = newp
			}

		default:
			return stats, fmt.Errorf("trace: op %d: unknown kind %q", stats.Ops, op.Kind)
		}
	}

	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("trace: read: %w", err)
	}

	stats.Live = len(live)
	for _, ptr := range live {
		a.Free(ptr)
	}

	return stats, nil
}
