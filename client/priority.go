package client

import "fmt"

// Priority marks the relative urgency of a request. The zero value is
// Normal. The client threads the value through unchanged; what it means
// for scheduling is up to the serving side.
type Priority int32

const (
	Normal Priority = iota
	High
)

// IsHigh reports whether the priority is High.
func (p Priority) IsHigh() bool { return p == High }

func (p Priority) String() string {
	if p.IsHigh() {
		return "high"
	}
	return "normal"
}

// RangeHint is an inclusive block height interval [Earliest, Latest] the
// requested items are expected to fall within. It is advisory routing
// information only: implementations use it to pick peers likely to hold a
// contiguous slice of history and never validate responses against it. A
// nil hint forces conservative peer selection.
type RangeHint struct {
	Earliest uint64
	Latest   uint64
}

// Valid reports whether the interval is non-empty.
func (h *RangeHint) Valid() bool {
	return h != nil && h.Earliest <= h.Latest
}

// Contains reports whether height falls inside the hint.
func (h *RangeHint) Contains(height uint64) bool {
	return h != nil && height >= h.Earliest && height <= h.Latest
}

func (h *RangeHint) String() string {
	if h == nil {
		return "[any]"
	}
	return fmt.Sprintf("[%d,%d]", h.Earliest, h.Latest)
}
