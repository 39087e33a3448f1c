package prune

import "fmt"

type modeKind uint8

const (
	modeFull modeKind = iota
	modeDistance
	modeBefore
)

// Mode selects how much history a segment keeps relative to the chain tip.
type Mode struct {
	kind modeKind
	n    uint64
}

// Full prunes everything up to and including the tip.
func Full() Mode {
	return Mode{kind: modeFull}
}

// Distance keeps the most recent d heights and prunes everything older.
func Distance(d uint64) Mode {
	return Mode{kind: modeDistance, n: d}
}

// Before prunes all heights strictly below h.
func Before(h uint64) Mode {
	return Mode{kind: modeBefore, n: h}
}

// PruneTarget returns the highest height prunable at the given tip. ok is
// false while the retention window still covers the whole chain.
func (m Mode) PruneTarget(tip uint64) (uint64, bool) {
	switch m.kind {
	case modeDistance:
		if m.n > tip {
			return 0, false
		}
		return tip - m.n, true
	case modeBefore:
		if m.n == 0 {
			return 0, false
		}
		if target := m.n - 1; target <= tip {
			return target, true
		}
		return tip, true
	default:
		return tip, true
	}
}

func (m Mode) String() string {
	switch m.kind {
	case modeDistance:
		return fmt.Sprintf("distance(%d)", m.n)
	case modeBefore:
		return fmt.Sprintf("before(%d)", m.n)
	default:
		return "full"
	}
}
