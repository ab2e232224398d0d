package gc

import (
	"sync"
	"sync/atomic"

	"github.com/extentfs/gc/btree"
)

// Phase is the coarse partition of the GC total order. A concurrent
// mutator compares its own position against the cursor's snapshot to
// decide whether GC has already passed it.
type Phase int

const (
	PhaseNotRunning Phase = iota
	PhaseStart
	PhaseSB
	// PhasePendingDelete is reserved for pending btree-node frees.
	// Nothing advances through it today; it keeps its slot in the
	// order so positions stay stable when that handling is revived.
	PhasePendingDelete
	PhaseBtree
	PhaseAlloc
	PhaseDone
)

// Pos is the lexicographically ordered cursor value: (phase, btree,
// node, alloc-slot). Within PhaseBtree, btrees order by their declared
// GCPhase; within one btree, nodes order by NodeMinKey first and then
// by descending Level, which makes a preorder walk (parent, then
// children left to right) strictly increasing. Sub is the slot index
// used while marking allocator-owned open buckets.
type Pos struct {
	Phase      Phase
	BtreeID    btree.ID
	Level      int
	NodeMinKey btree.Pos
	Sub        int
}

// Compare orders two positions. The order is total, and references
// never move backwards in it: an open-bucket reference may migrate
// into the btree, never the reverse.
func (p Pos) Compare(o Pos) int {
	if p.Phase != o.Phase {
		return cmpInt(int(p.Phase), int(o.Phase))
	}
	if p.Phase == PhaseBtree {
		if p.BtreeID.GCPhase() != o.BtreeID.GCPhase() {
			return cmpInt(p.BtreeID.GCPhase(), o.BtreeID.GCPhase())
		}
		if c := p.NodeMinKey.Compare(o.NodeMinKey); c != 0 {
			return c
		}
		if p.Level != o.Level {
			// A parent shares its min key with its leftmost
			// child and is visited first, so higher levels
			// sort earlier.
			return cmpInt(o.Level, p.Level)
		}
	}
	return cmpInt(p.Sub, o.Sub)
}

func (p Pos) Less(o Pos) bool { return p.Compare(o) < 0 }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BtreeNodePos is the position for the start of a node at the given
// btree/level/min-key.
func BtreeNodePos(id btree.ID, level int, min btree.Pos) Pos {
	return Pos{Phase: PhaseBtree, BtreeID: id, Level: level, NodeMinKey: min}
}

// BtreeRootPos is the sentinel set after a btree's walk completes. No
// real node can start at PosMax, so it sorts after every node of the
// btree and before the next btree's first node.
func BtreeRootPos(id btree.ID) Pos {
	return Pos{Phase: PhaseBtree, BtreeID: id, NodeMinKey: btree.PosMax}
}

// Cursor is the seqlock-protected gc position: an atomic sequence
// counter plus the protected value. Writers take writeMu so Set calls
// serialize (only the orchestrator writes, but the lock makes that an
// enforced invariant rather than an assumption); readers never block.
type Cursor struct {
	seq     atomic.Uint64
	writeMu sync.Mutex
	val     Pos
}

// Set advances the cursor to pos, which must not precede the current
// value.
func (c *Cursor) Set(pos Pos) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.val.Compare(pos) > 0 {
		panic("gc: position moved backwards")
	}
	c.seq.Add(1) // odd: write in progress
	c.val = pos
	c.seq.Add(1) // even: write complete
}

// Snapshot reads the cursor without blocking, retrying if a writer
// was mid-update.
func (c *Cursor) Snapshot() Pos {
	for {
		s1 := c.seq.Load()
		if s1&1 != 0 {
			continue
		}
		val := c.val
		s2 := c.seq.Load()
		if s1 == s2 {
			return val
		}
	}
}

// WillVisit reports whether GC has not yet reached pos, meaning a
// concurrent mutator changing a reference at pos must itself apply
// the change to shadow counters too.
func (c *Cursor) WillVisit(pos Pos) bool {
	return c.Snapshot().Less(pos)
}

// Reset returns the cursor to NOT_RUNNING, bypassing the monotonicity
// check. Only valid between GC passes.
func (c *Cursor) Reset() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq.Add(1)
	c.val = Pos{Phase: PhaseNotRunning}
	c.seq.Add(1)
}
