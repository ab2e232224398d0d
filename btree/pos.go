// Package btree is the index collaborator the garbage collector walks
// but does not own: node layout, the node iterator, and per-node
// locking. It is a small, real in-memory implementation of that
// contract so the gc package can be exercised end to end by tests
// instead of against a mock.
package btree

import "fmt"

// Pos is a totally ordered, variable-length key position: an inode
// number, a byte offset within it, and a snapshot ID for
// snapshot-aware trees. Extent keys sort by (Inode, Offset, Snapshot);
// most non-extent keys leave Offset/Snapshot zero.
type Pos struct {
	Inode    uint64
	Offset   uint64
	Snapshot uint32
}

// PosMin and PosMax bound every possible key; a top-level root must
// span exactly this range.
var (
	PosMin = Pos{}
	PosMax = Pos{Inode: ^uint64(0), Offset: ^uint64(0), Snapshot: ^uint32(0)}
)

// Compare returns -1, 0 or 1 the way bytes.Compare does.
func (p Pos) Compare(o Pos) int {
	switch {
	case p.Inode != o.Inode:
		return cmpU64(p.Inode, o.Inode)
	case p.Offset != o.Offset:
		return cmpU64(p.Offset, o.Offset)
	case p.Snapshot != o.Snapshot:
		return cmpU64(uint64(p.Snapshot), uint64(o.Snapshot))
	default:
		return 0
	}
}

func (p Pos) Less(o Pos) bool    { return p.Compare(o) < 0 }
func (p Pos) LessEq(o Pos) bool  { return p.Compare(o) <= 0 }
func (p Pos) Greater(o Pos) bool { return p.Compare(o) > 0 }
func (p Pos) Equal(o Pos) bool   { return p.Compare(o) == 0 }

// Successor is the next representable position after p, used to
// compute the expected start of the key range following a given key.
func (p Pos) Successor() Pos {
	if p.Snapshot != ^uint32(0) {
		return Pos{p.Inode, p.Offset, p.Snapshot + 1}
	}
	if p.Offset != ^uint64(0) {
		return Pos{p.Inode, p.Offset + 1, 0}
	}
	return Pos{p.Inode + 1, 0, 0}
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d:%d", p.Inode, p.Offset, p.Snapshot)
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
