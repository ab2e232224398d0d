package btree

import "github.com/pkg/errors"

// ErrChildIO is returned by FetchChild for a pointer whose on-disk
// node cannot be read.
var ErrChildIO = errors.New("child fetch: I/O error")

// Iterator walks every resident node in a tree in preorder: a parent
// first, then its children left to right. Preorder keeps the walk
// monotone in (min_key, descending level) order, which is what the gc
// position cursor requires. Cooperative yielding between nodes is the
// caller's concern.
type Iterator struct {
	stack []*Node
	min   int
}

// NewIterator returns an iterator over every node in t at level >=
// minDepth.
func NewIterator(t *Tree, minDepth int) *Iterator {
	it := &Iterator{min: minDepth}
	if root := t.Root(); root != nil {
		it.stack = []*Node{root}
	}
	return it
}

// Next returns the next qualifying node, or ok=false when the walk is
// exhausted.
func (it *Iterator) Next() (*Node, bool) {
	for len(it.stack) > 0 {
		n := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		if n.Level > 0 {
			// Push children in reverse so they're visited
			// left to right.
			for i := len(n.Keys) - 1; i >= 0; i-- {
				bp, ok := n.Keys[i].(BtreePtr)
				if ok && bp.Child != nil {
					it.stack = append(it.stack, bp.Child)
				}
			}
		}
		if n.Level >= it.min {
			return n, true
		}
	}
	return nil, false
}

// FetchChild resolves a BtreePtr's child node, returning ErrChildIO
// if the node is unreadable.
func FetchChild(ptr BtreePtr) (*Node, error) {
	if ptr.Broken {
		return nil, ErrChildIO
	}
	if ptr.Child == nil {
		return nil, errors.New("child fetch: not resident")
	}
	return ptr.Child, nil
}
