package btree

import "sort"

// Node is one btree node: an interior node (Level > 0) holding
// BtreePtr keys, or a leaf (Level == 0) holding data keys. Keys are
// kept sorted by Pos. MinKey/MaxKey are the node's declared range; a
// non-root interior node's range must equal the union of its
// children's ranges with no gap or overlap, which the gc package's
// topology checker verifies.
type Node struct {
	ID     ID
	Level  int
	MinKey Pos
	MaxKey Pos
	Keys   []Key
	Lock   *SixLock
}

// NewNode allocates an empty node covering [min, max].
func NewNode(id ID, level int, min, max Pos) *Node {
	return &Node{ID: id, Level: level, MinKey: min, MaxKey: max, Lock: &SixLock{}}
}

// Insert places k in sorted position, replacing any key at the same
// Pos.
func (n *Node) Insert(k Key) {
	i := sort.Search(len(n.Keys), func(i int) bool { return !n.Keys[i].Pos().Less(k.Pos()) })
	if i < len(n.Keys) && n.Keys[i].Pos().Equal(k.Pos()) {
		n.Keys[i] = k
		return
	}
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = k
}

// Delete removes the key at pos, if present.
func (n *Node) Delete(pos Pos) {
	i := sort.Search(len(n.Keys), func(i int) bool { return !n.Keys[i].Pos().Less(pos) })
	if i < len(n.Keys) && n.Keys[i].Pos().Equal(pos) {
		n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	}
}

// LiveU64s approximates how much of a block the node's live keys
// occupy, in 64-bit words: a fixed per-key header plus the pointer
// lists. The coalescer's merge predicate compares this against the
// node size budget.
func (n *Node) LiveU64s() int {
	total := 0
	for _, k := range n.Keys {
		if k.Kind() == TypeDeleted {
			continue
		}
		total += 4 + len(k.Pointers())*2 + len(k.StripePointers())
	}
	return total
}
