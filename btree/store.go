package btree

import (
	"sync"
	"sync/atomic"
)

// Tree is one btree in the forest: a root node plus counters
// observers use to see rewrites and frees.
type Tree struct {
	ID   ID
	root atomic.Pointer[Node]

	mu       sync.Mutex
	rewrites int
	frees    int
}

func NewTree(id ID, root *Node) *Tree {
	t := &Tree{ID: id}
	t.root.Store(root)
	return t
}

func (t *Tree) Root() *Node { return t.root.Load() }

func (t *Tree) SetRoot(n *Node) { t.root.Store(n) }

// Rewrite replaces a node's contents. A real filesystem would
// allocate a new physical node and free the old one under
// copy-on-write; the in-memory store mutates in place and counts the
// event.
func (t *Tree) Rewrite(n *Node, keys []Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.Keys = keys
	t.rewrites++
}

func (t *Tree) Free(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frees++
}

func (t *Tree) Rewrites() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rewrites
}

func (t *Tree) Frees() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frees
}

// Forest is the full set of btrees a filesystem carries.
type Forest struct {
	mu    sync.RWMutex
	trees map[ID]*Tree
}

func NewForest() *Forest {
	return &Forest{trees: make(map[ID]*Tree)}
}

func (f *Forest) Add(t *Tree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[t.ID] = t
}

func (f *Forest) Tree(id ID) (*Tree, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.trees[id]
	return t, ok
}

// Ordered returns the resident trees sorted by GCPhase, the order a
// sweep must visit them in.
func (f *Forest) Ordered() []*Tree {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]ID, 0, len(f.trees))
	for id := range f.trees {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1].GCPhase() > ids[j].GCPhase(); j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	out := make([]*Tree, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.trees[id])
	}
	return out
}
