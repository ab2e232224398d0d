package gc

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/extentfs/gc/btree"
)

// ErrCoalesceShutdown is returned from a per-btree coalesce when the
// caller's context is canceled between sibling windows.
var ErrCoalesceShutdown = errors.New("gc: coalesce stopped")

// Coalesce merges adjacent low-occupancy sibling nodes, btree by
// btree. It is independent of mark/sweep but still takes the GC lock
// read-side so a full run's write lock excludes it. A failure in one
// btree does not stop the others; the failures are aggregated and
// returned together.
func (g *GC) Coalesce(ctx context.Context) error {
	g.gcMu.RLock()
	defer g.gcMu.RUnlock()

	var merr *multierror.Error
	for _, t := range g.FS.Forest.Ordered() {
		err := coalesceBtree(ctx, t, &g.Cfg, g.Cache)
		if errors.Is(err, ErrCoalesceShutdown) {
			break
		}
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// parentRef locates a node's parent and the index of the BtreePtr key
// that addresses it, so a merge can rewrite the parent's key list.
type parentRef struct {
	node *btree.Node
	idx  int
}

// buildParentIndex walks root once and records, for every resident
// child, its parent and key index. The tree is stable for the
// duration of one coalesce pass.
func buildParentIndex(root *btree.Node) map[*btree.Node]parentRef {
	idx := make(map[*btree.Node]parentRef)
	var walk func(n *btree.Node)
	walk = func(n *btree.Node) {
		if n.Level == 0 {
			return
		}
		for i, k := range n.Keys {
			bp, ok := k.(btree.BtreePtr)
			if !ok || bp.Child == nil {
				continue
			}
			idx[bp.Child] = parentRef{node: n, idx: i}
			walk(bp.Child)
		}
	}
	walk(root)
	return idx
}

// coalesceBtree slides a window of up to cfg.MergeWindow adjacent
// siblings over the tree, shifting one node per iteration and
// truncating the window whenever a sibling's level no longer matches
// the newest node's. With no concurrent splits in this model only the
// level check is live; lock sequence numbers would additionally
// truncate on a node that changed since it was windowed.
func coalesceBtree(ctx context.Context, t *btree.Tree, cfg *Config, cache *NodeCache) error {
	root := t.Root()
	if root == nil {
		return nil
	}
	parents := buildParentIndex(root)

	window := make([]*btree.Node, 0, cfg.MergeWindow)
	it := btree.NewIterator(t, 0)
	for node, ok := it.Next(); ok; node, ok = it.Next() {
		select {
		case <-ctx.Done():
			return ErrCoalesceShutdown
		default:
		}

		window = append([]*btree.Node{node}, window...)
		if len(window) > cfg.MergeWindow {
			window = window[:cfg.MergeWindow]
		}
		for i := 1; i < len(window); i++ {
			if window[i].Level != window[0].Level {
				window = window[:i]
				break
			}
		}

		if mergeWindow(t, parents, window, cache) {
			window = window[:0]
		}
	}
	return nil
}

// mergeThreshold is the per-node occupancy budget a merge must fit
// under: two thirds of a node.
func mergeThreshold() int {
	return btree.NodeSectors * 2 / 3
}

// mergeWindow attempts to merge the windowed siblings into one fewer
// node. window is ordered newest (rightmost sibling) first. Returns
// true if a merge happened, in which case the caller must reset its
// sliding window: the node identities it recorded no longer exist.
func mergeWindow(t *btree.Tree, parents map[*btree.Node]parentRef, window []*btree.Node, cache *NodeCache) bool {
	n := len(window)
	if n <= 1 {
		return false
	}

	total := 0
	for _, node := range window {
		total += node.LiveU64s()
	}
	if ceilDiv(total, n-1) > mergeThreshold() {
		return false
	}

	// Ascending (left to right) order for concatenation.
	asc := make([]*btree.Node, n)
	for i, node := range window {
		asc[n-1-i] = node
	}

	ref, ok := parents[asc[0]]
	if !ok {
		return false
	}
	for _, node := range asc[1:] {
		if r, ok := parents[node]; !ok || r.node != ref.node {
			return false
		}
	}

	var allKeys []btree.Key
	for _, node := range asc {
		allKeys = append(allKeys, node.Keys...)
	}

	nrNew := n - 1
	newNodes := make([]*btree.Node, nrNew)
	perNode := ceilDiv(len(allKeys), nrNew)
	idx := 0
	for i := 0; i < nrNew; i++ {
		end := idx + perNode
		if end > len(allKeys) {
			end = len(allKeys)
		}
		keys := append([]btree.Key(nil), allKeys[idx:end]...)

		var minKey, maxKey btree.Pos
		if i == 0 {
			minKey = asc[0].MinKey
		} else {
			minKey = newNodes[i-1].MaxKey.Successor()
		}
		if i == nrNew-1 {
			maxKey = asc[len(asc)-1].MaxKey
		} else if len(keys) > 0 {
			maxKey = keys[len(keys)-1].Pos()
		} else {
			maxKey = minKey
		}

		nn := btree.NewNode(asc[0].ID, asc[0].Level, minKey, maxKey)
		nn.Keys = keys
		newNodes[i] = nn
		idx = end
	}

	newPos := make(map[btree.Pos]bool, nrNew)
	for _, nn := range newNodes {
		ptr := btree.BtreePtr{
			KeyPos: nn.MaxKey,
			V2:     true,
			MinKey: nn.MinKey,
			Child:  nn,
		}
		ref.node.Insert(ptr)
		newPos[nn.MaxKey] = true
	}

	// Delete old keys not overwritten by a same-position new key: a
	// child's parent key sits at the child's own MaxKey, so an old
	// key sharing a new node's MaxKey was already replaced by the
	// insert above.
	for _, node := range asc {
		if !newPos[node.MaxKey] {
			ref.node.Delete(node.MaxKey)
		}
	}

	for _, node := range asc {
		t.Free(node)
		delete(parents, node)
		if cache != nil {
			cache.Evict(node.ID, node.Level, node.MinKey)
		}
	}
	for _, nn := range newNodes {
		parents[nn] = parentRef{node: ref.node}
		if cache != nil {
			cache.Put(nn.ID, nn.Level, nn.MinKey, nn)
		}
	}

	return true
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
