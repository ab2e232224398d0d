package gc

import (
	"fmt"
	"runtime"
	"sort"

	"go.uber.org/zap"

	"github.com/extentfs/gc/btree"
)

// sweepForest walks every btree in the forest in GCPhase order. The
// shared position cursor only ever advances, so btrees are swept
// strictly one after another; concurrent mutators rely on that order
// to decide which side of the cursor they are on. Online mode walks
// resident nodes through the plain iterator; initial mode
// (post-crash recovery) recurses through the journal-merged view and
// repairs what it finds.
func sweepForest(fs *FS, cfg *Config, cursor *Cursor, overlay *JournalOverlay, cache *NodeCache, sink *FsckSink, initial bool) error {
	for _, t := range fs.Forest.Ordered() {
		var err error
		if initial {
			err = sweepBtreeInit(fs, cfg, cursor, overlay, cache, sink, t)
		} else {
			err = sweepBtreeOnline(fs, cfg, cursor, overlay, sink, t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// sweepBtreeOnline walks every resident node, marks its keys, and
// rewrites leaves whose pointers have gone too stale. The root
// sentinel is set under the root's read lock so the walk's end is
// well ordered against a concurrent root swap.
func sweepBtreeOnline(fs *FS, cfg *Config, cursor *Cursor, overlay *JournalOverlay, sink *FsckSink, t *btree.Tree) error {
	it := btree.NewIterator(t, 0)
	for node, ok := it.Next(); ok; node, ok = it.Next() {
		cursor.Set(BtreeNodePos(t.ID, node.Level, node.MinKey))

		var maxStale uint8
		for _, k := range node.Keys {
			_, stale, err := markKey(fs, cfg, overlay, sink, t.ID, node.Level, false, k, false)
			if err != nil {
				return err
			}
			if stale > maxStale {
				maxStale = stale
			}
		}

		if node.Level == 0 && shouldRewrite(cfg, maxStale) {
			t.Rewrite(node, node.Keys)
		}

		runtime.Gosched()
	}

	if root := t.Root(); root != nil {
		root.Lock.Lock(btree.Read)
		cursor.Set(BtreeRootPos(t.ID))
		root.Lock.Unlock(btree.Read)
	} else {
		cursor.Set(BtreeRootPos(t.ID))
	}
	return nil
}

// shouldRewrite: rewrite when staleness exceeds the hard threshold,
// or the lower debug threshold when always-rewrite is on.
func shouldRewrite(cfg *Config, maxStale uint8) bool {
	if maxStale > cfg.RewriteStaleThreshold {
		return true
	}
	return cfg.AlwaysRewrite && maxStale > cfg.RewriteAlwaysThreshold
}

// sweepBtreeInit is the recovery-mode walk: verify the root spans the
// whole key space, then recurse.
func sweepBtreeInit(fs *FS, cfg *Config, cursor *Cursor, overlay *JournalOverlay, cache *NodeCache, sink *FsckSink, t *btree.Tree) error {
	root := t.Root()
	if root == nil {
		return nil
	}
	root.Lock.Lock(btree.Read)
	ok := root.MinKey.Equal(btree.PosMin) && root.MaxKey.Equal(btree.PosMax)
	root.Lock.Unlock(btree.Read)
	if !ok {
		return fatalErr("gc_btree_init", ErrRootBoundsWrong)
	}
	return recurseInit(fs, cfg, cursor, overlay, cache, sink, t.ID, root, true)
}

func recurseInit(fs *FS, cfg *Config, cursor *Cursor, overlay *JournalOverlay, cache *NodeCache, sink *FsckSink, id btree.ID, node *btree.Node, isRoot bool) error {
	cursor.Set(BtreeNodePos(id, node.Level, node.MinKey))

	merged := mergeWithOverlay(node, overlay, id)
	newKeys := make([]btree.Key, 0, len(merged))
	for _, k := range merged {
		if k.Pos().Less(node.MinKey) || node.MaxKey.Less(k.Pos()) {
			return fatalErr("gc_btree_init", fmt.Errorf("key %v outside node bounds [%v,%v]", k.Pos(), node.MinKey, node.MaxKey))
		}
		fixed, _, err := markKey(fs, cfg, overlay, sink, id, node.Level, isRoot, k, true)
		if err != nil {
			return err
		}
		newKeys = append(newKeys, fixed)
	}
	node.Keys = newKeys

	if node.Level > 0 {
		if err := checkTopology(overlay, sink, cache, id, node); err != nil {
			return err
		}
	}

	if node.Level == 0 {
		return nil
	}

	for i := range node.Keys {
		bp, ok := node.Keys[i].(btree.BtreePtr)
		if !ok {
			continue
		}
		child, err := btree.FetchChild(bp)
		if err != nil {
			if err == btree.ErrChildIO {
				if derr := overlay.Delete(id, node.Level, bp.Pos()); derr != nil {
					return transientErr("gc_btree_init: overlay delete", derr)
				}
				fs.setNeedAnotherGC(true)
				sink.Report("unable to fetch btree node, deleting pointer", true,
					zap.Stringer("btree", id), zap.Stringer("pos", bp.Pos()))
				continue
			}
			return resourceErr("gc_btree_init: fetch child", err)
		}
		if cache != nil {
			cache.Put(id, child.Level, child.MinKey, child)
		}
		if err := recurseInit(fs, cfg, cursor, overlay, cache, sink, id, child, false); err != nil {
			return err
		}
	}
	return nil
}

// mergeWithOverlay merges a node's resident keys with any
// not-yet-applied journal-overlay entries for the same (btree,
// level), honoring tombstones, and returns the merged set sorted by
// position.
func mergeWithOverlay(node *btree.Node, overlay *JournalOverlay, id btree.ID) []btree.Key {
	entries := overlay.ForRange(id, node.Level, node.MinKey, node.MaxKey)
	if len(entries) == 0 {
		out := make([]btree.Key, len(node.Keys))
		copy(out, node.Keys)
		return out
	}

	byPos := make(map[btree.Pos]btree.Key, len(node.Keys)+len(entries))
	for _, k := range node.Keys {
		byPos[k.Pos()] = k
	}
	for _, e := range entries {
		if e.Tombstone {
			delete(byPos, e.Pos)
			continue
		}
		byPos[e.Pos] = e.Key
	}

	out := make([]btree.Key, 0, len(byPos))
	for _, k := range byPos {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos().Less(out[j].Pos()) })
	return out
}
