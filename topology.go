package gc

import (
	"go.uber.org/zap"

	"github.com/extentfs/gc/btree"
)

// checkTopology verifies an interior node's children form a
// contiguous, gap-free, overlap-free range and repairs any divergence
// by rewriting the parent's pointer key through the journal overlay.
// Data never moves; only the declared ranges do. Called once per
// interior node during the recovery walk.
func checkTopology(overlay *JournalOverlay, sink *FsckSink, cache *NodeCache, id btree.ID, node *btree.Node) error {
	if node.Level == 0 {
		return nil
	}
	for i := range node.Keys {
		cur, ok := node.Keys[i].(btree.BtreePtr)
		if !ok {
			continue
		}
		isLast := i == len(node.Keys)-1

		// A whiteout predecessor contributes no range, so the
		// expected start falls back to the node's own lower
		// bound.
		expectedStart := node.MinKey
		if i > 0 && node.Keys[i-1].Kind() != btree.TypeDeleted {
			expectedStart = node.Keys[i-1].Pos().Successor()
		}

		updateMin := cur.V2 && !cur.MinKey.Equal(expectedStart)
		updateMax := isLast && !cur.Pos().Equal(node.MaxKey)
		if !updateMin && !updateMax {
			continue
		}

		if updateMin {
			sink.Report("btree node with incorrect min_key", true,
				zap.Stringer("btree", id), zap.Int("level", node.Level),
				zap.Stringer("got", cur.MinKey), zap.Stringer("should", expectedStart))
		}
		if updateMax {
			sink.Report("btree node with incorrect max_key", true,
				zap.Stringer("btree", id), zap.Int("level", node.Level),
				zap.Stringer("got", cur.Pos()), zap.Stringer("should", node.MaxKey))
		}

		if updateMax {
			// The key moves to a new position; drop the
			// overlay slot at the old position first so the
			// stale copy cannot resurface on replay.
			if err := overlay.Delete(id, node.Level, cur.Pos()); err != nil {
				return transientErr("check_topology: overlay delete", err)
			}
		}

		patched := cur
		if updateMin {
			patched.MinKey = expectedStart
		}
		if updateMax {
			patched.KeyPos = node.MaxKey
		}
		patched.RangeUpdated = true

		if err := overlay.Insert(id, node.Level, patched); err != nil {
			return transientErr("check_topology: overlay insert", err)
		}
		node.Keys[i] = patched

		if patched.Child != nil {
			oldMin := patched.Child.MinKey
			patched.Child.Lock.Lock(btree.Write)
			if updateMin {
				patched.Child.MinKey = patched.MinKey
			}
			if updateMax {
				patched.Child.MaxKey = patched.KeyPos
			}
			patched.Child.Lock.Unlock(btree.Write)

			if cache != nil && updateMin {
				cache.Rehash(id, node.Level-1, oldMin, patched.MinKey, patched.Child)
			}
		}
	}
	return nil
}
