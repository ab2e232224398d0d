package gc

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/extentfs/gc/btree"
)

// Gens is the cheap generation-refresh pass: walk leaves only,
// rewrite extents whose pointer gens lag too far behind their bucket,
// then advance every bucket's oldest_gen. It takes the GC lock
// read-side — excluded by a full run, shared with ordinary I/O —
// plus a mark read slot; oldest_gen only moves forward and bucket
// gens are never touched.
func (g *GC) Gens(ctx context.Context) error {
	g.gcMu.RLock()
	defer g.gcMu.RUnlock()

	if err := g.markReadLock(ctx); err != nil {
		return resourceErr("gc_gens: acquire mark_lock", err)
	}
	defer g.markReadUnlock()

	for _, dev := range orderedDevices(g.FS) {
		seedGCGen(dev)
	}

	// Leaf walks of distinct btrees touch disjoint nodes and only
	// fold gens into per-bucket scratch under the bucket lock, so
	// they can run concurrently.
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, id := range btree.All() {
		if !g.Cfg.needsGC(id) {
			continue
		}
		t, ok := g.FS.Forest.Tree(id)
		if !ok {
			continue
		}
		eg.Go(func() error {
			return gensWalkBtree(g.FS, &g.Cfg, t)
		})
	}
	if err := eg.Wait(); err != nil {
		return resourceErr("gc_gens: recalculating oldest_gen", err)
	}

	for _, dev := range orderedDevices(g.FS) {
		commitGCGen(dev)
	}

	g.FS.gcCount.Add(1)
	return nil
}

// seedGCGen initializes every bucket's scratch gen from its current
// gen; pointer gens can only pull it downward from there.
func seedGCGen(dev *Device) {
	n := dev.Buckets.Len()
	for b := 0; b < n; b++ {
		dev.Buckets.WithLive(b, func(bk *Bucket) {
			bk.GCGen = bk.Gen
		})
	}
}

// commitGCGen publishes the recomputed floor as each bucket's
// oldest_gen.
func commitGCGen(dev *Device) {
	n := dev.Buckets.Len()
	for b := 0; b < n; b++ {
		dev.Buckets.WithLive(b, func(bk *Bucket) {
			bk.OldestGen = bk.GCGen
		})
	}
}

// gensWalkBtree walks a btree's leaves; each key either gets its
// stale pointers dropped and the rewrite committed, or folds its
// pointer gens into the buckets' scratch gen.
func gensWalkBtree(fs *FS, cfg *Config, t *btree.Tree) error {
	it := btree.NewIterator(t, 0)
	for node, ok := it.Next(); ok; node, ok = it.Next() {
		if node.Level != 0 {
			continue
		}

		changed := false
		newKeys := make([]btree.Key, len(node.Keys))
		for i, k := range node.Keys {
			normalized, needsRewrite := gensNormalizeKey(fs, cfg, k)
			newKeys[i] = normalized
			if needsRewrite {
				changed = true
			}
		}
		if changed {
			t.Rewrite(node, newKeys)
		}
	}
	return nil
}

// gensNormalizeKey: if any pointer's bucket gen has advanced more
// than the threshold past the pointer's gen, drop the stale pointers
// and report that a rewrite is needed; otherwise fold gens into the
// scratch field and leave the key untouched.
func gensNormalizeKey(fs *FS, cfg *Config, k btree.Key) (btree.Key, bool) {
	ptrs := k.Pointers()
	stale := false
	for _, p := range ptrs {
		dev, ok := fs.Device(p.Dev)
		if !ok {
			continue
		}
		gen := dev.Buckets.LiveAt(int(p.BucketOffset)).Gen
		if genAfter(gen, p.Gen) > int(cfg.GensStaleThreshold) {
			stale = true
			break
		}
	}

	if !stale {
		for _, p := range ptrs {
			dev, ok := fs.Device(p.Dev)
			if !ok {
				continue
			}
			dev.Buckets.WithLive(int(p.BucketOffset), func(b *Bucket) {
				if p.Gen < b.GCGen {
					b.GCGen = p.Gen
				}
			})
		}
		return k, false
	}

	kept := make([]btree.Ptr, 0, len(ptrs))
	for _, p := range ptrs {
		dev, ok := fs.Device(p.Dev)
		if !ok {
			continue
		}
		gen := dev.Buckets.LiveAt(int(p.BucketOffset)).Gen
		if genAfter(gen, p.Gen) > int(cfg.GensStaleThreshold) {
			continue
		}
		kept = append(kept, p)
		dev.Buckets.WithLive(int(p.BucketOffset), func(b *Bucket) {
			if p.Gen < b.GCGen {
				b.GCGen = p.Gen
			}
		})
	}
	return k.WithPointers(kept, k.StripePointers()), true
}

// genAfter is how far ahead gen is of cmp, saturating at 0; a bucket
// gen only moves forward.
func genAfter(gen, cmp uint8) int {
	d := int(gen) - int(cmp)
	if d < 0 {
		return 0
	}
	return d
}
