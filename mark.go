package gc

import (
	"go.uber.org/zap"

	"github.com/extentfs/gc/btree"
)

// markKey is the per-key trigger of the sweep: it records oldest_gen
// and staleness for every pointer, applies the key to shadow
// accounting, and, in initial mode, records unreferenced replica sets
// and repairs stale/future/missing pointers. The possibly-rewritten
// key is returned so the caller can resume its walk with the repaired
// form.
func markKey(fs *FS, cfg *Config, overlay *JournalOverlay, sink *FsckSink, id btree.ID, level int, isRoot bool, key btree.Key, initial bool) (btree.Key, uint8, error) {
	if initial {
		if key.Version() > fs.KeyVersion {
			fs.KeyVersion = key.Version()
		}
		if len(key.Pointers()) > 0 &&
			(cfg.RebuildReplicas || !cfg.Replicas.Marked(key)) {
			if err := cfg.Replicas.Mark(key); err != nil {
				return key, 0, resourceErr("mark_key: record replicas", err)
			}
		}
		fixed, err := checkFixPtrs(fs, overlay, sink, id, level, isRoot, key)
		if err != nil {
			return key, 0, err
		}
		key = fixed
	}

	var maxStale uint8
	for _, p := range key.Pointers() {
		dev, ok := fs.Device(p.Dev)
		if !ok {
			continue
		}
		dev.Buckets.WithShadow(int(p.BucketOffset), func(b *Bucket) {
			if p.Gen < b.OldestGen {
				b.OldestGen = p.Gen
			}
			stale := int(b.Gen) - int(p.Gen)
			if stale < 0 {
				stale = 0
			}
			if uint8(stale) > maxStale {
				maxStale = uint8(stale)
			}
		})
	}

	applyShadowMark(fs, id, level, key)

	return key, maxStale, nil
}

// applyShadowMark credits the key's contribution to shadow
// accounting: per-bucket sector counts, the stripe table, and the
// filesystem-wide totals.
func applyShadowMark(fs *FS, id btree.ID, level int, key btree.Key) {
	sectors := key.Sectors()

	switch k := key.(type) {
	case btree.Stripe:
		// A stripe key contributes its shape; per-block sector
		// counts accumulate from the extents that reference it.
		fs.Stripes.shadowSetShape(k.Pos().Offset, k)
		return
	case btree.Inode:
		fs.Shadow.mu.Lock()
		fs.Shadow.NrInodes++
		fs.Shadow.mu.Unlock()
		return
	}

	if r := extentReflinkTarget(key); r != nil {
		fs.Shadow.mu.Lock()
		fs.Shadow.Reflink += int64(r.Sectors)
		fs.Shadow.mu.Unlock()
		return
	}

	dirtyReplicas := 0
	for _, p := range key.Pointers() {
		dev, ok := fs.Device(p.Dev)
		if !ok {
			continue
		}
		dt := BtreeData
		if level == 0 {
			dt = User
		}
		if !p.Cached {
			dirtyReplicas++
		}

		deadCached := false
		dev.Buckets.WithShadow(int(p.BucketOffset), func(b *Bucket) {
			if p.Cached {
				// A cached pointer with a mismatched gen is
				// implicitly dead; it contributes nothing.
				if p.Gen != b.Gen {
					deadCached = true
					return
				}
				b.CachedSectors += sectors
			} else {
				b.DirtySectors += sectors
				b.DataType = dt
			}
		})
		if deadCached {
			continue
		}

		fs.Shadow.mu.Lock()
		switch {
		case p.Cached:
			fs.Shadow.CachedSectors += int64(sectors)
		case level > 0:
			fs.Shadow.Btree += int64(sectors)
		default:
			fs.Shadow.Data += int64(sectors)
		}
		fs.Shadow.mu.Unlock()
	}

	for _, sp := range key.StripePointers() {
		fs.Stripes.shadowAddBlockSectors(sp.StripeIdx, sp.Block, sectors)
	}

	if dirtyReplicas > 0 {
		dt := User
		if level > 0 {
			dt = BtreeData
		}
		fs.Shadow.mu.Lock()
		fs.Shadow.Replicas[ReplicaKey{dt, uint8(dirtyReplicas)}] +=
			int64(sectors) * int64(dirtyReplicas)
		fs.Shadow.mu.Unlock()
	}
}

func extentReflinkTarget(key btree.Key) *btree.ReflinkPtr {
	e, ok := key.(btree.Extent)
	if !ok {
		return nil
	}
	return e.ReflinkTo
}

// shadowSetShape copies a stripe key's shape fields into the shadow
// entry. Block sector counts already accumulated from extents marked
// earlier are kept; the slice is resized to NrBlocks.
func (t *StripeTable) shadowSetShape(idx uint64, s btree.Stripe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.Shadow[idx]
	if !ok {
		e = &StripeEntry{}
		t.Shadow[idx] = e
	}
	e.Alive = s.Alive
	e.Sectors = s.TotalSectors
	e.Algorithm = s.Algorithm
	e.NrBlocks = s.NrBlocks
	e.NrRedundant = s.NrRedundant
	if len(e.BlockSectors) != int(s.NrBlocks) {
		old := e.BlockSectors
		e.BlockSectors = make([]uint32, s.NrBlocks)
		copy(e.BlockSectors, old)
	}
}

func (t *StripeTable) shadowAddBlockSectors(idx uint64, block uint8, sectors uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.Shadow[idx]
	if !ok {
		e = &StripeEntry{}
		t.Shadow[idx] = e
	}
	if int(block) >= len(e.BlockSectors) {
		grown := make([]uint32, block+1)
		copy(grown, e.BlockSectors)
		e.BlockSectors = grown
	}
	e.BlockSectors[block] += sectors
}

// checkFixPtrs classifies each pointer against its bucket and drops
// or adopts as needed. A pointer into a bucket with no confirmed gen
// adopts the pointer's gen if cached, else is dropped. A pointer gen
// ahead of the bucket ("in the future") adopts and zeroes the bucket
// if cached, requesting another pass, else is dropped. A stale dirty
// pointer is dropped. Stripe-pointer entries referencing dead stripes
// are dropped. Any drop rewrites the key through the journal overlay;
// rewriting a root key is refused and the caller must escalate.
func checkFixPtrs(fs *FS, overlay *JournalOverlay, sink *FsckSink, id btree.ID, level int, isRoot bool, key btree.Key) (btree.Key, error) {
	ptrs := key.Pointers()
	newPtrs := make([]btree.Ptr, 0, len(ptrs))
	changed := false

	for _, p := range ptrs {
		dev, ok := fs.Device(p.Dev)
		if !ok {
			// Unknown device: treat like a missing bucket,
			// drop the pointer.
			changed = true
			continue
		}

		var drop, adoptGen, zeroBucket, another, future bool
		dev.Buckets.WithShadow(int(p.BucketOffset), func(b *Bucket) {
			switch {
			case !b.GenValid:
				if p.Cached {
					adoptGen = true
				} else {
					drop = true
				}
			case p.Gen > b.Gen:
				future = true
				if p.Cached {
					adoptGen = true
					zeroBucket = true
				} else {
					drop = true
				}
				another = true
			case p.Gen < b.Gen && !p.Cached:
				drop = true
			}

			if adoptGen {
				b.Gen = p.Gen
				b.GenValid = true
			}
			if zeroBucket {
				b.DataType = Free
				b.DirtySectors = 0
				b.CachedSectors = 0
			}
		})

		if adoptGen {
			// Adopt in the live array too, otherwise the next
			// pass reseeds shadow from the stale live gen and
			// redetects the same mismatch forever.
			dev.Buckets.WithLive(int(p.BucketOffset), func(b *Bucket) {
				b.Gen = p.Gen
				b.GenValid = true
			})
			fs.setNeedAllocWrite(true)
		}
		if another {
			fs.setNeedAnotherGC(true)
		}
		if future {
			sink.Report("ptr gen in the future", true,
				zap.Uint32("dev", p.Dev), zap.Uint64("bucket", p.BucketOffset),
				zap.Uint8("ptr_gen", p.Gen))
		}
		if drop {
			changed = true
			if !future {
				sink.Report("dropping stale pointer", true,
					zap.Uint32("dev", p.Dev), zap.Uint64("bucket", p.BucketOffset))
			}
			continue
		}
		newPtrs = append(newPtrs, p)
	}

	newStripes := key.StripePointers()
	if len(newStripes) > 0 {
		filtered := make([]btree.StripePtr, 0, len(newStripes))
		for _, sp := range newStripes {
			e, ok := fs.Stripes.LiveEntry(sp.StripeIdx)
			if !ok || !e.Alive {
				changed = true
				sink.Report("dropping pointer to dead stripe", true, zap.Uint64("stripe", sp.StripeIdx))
				continue
			}
			filtered = append(filtered, sp)
		}
		newStripes = filtered
	}

	if !changed {
		return key, nil
	}

	if isRoot {
		return key, fatalErr("check_fix_ptrs", ErrRootRepairUnsupported)
	}

	fixed := key.WithPointers(newPtrs, newStripes)
	if err := overlay.Insert(id, level, fixed); err != nil {
		return key, transientErr("check_fix_ptrs: journal insert", err)
	}
	return fixed, nil
}
