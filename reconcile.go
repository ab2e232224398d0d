package gc

import (
	"fmt"

	"go.uber.org/zap"
)

// gcDone runs under the mark write lock, after journal writes are
// blocked: derive per-device shadow usage from the shadow bucket
// arrays, then compare shadow to live for every domain, reporting
// mismatches through sink when verifying and copying shadow into
// live. Any correction flags that the allocator btree needs a write.
// Returns a fatal error if a stripe's shape diverged.
func gcDone(fs *FS, cfg *Config, sink *FsckSink, initial bool) error {
	verify := !initial || cfg.AllocInfoCompat

	if err := reconcileStripes(fs, sink, verify); err != nil {
		return err
	}

	for _, dev := range orderedDevices(fs) {
		dev.Usage.Fold()
		deriveShadowDeviceUsage(dev, cfg.BucketSectors)
	}

	for _, dev := range orderedDevices(fs) {
		reconcileBuckets(fs, dev, sink, verify)
		reconcileDeviceUsage(fs, dev, sink, verify)
	}

	reconcileFSUsage(fs, sink, verify)

	return nil
}

// deriveShadowDeviceUsage recomputes a device's shadow usage counters
// from its shadow bucket array. The sweep fills in per-bucket sector
// counts; the per-type bucket counts, fragmentation and availability
// summaries all follow from those.
func deriveShadowDeviceUsage(dev *Device, bucketSectors uint64) {
	u := &DeviceUsage{}
	n := dev.Buckets.Len()
	for i := 0; i < n; i++ {
		b := dev.Buckets.ShadowAt(i)

		if b.HasStripe {
			u.BucketsEC++
		}
		if b.DataType != Free || b.OwnedByAllocator {
			u.BucketsUnavailable++
		}
		if b.DataType != Free {
			u.ByType[b.DataType].Buckets++
			u.ByType[b.DataType].Sectors += int64(b.DirtySectors)
			if b.DirtySectors > 0 && uint64(b.DirtySectors) < bucketSectors {
				u.ByType[b.DataType].Fragmented += int64(bucketSectors) - int64(b.DirtySectors)
			}
		}
		if b.CachedSectors > 0 {
			u.ByType[Cached].Sectors += int64(b.CachedSectors)
		}
	}
	dev.ShadowUsage = u
}

// reconcileStripes compares each shadow stripe against live. Shape
// fields must match exactly; per-block sector counts are copied and
// blocks_nonempty recomputed from them.
func reconcileStripes(fs *FS, sink *FsckSink, verify bool) error {
	for _, idx := range fs.Stripes.ShadowIndices() {
		src := fs.Stripes.ShadowEntry(idx)
		dst, ok := fs.Stripes.LiveEntry(idx)
		if !ok {
			dst = &StripeEntry{}
		}

		if dst.Alive != src.Alive ||
			dst.Sectors != src.Sectors ||
			dst.Algorithm != src.Algorithm ||
			dst.NrBlocks != src.NrBlocks ||
			dst.NrRedundant != src.NrRedundant {
			return fatalErr("gc_done: stripe reconcile", ErrStripeShapeMismatch)
		}

		changed := !ok
		blockSectors := make([]uint32, len(src.BlockSectors))
		var nonempty uint8
		for i, s := range src.BlockSectors {
			var prev uint32
			if i < len(dst.BlockSectors) {
				prev = dst.BlockSectors[i]
			}
			if prev != s {
				changed = true
				if verify {
					sink.Report("stripe has wrong block_sectors", true,
						zap.Uint64("stripe", idx), zap.Int("block", i),
						zap.Uint32("got", prev), zap.Uint32("should", s))
				}
			}
			blockSectors[i] = s
			if s != 0 && i < int(src.NrBlocks) {
				nonempty++
			}
		}

		if changed || dst.BlocksNonempty != nonempty {
			out := *src
			out.BlockSectors = blockSectors
			out.BlocksNonempty = nonempty
			fs.Stripes.SetLive(idx, out)
			fs.setNeedAllocWrite(true)
		}
	}
	return nil
}

// reconcileBuckets copies each shadow bucket into live: gen,
// data_type, allocator ownership, stripe membership and sector
// counts, reporting any field that diverged. oldest_gen is copied
// unconditionally.
func reconcileBuckets(fs *FS, dev *Device, sink *FsckSink, verify bool) {
	n := dev.Buckets.Len()
	for b := 0; b < n; b++ {
		src := dev.Buckets.ShadowAt(b)
		dst := dev.Buckets.LiveAt(b)

		changed := false
		report := func(field string, got, should any) {
			changed = true
			if verify {
				sink.Report(fmt.Sprintf("bucket %d:%d gen %d data type %s has wrong %s",
					dev.ID, b, dst.Gen, dst.DataType, field), true,
					zap.Any("got", got), zap.Any("should", should))
			}
		}

		if dst.Gen != src.Gen {
			report("gen", dst.Gen, src.Gen)
		}
		if dst.DataType != src.DataType {
			report("data_type", dst.DataType, src.DataType)
		}
		if dst.OwnedByAllocator != src.OwnedByAllocator {
			report("owned_by_allocator", dst.OwnedByAllocator, src.OwnedByAllocator)
		}
		if dst.HasStripe != src.HasStripe || dst.StripeIdx != src.StripeIdx {
			report("stripe", dst.StripeIdx, src.StripeIdx)
		}
		if dst.DirtySectors != src.DirtySectors {
			report("dirty_sectors", dst.DirtySectors, src.DirtySectors)
		}
		if dst.CachedSectors != src.CachedSectors {
			report("cached_sectors", dst.CachedSectors, src.CachedSectors)
		}

		out := src
		out.GCGen = dst.GCGen
		dev.Buckets.SetLive(b, out)

		if changed {
			fs.setNeedAllocWrite(true)
		}
	}
}

// reconcileDeviceUsage copies the derived shadow usage into live.
func reconcileDeviceUsage(fs *FS, dev *Device, sink *FsckSink, verify bool) {
	if dev.ShadowUsage == nil {
		return
	}
	dst := dev.Usage
	src := dev.ShadowUsage

	dst.mu.Lock()
	src.mu.RLock()
	defer src.mu.RUnlock()
	defer dst.mu.Unlock()

	copyField := func(name string, dstv *int64, srcv int64) {
		if *dstv != srcv {
			if verify {
				sink.Report(fmt.Sprintf("dev %d has wrong %s", dev.ID, name), true,
					zap.Int64("got", *dstv), zap.Int64("should", srcv))
			}
			*dstv = srcv
			fs.setNeedAllocWrite(true)
		}
	}

	copyField("buckets_ec", &dst.BucketsEC, src.BucketsEC)
	copyField("buckets_unavailable", &dst.BucketsUnavailable, src.BucketsUnavailable)
	for dt := DataType(0); dt < numDataTypes; dt++ {
		copyField(dt.String()+" buckets", &dst.ByType[dt].Buckets, src.ByType[dt].Buckets)
		copyField(dt.String()+" sectors", &dst.ByType[dt].Sectors, src.ByType[dt].Sectors)
		copyField(dt.String()+" fragmented", &dst.ByType[dt].Fragmented, src.ByType[dt].Fragmented)
	}
}

// reconcileFSUsage copies the filesystem-wide shadow totals into
// live, including the persistent reserves and every replica entry.
func reconcileFSUsage(fs *FS, sink *FsckSink, verify bool) {
	dst := fs.Usage
	src := fs.Shadow

	dst.mu.Lock()
	src.mu.RLock()
	defer src.mu.RUnlock()
	defer dst.mu.Unlock()

	copyField := func(name string, dstv *int64, srcv int64) {
		if *dstv != srcv {
			if verify {
				sink.Report("fs has wrong "+name, true,
					zap.Int64("got", *dstv), zap.Int64("should", srcv))
			}
			*dstv = srcv
			fs.setNeedAllocWrite(true)
		}
	}

	copyField("hidden", &dst.Hidden, src.Hidden)
	copyField("btree", &dst.Btree, src.Btree)
	copyField("data", &dst.Data, src.Data)
	copyField("cached", &dst.CachedSectors, src.CachedSectors)
	copyField("reserved", &dst.Reserved, src.Reserved)
	copyField("nr_inodes", &dst.NrInodes, src.NrInodes)
	copyField("reflink", &dst.Reflink, src.Reflink)

	for i := range dst.PersistentReserved {
		copyField(fmt.Sprintf("persistent_reserved[%d]", i),
			&dst.PersistentReserved[i], src.PersistentReserved[i])
	}

	for k, v := range src.Replicas {
		if dst.Replicas[k] != v {
			if verify {
				sink.Report(fmt.Sprintf("fs has wrong replicas[%s/%d]", k.DataType, k.Replicas), true,
					zap.Int64("got", dst.Replicas[k]), zap.Int64("should", v))
			}
			dst.Replicas[k] = v
			fs.setNeedAllocWrite(true)
		}
	}
	for k := range dst.Replicas {
		if _, ok := src.Replicas[k]; !ok {
			if verify {
				sink.Report(fmt.Sprintf("fs has stale replicas[%s/%d]", k.DataType, k.Replicas), true,
					zap.Int64("got", dst.Replicas[k]), zap.Int64("should", 0))
			}
			delete(dst.Replicas, k)
			fs.setNeedAllocWrite(true)
		}
	}
}
