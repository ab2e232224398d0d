package gc

// markMetadataSectors marks the sectors [start, end) on dev as
// metadata of type dt, one bucket at a time. bucketSize is the
// device's fixed bucket size in sectors. Superblock and journal space
// is invisible to users, so it also counts toward the filesystem's
// hidden total.
func markMetadataSectors(fs *FS, dev *Device, bucketSize uint64, start, end uint64, dt DataType) {
	b := start / bucketSize
	for start < end {
		bucketEnd := (b + 1) * bucketSize
		if bucketEnd > end {
			bucketEnd = end
		}
		sectors := uint32(bucketEnd - start)

		dev.Buckets.WithShadow(int(b), func(bk *Bucket) {
			bk.DataType = dt
			bk.DirtySectors += sectors
		})
		fs.Shadow.mu.Lock()
		fs.Shadow.Hidden += int64(sectors)
		fs.Shadow.mu.Unlock()

		b++
		start += uint64(sectors)
	}
}

// MarkDeviceSuperblock marks one device's superblock copies and
// journal buckets. Exposed for device-add paths, which must account a
// new member's metadata regions before any user data lands on it.
// bucketSize is the device's bucket size in sectors; sbSector is the
// fixed first-copy superblock sector, whose bucket is marked from
// sector zero.
func MarkDeviceSuperblock(fs *FS, dev *Device, bucketSize, sbSector uint64) {
	for _, offset := range dev.SBOffsets {
		if offset == sbSector {
			markMetadataSectors(fs, dev, bucketSize, 0, sbSector, SB)
		}
		markMetadataSectors(fs, dev, bucketSize, offset, offset+(1<<dev.SBSizeBits), SB)
	}
	for _, b := range dev.JournalBkts {
		dev.Buckets.WithShadow(int(b), func(bk *Bucket) {
			bk.DataType = Journal
			bk.DirtySectors += uint32(bucketSize)
		})
		fs.Shadow.mu.Lock()
		fs.Shadow.Hidden += int64(bucketSize)
		fs.Shadow.mu.Unlock()
	}
}

// markSuperblocks marks every online member device's superblock and
// journal regions at the SB phase.
func markSuperblocks(fs *FS, cursor *Cursor, bucketSize, sbSector uint64) {
	cursor.Set(Pos{Phase: PhaseSB})
	for _, dev := range orderedDevices(fs) {
		MarkDeviceSuperblock(fs, dev, bucketSize, sbSector)
	}
}

// markAllocatorBuckets marks every free-queue member and every valid
// open bucket as allocator-owned at the ALLOC phase. The cursor's Sub
// slot advances per open bucket so a mutator installing a reference
// from an open bucket can tell whether its slot has been passed.
func markAllocatorBuckets(fs *FS, cursor *Cursor) {
	cursor.Set(Pos{Phase: PhaseAlloc})

	for _, dev := range orderedDevices(fs) {
		freeInc, reserves := dev.freelistSnapshot()
		for _, b := range freeInc {
			markAllocBucket(dev, b)
		}
		for _, r := range reserves {
			for _, b := range r {
				markAllocBucket(dev, b)
			}
		}
	}

	for i, ob := range fs.OpenBuckets {
		dev, bucket, valid := ob.Snapshot()
		if !valid {
			continue
		}
		cursor.Set(Pos{Phase: PhaseAlloc, Sub: i + 1})
		if d, ok := fs.Device(dev); ok {
			markAllocBucket(d, bucket)
		}
	}
}

func markAllocBucket(dev *Device, bucket uint64) {
	dev.Buckets.WithShadow(int(bucket), func(b *Bucket) {
		b.OwnedByAllocator = true
	})
}

// orderedDevices returns devices sorted by ID so every scan sees the
// same order.
func orderedDevices(fs *FS) []*Device {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*Device, 0, len(fs.Devices))
	for _, d := range fs.Devices {
		out = append(out, d)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
