package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extentfs/gc/btree"
)

// markEnv is the minimal state a marking test needs: a filesystem
// with shadow allocated, an overlay and a sink.
func markEnv(t *testing.T, nbuckets int) (*FS, *Device, *Config, *JournalOverlay, *FsckSink) {
	t.Helper()
	fs, dev := testFS(nbuckets)
	cfg := Config{BucketSectors: 8}.withDefaults()
	allocShadow(fs)
	return fs, dev, &cfg, NewJournalOverlay(), newFsckSink(nil)
}

func TestMarkKeyOldestGenAndStaleness(t *testing.T) {
	fs, dev, cfg, overlay, sink := markEnv(t, 16)
	setBucketGen(dev, 3, 9)
	allocShadow(fs) // reseed shadow gens from the updated live array

	key := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{Dev: 0, BucketOffset: 3, Gen: 4})

	_, maxStale, err := markKey(fs, cfg, overlay, sink, btree.Extents, 0, false, key, false)
	require.NoError(t, err)
	assert.EqualValues(t, 5, maxStale)
	assert.EqualValues(t, 4, dev.Buckets.ShadowAt(3).OldestGen)
}

func TestCheckFixPtrs(t *testing.T) {
	pos := btree.Pos{Inode: 1, Offset: 8}

	tests := []struct {
		name       string
		bucketGen  uint8
		genValid   bool
		ptr        btree.Ptr
		wantDrop   bool
		wantAdopt  bool
		wantAgain  bool
	}{
		{
			name: "gen unknown, cached: adopt",
			ptr:  btree.Ptr{BucketOffset: 3, Gen: 7, Cached: true},
			wantAdopt: true,
		},
		{
			name: "gen unknown, dirty: drop",
			ptr:  btree.Ptr{BucketOffset: 3, Gen: 7},
			wantDrop: true,
		},
		{
			name: "future, cached: adopt and resweep",
			bucketGen: 5, genValid: true,
			ptr:       btree.Ptr{BucketOffset: 3, Gen: 6, Cached: true},
			wantAdopt: true, wantAgain: true,
		},
		{
			name: "future, dirty: drop and resweep",
			bucketGen: 5, genValid: true,
			ptr:      btree.Ptr{BucketOffset: 3, Gen: 6},
			wantDrop: true, wantAgain: true,
		},
		{
			name: "stale, dirty: drop",
			bucketGen: 5, genValid: true,
			ptr:      btree.Ptr{BucketOffset: 3, Gen: 4},
			wantDrop: true,
		},
		{
			name: "stale, cached: keep",
			bucketGen: 5, genValid: true,
			ptr: btree.Ptr{BucketOffset: 3, Gen: 4, Cached: true},
		},
		{
			name: "matching gen: keep",
			bucketGen: 5, genValid: true,
			ptr: btree.Ptr{BucketOffset: 3, Gen: 5},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs, dev, cfg, overlay, sink := markEnv(t, 16)
			if tc.genValid {
				setBucketGen(dev, 3, tc.bucketGen)
				allocShadow(fs)
			}

			key := extentAt(pos, 8, tc.ptr)
			fixed, _, err := markKey(fs, cfg, overlay, sink, btree.Extents, 0, false, key, true)
			require.NoError(t, err)

			if tc.wantDrop {
				assert.Empty(t, fixed.Pointers())
				assert.Equal(t, 1, overlay.Len(), "dropped pointer goes through the overlay")
			} else {
				assert.Len(t, fixed.Pointers(), 1)
				assert.Zero(t, overlay.Len())
			}
			if tc.wantAdopt {
				sh := dev.Buckets.ShadowAt(3)
				assert.Equal(t, tc.ptr.Gen, sh.Gen)
				assert.True(t, sh.GenValid)
				lv := dev.Buckets.LiveAt(3)
				assert.Equal(t, tc.ptr.Gen, lv.Gen, "adoption reaches the live array")
				assert.True(t, fs.NeedAllocWrite())
			}
			assert.Equal(t, tc.wantAgain, fs.NeedAnotherGC())
		})
	}
}

func TestCheckFixPtrsDeadStripe(t *testing.T) {
	fs, dev, cfg, overlay, sink := markEnv(t, 16)
	setBucketGen(dev, 3, 5)
	fs.Stripes.SetLive(7, StripeEntry{Alive: true, NrBlocks: 2, BlockSectors: []uint32{0, 0}})
	allocShadow(fs)

	key := btree.Extent{
		KeyPos: btree.Pos{Inode: 1, Offset: 8},
		Size:   8,
		Ptrs:   []btree.Ptr{{BucketOffset: 3, Gen: 5}},
		Stripes: []btree.StripePtr{
			{StripeIdx: 7, Block: 0},
			{StripeIdx: 9, Block: 1}, // no such stripe
		},
	}

	fixed, _, err := markKey(fs, cfg, overlay, sink, btree.Extents, 0, false, key, true)
	require.NoError(t, err)
	require.Len(t, fixed.StripePointers(), 1)
	assert.EqualValues(t, 7, fixed.StripePointers()[0].StripeIdx)
	assert.Len(t, fixed.Pointers(), 1, "device pointer survives")
	assert.Equal(t, 1, overlay.Len())
}

func TestCheckFixPtrsRootRefused(t *testing.T) {
	fs, _, cfg, overlay, sink := markEnv(t, 16)

	key := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{BucketOffset: 3, Gen: 7}) // gen unknown, dirty: would drop

	_, _, err := markKey(fs, cfg, overlay, sink, btree.Extents, 1, true, key, true)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrRootRepairUnsupported)
	assert.Zero(t, overlay.Len(), "refused repair writes nothing")
}

func TestMarkKeyRaisesKeyVersion(t *testing.T) {
	fs, _, cfg, overlay, sink := markEnv(t, 16)
	fs.KeyVersion = 3

	key := btree.Extent{KeyPos: btree.Pos{Inode: 1, Offset: 8}, Ver: 9, Size: 8}
	_, _, err := markKey(fs, cfg, overlay, sink, btree.Extents, 0, false, key, true)
	require.NoError(t, err)
	assert.EqualValues(t, 9, fs.KeyVersion)
}

// recordingReplicas remembers which keys were recorded.
type recordingReplicas struct {
	known map[btree.Pos]bool
	got   []btree.Key
}

func (r *recordingReplicas) Marked(k btree.Key) bool { return r.known[k.Pos()] }
func (r *recordingReplicas) Mark(k btree.Key) error {
	r.got = append(r.got, k)
	return nil
}

func TestMarkKeyRecordsReplicas(t *testing.T) {
	fs, dev, cfg, overlay, sink := markEnv(t, 16)
	setBucketGen(dev, 3, 5)
	setBucketGen(dev, 4, 5)
	allocShadow(fs)

	known := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8, btree.Ptr{BucketOffset: 3, Gen: 5})
	unknown := extentAt(btree.Pos{Inode: 2, Offset: 8}, 8, btree.Ptr{BucketOffset: 4, Gen: 5})

	rec := &recordingReplicas{known: map[btree.Pos]bool{known.Pos(): true}}
	cfg.Replicas = rec

	for _, k := range []btree.Key{known, unknown} {
		_, _, err := markKey(fs, cfg, overlay, sink, btree.Extents, 0, false, k, true)
		require.NoError(t, err)
	}
	require.Len(t, rec.got, 1)
	assert.True(t, rec.got[0].Pos().Equal(unknown.Pos()))
}

func TestApplyShadowMarkAccounting(t *testing.T) {
	fs, dev, _, _, _ := markEnv(t, 16)

	// Two dirty replicas of one extent.
	applyShadowMark(fs, btree.Extents, 0, extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{BucketOffset: 3, Gen: 0},
		btree.Ptr{BucketOffset: 4, Gen: 0}))

	assert.EqualValues(t, 8, dev.Buckets.ShadowAt(3).DirtySectors)
	assert.Equal(t, User, dev.Buckets.ShadowAt(3).DataType)
	assert.EqualValues(t, 16, fs.Shadow.Data)
	assert.EqualValues(t, 16, fs.Shadow.Replicas[ReplicaKey{User, 2}])

	// An interior pointer counts as btree data.
	applyShadowMark(fs, btree.Extents, 1, btree.BtreePtr{
		KeyPos: btree.Pos{Inode: 5}, V2: true,
		Ptrs: []btree.Ptr{{BucketOffset: 5, Gen: 0}},
	})
	assert.Equal(t, BtreeData, dev.Buckets.ShadowAt(5).DataType)
	assert.EqualValues(t, btree.NodeSectors, fs.Shadow.Btree)

	// Inodes count, reflink-indirect extents count.
	applyShadowMark(fs, btree.Inodes, 0, btree.Inode{KeyPos: btree.Pos{Inode: 7}})
	assert.EqualValues(t, 1, fs.Shadow.NrInodes)

	applyShadowMark(fs, btree.Extents, 0, btree.Extent{
		KeyPos: btree.Pos{Inode: 8, Offset: 16}, Size: 16,
		ReflinkTo: &btree.ReflinkPtr{Idx: 1, Sectors: 16},
	})
	assert.EqualValues(t, 16, fs.Shadow.Reflink)
}

func TestApplyShadowMarkStripes(t *testing.T) {
	fs, _, _, _, _ := markEnv(t, 16)

	applyShadowMark(fs, btree.StripesTree, 0, btree.Stripe{
		KeyPos: btree.Pos{Offset: 7}, Alive: true,
		TotalSectors: 32, Algorithm: 1, NrBlocks: 3, NrRedundant: 1,
	})
	e := fs.Stripes.ShadowEntry(7)
	assert.True(t, e.Alive)
	assert.EqualValues(t, 3, e.NrBlocks)
	assert.Len(t, e.BlockSectors, 3)

	applyShadowMark(fs, btree.Extents, 0, btree.Extent{
		KeyPos:  btree.Pos{Inode: 1, Offset: 8},
		Size:    8,
		Stripes: []btree.StripePtr{{StripeIdx: 7, Block: 1}},
	})
	assert.EqualValues(t, 8, fs.Stripes.ShadowEntry(7).BlockSectors[1])
}
