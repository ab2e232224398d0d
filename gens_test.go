package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extentfs/gc/btree"
)

// A pointer lagging its bucket by more than the threshold gets
// dropped and the extent rewritten; the bucket's oldest_gen then
// advances all the way to its gen.
func TestGensNormalizesStaleExtent(t *testing.T) {
	fs, dev := testFS(16)
	setBucketGen(dev, 3, 20)

	key := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{Dev: 0, BucketOffset: 3, Gen: 3})
	tree := leafTree(btree.Extents, key)
	fs.Forest.Add(tree)

	g := New(fs, Config{})
	require.NoError(t, g.Gens(context.Background()))

	assert.Equal(t, 1, tree.Rewrites())
	assert.Empty(t, tree.Root().Keys[0].Pointers())
	assert.EqualValues(t, 20, dev.Buckets.LiveAt(3).OldestGen)
	assert.EqualValues(t, 20, dev.Buckets.LiveAt(3).Gen, "gens pass never bumps bucket gens")
}

// A pointer within the threshold holds oldest_gen back at its own
// gen.
func TestGensFoldsLivePointers(t *testing.T) {
	fs, dev := testFS(16)
	setBucketGen(dev, 3, 20)

	key := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{Dev: 0, BucketOffset: 3, Gen: 10})
	tree := leafTree(btree.Extents, key)
	fs.Forest.Add(tree)

	g := New(fs, Config{})
	require.NoError(t, g.Gens(context.Background()))

	assert.Zero(t, tree.Rewrites())
	assert.EqualValues(t, 10, dev.Buckets.LiveAt(3).OldestGen)
}

// A normalized extent's surviving pointers still hold oldest_gen
// back.
func TestGensKeepsSurvivorFloor(t *testing.T) {
	fs, dev := testFS(16)
	setBucketGen(dev, 3, 20)
	setBucketGen(dev, 4, 20)

	key := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{Dev: 0, BucketOffset: 3, Gen: 1},  // dropped
		btree.Ptr{Dev: 0, BucketOffset: 4, Gen: 18}) // kept
	tree := leafTree(btree.Extents, key)
	fs.Forest.Add(tree)

	g := New(fs, Config{})
	require.NoError(t, g.Gens(context.Background()))

	require.Len(t, tree.Root().Keys[0].Pointers(), 1)
	assert.EqualValues(t, 20, dev.Buckets.LiveAt(3).OldestGen)
	assert.EqualValues(t, 18, dev.Buckets.LiveAt(4).OldestGen)
}

// Oldest gen only moves forward, and never past the bucket gen.
func TestGensOldestGenMonotone(t *testing.T) {
	fs, dev := testFS(16)
	for b := 0; b < 16; b++ {
		dev.Buckets.WithLive(b, func(bk *Bucket) {
			bk.Gen = uint8(b)
			bk.OldestGen = uint8(b) / 2
			bk.GenValid = true
		})
	}

	g := New(fs, Config{})
	require.NoError(t, g.Gens(context.Background()))

	for b := 0; b < 16; b++ {
		bk := dev.Buckets.LiveAt(b)
		assert.GreaterOrEqual(t, bk.OldestGen, uint8(b)/2, "bucket %d", b)
		assert.LessOrEqual(t, bk.OldestGen, bk.Gen, "bucket %d", b)
	}
}

func TestGensSkipsBookkeepingBtrees(t *testing.T) {
	fs, dev := testFS(16)
	setBucketGen(dev, 3, 20)

	// A stale pointer in a btree the gens pass does not walk stays
	// untouched.
	key := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{Dev: 0, BucketOffset: 3, Gen: 1})
	tree := leafTree(btree.Alloc, key)
	fs.Forest.Add(tree)

	g := New(fs, Config{})
	require.NoError(t, g.Gens(context.Background()))
	assert.Zero(t, tree.Rewrites())

	// The same applies to a btree excluded by hook.
	extTree := leafTree(btree.Extents, key)
	fs.Forest.Add(extTree)
	g2 := New(fs, Config{GensSkip: func(id btree.ID) bool { return id == btree.Extents }})
	require.NoError(t, g2.Gens(context.Background()))
	assert.Zero(t, extTree.Rewrites())
}
