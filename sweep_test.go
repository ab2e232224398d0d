package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extentfs/gc/btree"
)

func TestMergeWithOverlay(t *testing.T) {
	node := btree.NewNode(btree.Extents, 0, btree.PosMin, btree.PosMax)
	a := extentAt(btree.Pos{Inode: 1}, 8)
	b := extentAt(btree.Pos{Inode: 2}, 8)
	node.Insert(a)
	node.Insert(b)

	overlay := NewJournalOverlay()
	replacement := extentAt(btree.Pos{Inode: 1}, 4)
	require.NoError(t, overlay.Insert(btree.Extents, 0, replacement))
	require.NoError(t, overlay.Delete(btree.Extents, 0, btree.Pos{Inode: 2}))
	inserted := extentAt(btree.Pos{Inode: 3}, 8)
	require.NoError(t, overlay.Insert(btree.Extents, 0, inserted))
	// A different level's entries are invisible to this node.
	require.NoError(t, overlay.Insert(btree.Extents, 1, extentAt(btree.Pos{Inode: 4}, 8)))

	merged := mergeWithOverlay(node, overlay, btree.Extents)
	require.Len(t, merged, 2)
	assert.EqualValues(t, 4, merged[0].Sectors(), "resident key replaced by overlay entry")
	assert.True(t, merged[1].Pos().Equal(btree.Pos{Inode: 3}))
}

func TestMergeWithOverlayNoEntries(t *testing.T) {
	node := btree.NewNode(btree.Extents, 0, btree.PosMin, btree.PosMax)
	node.Insert(extentAt(btree.Pos{Inode: 1}, 8))

	merged := mergeWithOverlay(node, NewJournalOverlay(), btree.Extents)
	require.Len(t, merged, 1)

	// The merged slice is a copy; mutating it must not alias the
	// node's own key slice.
	merged[0] = extentAt(btree.Pos{Inode: 9}, 8)
	assert.True(t, node.Keys[0].Pos().Equal(btree.Pos{Inode: 1}))
}

func TestSweepInitKeyOutsideNodeBounds(t *testing.T) {
	fs, _ := testFS(16)
	split := btree.Pos{Inode: 1, Offset: ^uint64(0)}
	tree, left, _ := twoLevelTree(btree.Extents, split, nil, nil)
	// A key past the leaf's declared range.
	left.Keys = append(left.Keys, extentAt(btree.Pos{Inode: 5}, 8))
	fs.Forest.Add(tree)

	g := New(fs, Config{BucketSectors: 8})
	err := g.Run(context.Background(), true)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestSweepOnlineRewritesStaleLeaf(t *testing.T) {
	fs, dev := testFS(16)
	setBucketGen(dev, 3, 100)

	key := extentAt(btree.Pos{Inode: 1, Offset: 8}, 8,
		btree.Ptr{Dev: 0, BucketOffset: 3, Gen: 2, Cached: true})
	tree := leafTree(btree.Extents, key)
	fs.Forest.Add(tree)

	g := New(fs, Config{BucketSectors: 8})
	require.NoError(t, g.Run(context.Background(), false))
	assert.Equal(t, 1, tree.Rewrites(), "staleness 98 exceeds the rewrite threshold")
}

func TestSweepOnlineRewriteThresholds(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.False(t, shouldRewrite(&cfg, 64))
	assert.True(t, shouldRewrite(&cfg, 65))
	assert.False(t, shouldRewrite(&cfg, 17))

	cfg.AlwaysRewrite = true
	assert.True(t, shouldRewrite(&cfg, 17))
	assert.False(t, shouldRewrite(&cfg, 16))
}

func TestSweepPhaseOrder(t *testing.T) {
	fs, _ := testFS(16)
	fs.Forest.Add(leafTree(btree.Inodes))
	fs.Forest.Add(leafTree(btree.Extents))
	fs.Forest.Add(leafTree(btree.Reflink))

	var order []btree.ID
	for _, tr := range fs.Forest.Ordered() {
		order = append(order, tr.ID)
	}
	assert.Equal(t, []btree.ID{btree.Extents, btree.Inodes, btree.Reflink}, order)
}
