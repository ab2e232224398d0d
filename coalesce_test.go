package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extentfs/gc/btree"
)

func halfEmptyLeaves(id btree.ID) (*btree.Tree, *btree.Node, *btree.Node) {
	split := btree.Pos{Inode: 1, Offset: ^uint64(0)}
	var leftKeys, rightKeys []btree.Key
	for i := 0; i < 10; i++ {
		leftKeys = append(leftKeys, extentAt(btree.Pos{Inode: 1, Offset: uint64(i)}, 8,
			btree.Ptr{BucketOffset: uint64(i), Gen: 0}))
		rightKeys = append(rightKeys, extentAt(btree.Pos{Inode: 2, Offset: uint64(i)}, 8,
			btree.Ptr{BucketOffset: uint64(i), Gen: 0}))
	}
	return twoLevelTree(id, split, leftKeys, rightKeys)
}

// Two adjacent half-empty siblings merge into one leaf spanning both
// ranges, the parent's two keys collapse into one, and the old nodes
// are freed.
func TestCoalesceMergesSiblings(t *testing.T) {
	fs, _ := testFS(16)
	tree, _, right := halfEmptyLeaves(btree.Extents)
	fs.Forest.Add(tree)

	g := New(fs, Config{})
	require.NoError(t, g.Coalesce(context.Background()))

	root := tree.Root()
	require.Len(t, root.Keys, 1, "parent holds one key for the merged node")
	merged := root.Keys[0].(btree.BtreePtr)
	assert.True(t, merged.Pos().Equal(right.MaxKey), "merged node keeps the right sibling's max_key")
	assert.True(t, merged.MinKey.Equal(btree.PosMin))
	require.NotNil(t, merged.Child)
	assert.Len(t, merged.Child.Keys, 20)
	assert.Equal(t, 2, tree.Frees())
}

// Nodes too full to share a smaller footprint are left alone.
func TestCoalesceSkipsFullNodes(t *testing.T) {
	fs, _ := testFS(16)
	split := btree.Pos{Inode: 1, Offset: ^uint64(0)}
	var leftKeys, rightKeys []btree.Key
	for i := 0; i < 40; i++ {
		leftKeys = append(leftKeys, extentAt(btree.Pos{Inode: 1, Offset: uint64(i)}, 8,
			btree.Ptr{BucketOffset: uint64(i % 16), Gen: 0}))
		rightKeys = append(rightKeys, extentAt(btree.Pos{Inode: 2, Offset: uint64(i)}, 8,
			btree.Ptr{BucketOffset: uint64(i % 16), Gen: 0}))
	}
	tree, _, _ := twoLevelTree(btree.Extents, split, leftKeys, rightKeys)
	fs.Forest.Add(tree)

	g := New(fs, Config{})
	require.NoError(t, g.Coalesce(context.Background()))

	assert.Len(t, tree.Root().Keys, 2)
	assert.Zero(t, tree.Frees())
}

func TestCoalesceCanceledContext(t *testing.T) {
	fs, _ := testFS(16)
	tree, _, _ := halfEmptyLeaves(btree.Extents)
	fs.Forest.Add(tree)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(fs, Config{})
	require.NoError(t, g.Coalesce(ctx), "shutdown is not an error")
	assert.Len(t, tree.Root().Keys, 2, "nothing merged after cancellation")
}

func TestCoalesceEvictsMergedNodes(t *testing.T) {
	fs, _ := testFS(16)
	tree, left, right := halfEmptyLeaves(btree.Extents)
	fs.Forest.Add(tree)

	g := New(fs, Config{})
	g.Cache.Put(btree.Extents, 0, left.MinKey, left)
	g.Cache.Put(btree.Extents, 0, right.MinKey, right)

	require.NoError(t, g.Coalesce(context.Background()))

	_, ok := g.Cache.Get(btree.Extents, 0, right.MinKey)
	assert.False(t, ok, "merged-away sibling evicted")
	merged, ok := g.Cache.Get(btree.Extents, 0, btree.PosMin)
	require.True(t, ok, "replacement node cached")
	assert.Len(t, merged.Keys, 20)
}
