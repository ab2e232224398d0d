package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extentfs/gc/btree"
)

func TestOverlayInsertLookupDelete(t *testing.T) {
	o := NewJournalOverlay()
	pos := btree.Pos{Inode: 1, Offset: 8}

	_, _, ok := o.Lookup(btree.Extents, 0, pos)
	assert.False(t, ok)

	require.NoError(t, o.Insert(btree.Extents, 0, extentAt(pos, 8)))
	key, tomb, ok := o.Lookup(btree.Extents, 0, pos)
	require.True(t, ok)
	assert.False(t, tomb)
	assert.EqualValues(t, 8, key.Sectors())

	// A tombstone replaces the buffered key at the same slot.
	require.NoError(t, o.Delete(btree.Extents, 0, pos))
	key, tomb, ok = o.Lookup(btree.Extents, 0, pos)
	require.True(t, ok)
	assert.True(t, tomb)
	assert.Nil(t, key)

	// Same position, different level: distinct slot.
	_, _, ok = o.Lookup(btree.Extents, 1, pos)
	assert.False(t, ok)

	assert.Equal(t, 1, o.Len())
}

func TestOverlayForRange(t *testing.T) {
	o := NewJournalOverlay()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, o.Insert(btree.Extents, 0, extentAt(btree.Pos{Inode: i}, 8)))
	}
	require.NoError(t, o.Insert(btree.Inodes, 0, extentAt(btree.Pos{Inode: 3}, 8)))

	got := o.ForRange(btree.Extents, 0, btree.Pos{Inode: 2}, btree.Pos{Inode: 4})
	require.Len(t, got, 3)
	for i, e := range got {
		assert.EqualValues(t, uint64(i+2), e.Pos.Inode, "sorted by position")
	}
}

func TestOverlayDrain(t *testing.T) {
	o := NewJournalOverlay()
	require.NoError(t, o.Insert(btree.Inodes, 0, extentAt(btree.Pos{Inode: 2}, 8)))
	require.NoError(t, o.Insert(btree.Extents, 1, extentAt(btree.Pos{Inode: 9}, 8)))
	require.NoError(t, o.Delete(btree.Extents, 0, btree.Pos{Inode: 1}))

	got := o.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, btree.Extents, got[0].BtreeID)
	assert.Equal(t, 0, got[0].Level)
	assert.True(t, got[0].Tombstone)
	assert.Equal(t, 1, got[1].Level)
	assert.Equal(t, btree.Inodes, got[2].BtreeID)

	assert.Zero(t, o.Len(), "drain empties the overlay")
}
