package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForestOrdered(t *testing.T) {
	f := NewForest()
	for _, id := range []ID{Alloc, Extents, Reflink, Inodes} {
		f.Add(NewTree(id, nil))
	}

	var got []ID
	for _, tr := range f.Ordered() {
		got = append(got, tr.ID)
	}
	assert.Equal(t, []ID{Extents, Inodes, Reflink, Alloc}, got)
}

func TestTreeCounters(t *testing.T) {
	n := NewNode(Extents, 0, PosMin, PosMax)
	tr := NewTree(Extents, n)

	tr.Rewrite(n, []Key{Extent{KeyPos: Pos{Inode: 1}}})
	require.Len(t, n.Keys, 1)
	assert.Equal(t, 1, tr.Rewrites())

	tr.Free(n)
	assert.Equal(t, 1, tr.Frees())
}

func TestSixLockSeq(t *testing.T) {
	l := &SixLock{}
	s0 := l.Seq()

	l.Lock(Read)
	l.Unlock(Read)
	assert.Equal(t, s0, l.Seq(), "read cycles leave seq alone")

	l.Lock(Write)
	l.Unlock(Write)
	assert.Equal(t, s0+1, l.Seq())

	l.Lock(Intent)
	l.Unlock(Intent)
	assert.Equal(t, s0+1, l.Seq())
}
