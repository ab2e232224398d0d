package btree

// ID identifies one of the forest's btrees.
type ID uint8

const (
	Extents ID = iota
	Inodes
	Dirents
	Xattrs
	Alloc
	Quotas
	StripesTree
	Reflink
	Subvolumes
	Snapshots
	LRU
	Freespace
	BucketGens
	NumIDs
)

var idNames = [NumIDs]string{
	Extents:     "extents",
	Inodes:      "inodes",
	Dirents:     "dirents",
	Xattrs:      "xattrs",
	Alloc:       "alloc",
	Quotas:      "quotas",
	StripesTree: "stripes",
	Reflink:     "reflink",
	Subvolumes:  "subvolumes",
	Snapshots:   "snapshots",
	LRU:         "lru",
	Freespace:   "freespace",
	BucketGens:  "bucket_gens",
}

func (id ID) String() string {
	if id < NumIDs {
		return idNames[id]
	}
	return "unknown"
}

// gcPhase orders btrees for a sweep. Lower runs earlier. Extents and
// inodes, which dominate accounting, run first; alloc-adjacent
// bookkeeping trees run last.
var gcPhase = [NumIDs]int{
	Extents:     0,
	Inodes:      1,
	Dirents:     2,
	Xattrs:      3,
	StripesTree: 4,
	Reflink:     5,
	Subvolumes:  6,
	Snapshots:   7,
	Quotas:      8,
	LRU:         9,
	Alloc:       10,
	Freespace:   11,
	BucketGens:  12,
}

func (id ID) GCPhase() int { return gcPhase[id] }

// NeedsGC reports whether this btree's keys contribute device/bucket
// pointers and so must be walked by the generation-refresh pass.
// Purely bookkeeping btrees (alloc, freespace, bucket gens, LRU,
// quotas) hold no pointers into buckets and are skipped.
func (id ID) NeedsGC() bool {
	switch id {
	case Extents, Inodes, Dirents, StripesTree, Reflink:
		return true
	default:
		return false
	}
}

// All returns every btree ID in numeric order.
func All() []ID {
	ids := make([]ID, 0, NumIDs)
	for i := ID(0); i < NumIDs; i++ {
		ids = append(ids, i)
	}
	return ids
}
