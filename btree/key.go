package btree

// Ptr is a device/bucket pointer embedded in a key. Gen stamps the
// bucket generation the pointer was written against; Cached marks a
// pointer that may legitimately go stale without being a consistency
// error.
type Ptr struct {
	Dev          uint32
	BucketOffset uint64
	Gen          uint8
	Cached       bool
}

// StripePtr references a block within an erasure-coded stripe rather
// than a bucket directly.
type StripePtr struct {
	StripeIdx uint64
	Block     uint8
}

// ReflinkPtr references an indirect extent through the reflink btree
// rather than a bucket.
type ReflinkPtr struct {
	Idx     uint64
	Sectors uint32
}

// Type enumerates the tagged key variants.
type Type uint8

const (
	TypeExtent Type = iota
	TypeBtreePtrV1
	TypeBtreePtrV2
	TypeReflinkP
	TypeReflinkV
	TypeStripe
	TypeInode
	TypeDirent
	TypeDeleted
)

// Key is the tagged variant every btree node stores. Concrete kinds
// below (Extent, BtreePtr, Stripe, Inode, Deleted) implement it.
type Key interface {
	Pos() Pos
	Kind() Type
	Pointers() []Ptr
	StripePointers() []StripePtr
	Version() uint64
	// Sectors is the logical length of the data (or, for an
	// interior pointer, the btree node) every pointer in this key
	// addresses.
	Sectors() uint32
	// WithPointers returns a copy of the key with its pointer and
	// stripe-pointer lists replaced.
	WithPointers(ptrs []Ptr, stripePtrs []StripePtr) Key
}

// Extent is a plain data extent: zero or more device pointers and
// zero or more stripe pointers (erasure-coded data), or exactly one
// reflink-indirect pointer.
type Extent struct {
	KeyPos    Pos
	Ver       uint64
	Size      uint32
	Ptrs      []Ptr
	Stripes   []StripePtr
	ReflinkTo *ReflinkPtr // non-nil for a reflink-indirect key
}

func (e Extent) Pos() Pos                    { return e.KeyPos }
func (e Extent) Version() uint64             { return e.Ver }
func (e Extent) Sectors() uint32             { return e.Size }
func (e Extent) Pointers() []Ptr             { return e.Ptrs }
func (e Extent) StripePointers() []StripePtr { return e.Stripes }
func (e Extent) Kind() Type {
	if e.ReflinkTo != nil {
		return TypeReflinkP
	}
	return TypeExtent
}
func (e Extent) WithPointers(ptrs []Ptr, stripes []StripePtr) Key {
	e.Ptrs = ptrs
	e.Stripes = stripes
	return e
}

// BtreePtr is an interior-node pointer. V1 carries no declared
// min_key; V2 does, and is the only variant the topology checker
// range-checks.
type BtreePtr struct {
	KeyPos       Pos
	Ver          uint64
	Ptrs         []Ptr
	V2           bool
	MinKey       Pos // only meaningful when V2
	RangeUpdated bool

	// Child is the in-memory resident child node, nil if not
	// cached. Broken makes FetchChild fail with ErrChildIO.
	Child  *Node
	Broken bool
}

// NodeSectors is the fixed on-disk size of a btree node, used as the
// Sectors() of every interior pointer.
const NodeSectors = 256

func (b BtreePtr) Pos() Pos                    { return b.KeyPos }
func (b BtreePtr) Version() uint64             { return b.Ver }
func (b BtreePtr) Sectors() uint32             { return NodeSectors }
func (b BtreePtr) Pointers() []Ptr             { return b.Ptrs }
func (b BtreePtr) StripePointers() []StripePtr { return nil }
func (b BtreePtr) Kind() Type {
	if b.V2 {
		return TypeBtreePtrV2
	}
	return TypeBtreePtrV1
}
func (b BtreePtr) WithPointers(ptrs []Ptr, _ []StripePtr) Key {
	b.Ptrs = ptrs
	return b
}

// Stripe is an erasure-coded bundle descriptor; it carries no device
// pointers of its own (its blocks are addressed via StripePtr from
// extents) but is tracked with its own live/shadow accounting pair.
type Stripe struct {
	KeyPos         Pos
	Ver            uint64
	Alive          bool
	TotalSectors   uint32
	Algorithm      uint8
	NrBlocks       uint8
	NrRedundant    uint8
	BlockSectors   []uint32
	BlocksNonempty uint8
}

func (s Stripe) Pos() Pos                                { return s.KeyPos }
func (s Stripe) Version() uint64                         { return s.Ver }
func (s Stripe) Sectors() uint32                         { return s.TotalSectors }
func (s Stripe) Pointers() []Ptr                         { return nil }
func (s Stripe) StripePointers() []StripePtr             { return nil }
func (s Stripe) Kind() Type                              { return TypeStripe }
func (s Stripe) WithPointers(_ []Ptr, _ []StripePtr) Key { return s }

// Inode is an inode record. It holds no device pointers; garbage
// collection only counts it toward nr_inodes.
type Inode struct {
	KeyPos Pos
	Ver    uint64
}

func (i Inode) Pos() Pos                                { return i.KeyPos }
func (i Inode) Version() uint64                         { return i.Ver }
func (i Inode) Sectors() uint32                         { return 0 }
func (i Inode) Pointers() []Ptr                         { return nil }
func (i Inode) StripePointers() []StripePtr             { return nil }
func (i Inode) Kind() Type                              { return TypeInode }
func (i Inode) WithPointers(_ []Ptr, _ []StripePtr) Key { return i }

// Deleted is a whiteout left behind by an unflushed deletion. It
// contributes nothing to accounting; the topology checker treats the
// key after a whiteout as starting from the node's min_key.
type Deleted struct {
	KeyPos Pos
}

func (d Deleted) Pos() Pos                                { return d.KeyPos }
func (d Deleted) Version() uint64                         { return 0 }
func (d Deleted) Sectors() uint32                         { return 0 }
func (d Deleted) Pointers() []Ptr                         { return nil }
func (d Deleted) StripePointers() []StripePtr             { return nil }
func (d Deleted) Kind() Type                              { return TypeDeleted }
func (d Deleted) WithPointers(_ []Ptr, _ []StripePtr) Key { return d }
