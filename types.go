package gc

import (
	"sync"
	"sync/atomic"

	"github.com/extentfs/gc/btree"
)

// DataType is the kind of data a bucket currently holds.
type DataType uint8

const (
	Free DataType = iota
	SB
	Journal
	BtreeData
	User
	Cached
	Parity
	numDataTypes
)

func (d DataType) String() string {
	switch d {
	case Free:
		return "free"
	case SB:
		return "sb"
	case Journal:
		return "journal"
	case BtreeData:
		return "btree"
	case User:
		return "user"
	case Cached:
		return "cached"
	case Parity:
		return "parity"
	default:
		return "unknown"
	}
}

// Bucket is the unit of allocation on a device. For any live
// non-cached pointer p into a bucket b, p.Gen == b.Gen; a cached
// pointer with a mismatched gen is implicitly dead. GCGen is scratch
// space for the generation-refresh pass. GenValid is false until the
// alloc btree has confirmed the gen.
type Bucket struct {
	Gen              uint8
	OldestGen        uint8
	GCGen            uint8
	DataType         DataType
	DirtySectors     uint32
	CachedSectors    uint32
	StripeIdx        uint64
	HasStripe        bool
	GenValid         bool
	OwnedByAllocator bool
}

// BucketArray is one device's bucket accounting: the live array plus
// a shadow array of identical dimensions that exists only while a
// full GC run owns it.
type BucketArray struct {
	mu     sync.RWMutex
	Live   []Bucket
	Shadow []Bucket
}

func NewBucketArray(n int) *BucketArray {
	return &BucketArray{Live: make([]Bucket, n)}
}

func (a *BucketArray) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.Live)
}

// AllocShadow allocates the shadow array, seeding each bucket's gen,
// oldest_gen and gen_valid from live. Usage fields start from zero so
// the sweep recomputes them from first principles.
func (a *BucketArray) AllocShadow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Shadow = make([]Bucket, len(a.Live))
	for i, b := range a.Live {
		a.Shadow[i] = Bucket{
			Gen:       b.Gen,
			OldestGen: b.Gen,
			GenValid:  b.GenValid,
		}
	}
}

func (a *BucketArray) FreeShadow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Shadow = nil
}

// WithShadow runs fn with exclusive access to shadow[i].
func (a *BucketArray) WithShadow(i int, fn func(b *Bucket)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.Shadow[i])
}

// WithLive runs fn with exclusive access to live[i].
func (a *BucketArray) WithLive(i int, fn func(b *Bucket)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.Live[i])
}

func (a *BucketArray) ShadowAt(i int) Bucket {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Shadow[i]
}

func (a *BucketArray) LiveAt(i int) Bucket {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Live[i]
}

func (a *BucketArray) SetLive(i int, b Bucket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Live[i] = b
}

// StripeEntry is the accounting view of one erasure-coded stripe.
type StripeEntry struct {
	Alive          bool
	Sectors        uint32
	Algorithm      uint8
	NrBlocks       uint8
	NrRedundant    uint8
	BlockSectors   []uint32
	BlocksNonempty uint8
}

// StripeTable is the filesystem-wide live/shadow pair of stripe
// entries.
type StripeTable struct {
	mu     sync.RWMutex
	Live   map[uint64]*StripeEntry
	Shadow map[uint64]*StripeEntry
}

func NewStripeTable() *StripeTable {
	return &StripeTable{Live: make(map[uint64]*StripeEntry)}
}

func (t *StripeTable) AllocShadow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Shadow = make(map[uint64]*StripeEntry, len(t.Live))
}

func (t *StripeTable) FreeShadow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Shadow = nil
}

// ShadowEntry returns the shadow entry for idx, creating it if
// needed.
func (t *StripeTable) ShadowEntry(idx uint64) *StripeEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.Shadow[idx]
	if !ok {
		e = &StripeEntry{}
		t.Shadow[idx] = e
	}
	return e
}

func (t *StripeTable) LiveEntry(idx uint64) (*StripeEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.Live[idx]
	return e, ok
}

// ShadowIndices returns the stripe indices currently present in the
// shadow table, sorted order not guaranteed.
func (t *StripeTable) ShadowIndices() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint64, 0, len(t.Shadow))
	for idx := range t.Shadow {
		out = append(out, idx)
	}
	return out
}

func (t *StripeTable) SetLive(idx uint64, e StripeEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Live[idx] = &e
}

// numShards is the number of per-CPU-style delta slots live usage
// counters carry. A fixed shard count keeps the fold step
// deterministic.
const numShards = 8

// typeUsage tracks bucket/sector counts for one data type.
type typeUsage struct {
	Buckets    int64
	Sectors    int64
	Fragmented int64
}

// DeviceUsage is one device's usage accounting: a base value plus
// per-shard deltas that ordinary I/O writes and reconciliation folds
// in.
type DeviceUsage struct {
	mu                 sync.RWMutex
	BucketsEC          int64
	BucketsUnavailable int64
	ByType             [numDataTypes]typeUsage

	deltas [numShards]struct {
		mu     sync.Mutex
		byType [numDataTypes]typeUsage
		ec     int64
		unavl  int64
	}
}

// AddDelta applies a delta on the ordinary-I/O fast path; shard is
// chosen by the caller.
func (u *DeviceUsage) AddDelta(shard int, dt DataType, buckets, sectors, fragmented int64) {
	d := &u.deltas[shard%numShards]
	d.mu.Lock()
	d.byType[dt].Buckets += buckets
	d.byType[dt].Sectors += sectors
	d.byType[dt].Fragmented += fragmented
	d.mu.Unlock()
}

// Fold accumulates all per-shard deltas into the base counters.
func (u *DeviceUsage) Fold() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range u.deltas {
		d := &u.deltas[i]
		d.mu.Lock()
		for dt := range d.byType {
			u.ByType[dt].Buckets += d.byType[dt].Buckets
			u.ByType[dt].Sectors += d.byType[dt].Sectors
			u.ByType[dt].Fragmented += d.byType[dt].Fragmented
			d.byType[dt] = typeUsage{}
		}
		u.BucketsEC += d.ec
		u.BucketsUnavailable += d.unavl
		d.ec, d.unavl = 0, 0
		d.mu.Unlock()
	}
}

// DeviceUsageSnapshot is a point-in-time copy of the base counters,
// with no lock state.
type DeviceUsageSnapshot struct {
	BucketsEC          int64
	BucketsUnavailable int64
	ByType             [numDataTypes]typeUsage
}

func (u *DeviceUsage) Snapshot() DeviceUsageSnapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return DeviceUsageSnapshot{
		BucketsEC:          u.BucketsEC,
		BucketsUnavailable: u.BucketsUnavailable,
		ByType:             u.ByType,
	}
}

// ReplicaKey identifies one replicas-usage entry: a data type plus a
// replication width.
type ReplicaKey struct {
	DataType DataType
	Replicas uint8
}

// FSUsage is the filesystem-wide accounting.
type FSUsage struct {
	mu                 sync.RWMutex
	Hidden             int64
	Btree              int64
	Data               int64
	CachedSectors      int64
	Reserved           int64
	NrInodes           int64
	Reflink            int64
	PersistentReserved [8]int64
	Replicas           map[ReplicaKey]int64
}

func NewFSUsage() *FSUsage {
	return &FSUsage{Replicas: make(map[ReplicaKey]int64)}
}

// FSUsageSnapshot is a point-in-time copy of the filesystem totals,
// with no lock state.
type FSUsageSnapshot struct {
	Hidden             int64
	Btree              int64
	Data               int64
	CachedSectors      int64
	Reserved           int64
	NrInodes           int64
	Reflink            int64
	PersistentReserved [8]int64
	Replicas           map[ReplicaKey]int64
}

func (u *FSUsage) Snapshot() FSUsageSnapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := FSUsageSnapshot{
		Hidden: u.Hidden, Btree: u.Btree, Data: u.Data,
		CachedSectors: u.CachedSectors, Reserved: u.Reserved, NrInodes: u.NrInodes,
		Reflink:            u.Reflink,
		PersistentReserved: u.PersistentReserved,
		Replicas:           make(map[ReplicaKey]int64, len(u.Replicas)),
	}
	for k, v := range u.Replicas {
		out.Replicas[k] = v
	}
	return out
}

// OpenBucket is a bucket currently claimed by the allocator for an
// in-flight write but not yet referenced from any btree.
type OpenBucket struct {
	mu           sync.Mutex
	Valid        bool
	Dev          uint32
	BucketOffset uint64
}

func (o *OpenBucket) Snapshot() (dev uint32, bucket uint64, valid bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Dev, o.BucketOffset, o.Valid
}

// Device bundles one member device's bucket array and usage with the
// regions the boundary markers need.
type Device struct {
	ID          uint32
	Buckets     *BucketArray
	Usage       *DeviceUsage
	ShadowUsage *DeviceUsage

	SBOffsets   []uint64
	SBSizeBits  uint
	JournalBkts []uint64

	// FreeInc and FreeReserve are the allocator's incoming-free and
	// per-reserve queues; their membership is marked at the ALLOC
	// phase. Each entry is a bucket number.
	freelistMu  sync.Mutex
	FreeInc     []uint64
	FreeReserve [][]uint64
}

func NewDevice(id uint32, nbuckets int) *Device {
	return &Device{
		ID:      id,
		Buckets: NewBucketArray(nbuckets),
		Usage:   &DeviceUsage{},
	}
}

// SetFreelists replaces the device's free queues under the freelist
// lock.
func (d *Device) SetFreelists(freeInc []uint64, freeReserve [][]uint64) {
	d.freelistMu.Lock()
	defer d.freelistMu.Unlock()
	d.FreeInc = freeInc
	d.FreeReserve = freeReserve
}

func (d *Device) freelistSnapshot() ([]uint64, [][]uint64) {
	d.freelistMu.Lock()
	defer d.freelistMu.Unlock()
	reserves := make([][]uint64, len(d.FreeReserve))
	for i, r := range d.FreeReserve {
		reserves[i] = append([]uint64(nil), r...)
	}
	return append([]uint64(nil), d.FreeInc...), reserves
}

// FS is the filesystem state GC operates on: devices, the btree
// forest, the stripe table and usage.
type FS struct {
	Devices     map[uint32]*Device
	Forest      *btree.Forest
	Stripes     *StripeTable
	Usage       *FSUsage
	Shadow      *FSUsage
	OpenBuckets []*OpenBucket

	KeyVersion uint64

	mu              sync.Mutex
	gcCount         atomic.Int64
	needAnother     atomic.Bool
	needAllocWr     atomic.Bool
	interiorUpdates *sync.WaitGroup
}

func NewFS() *FS {
	return &FS{
		Devices: make(map[uint32]*Device),
		Forest:  btree.NewForest(),
		Stripes: NewStripeTable(),
		Usage:   NewFSUsage(),
	}
}

// SetOpenBuckets installs the filesystem's open-bucket table.
func (fs *FS) SetOpenBuckets(obs []*OpenBucket) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.OpenBuckets = obs
}

func (fs *FS) AddDevice(d *Device) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.Devices[d.ID] = d
}

func (fs *FS) Device(id uint32) (*Device, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, ok := fs.Devices[id]
	return d, ok
}

// SetInteriorUpdates installs the counter of in-flight interior btree
// updates. The orchestrator waits for it to drain before starting a
// pass; nil means there are none to wait for.
func (fs *FS) SetInteriorUpdates(wg *sync.WaitGroup) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.interiorUpdates = wg
}

func (fs *FS) waitInteriorUpdatesDrained() {
	fs.mu.Lock()
	wg := fs.interiorUpdates
	fs.mu.Unlock()
	if wg != nil {
		wg.Wait()
	}
}

func (fs *FS) GCCount() int64 { return fs.gcCount.Load() }

func (fs *FS) setNeedAnotherGC(v bool) { fs.needAnother.Store(v) }
func (fs *FS) NeedAnotherGC() bool     { return fs.needAnother.Load() }

func (fs *FS) setNeedAllocWrite(v bool) { fs.needAllocWr.Store(v) }
func (fs *FS) NeedAllocWrite() bool     { return fs.needAllocWr.Load() }
