package gc

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// GC is the orchestrator: the single entry point that blocks interior
// updates, allocates shadow accounting, runs the marks, loops when a
// repair mutated gens, reconciles, and frees shadow. One GC value
// owns the position cursor, the node cache and the journal-key
// overlay for the lifetime of the filesystem.
type GC struct {
	FS      *FS
	Cfg     Config
	Pos     *Cursor
	Overlay *JournalOverlay
	Cache   *NodeCache

	stateMu sync.Mutex

	// gcMu is the GC lock: write-held for the duration of a full
	// run, read-held by the gens pass and the coalescer.
	gcMu sync.RWMutex

	// markSem stands in for the per-CPU mark rw-semaphore:
	// read-held during per-key marking and allocator-bucket marking
	// so counters stay stable, write-held during reconciliation and
	// shadow setup/teardown. Sized to GOMAXPROCS read slots plus
	// one so a writer drains every reader.
	markSem   *semaphore.Weighted
	markSlots int64
}

// New constructs a GC orchestrator over fs. cfg's zero-valued fields
// get defaults.
func New(fs *FS, cfg Config) *GC {
	cfg = cfg.withDefaults()
	slots := int64(runtime.GOMAXPROCS(0)) + 1
	return &GC{
		FS:        fs,
		Cfg:       cfg,
		Pos:       &Cursor{},
		Overlay:   NewJournalOverlay(),
		Cache:     NewNodeCache(cfg.NodeCacheSize),
		markSem:   semaphore.NewWeighted(slots),
		markSlots: slots,
	}
}

func (g *GC) markReadLock(ctx context.Context) error {
	return g.markSem.Acquire(ctx, 1)
}

func (g *GC) markReadUnlock() {
	g.markSem.Release(1)
}

func (g *GC) markWriteLock(ctx context.Context) error {
	return g.markSem.Acquire(ctx, g.markSlots)
}

func (g *GC) markWriteUnlock() {
	g.markSem.Release(g.markSlots)
}

// Run performs a full mark-and-reconcile pass. initial selects the
// journal-aware, recursive, repairing recovery walk; false is the
// online sweep that runs concurrently with readers.
func (g *GC) Run(ctx context.Context, initial bool) error {
	runID := uuid.New()
	log := g.Cfg.Logger.With(zap.String("run_id", runID.String()), zap.Bool("initial", initial))

	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	g.gcMu.Lock()
	defer g.gcMu.Unlock()

	g.FS.waitInteriorUpdatesDrained()

	sink := newFsckSink(log)
	g.FS.setNeedAnotherGC(false)

	iter := 0
	var err error
again:
	if err = g.markWriteLock(ctx); err != nil {
		return resourceErr("gc: acquire mark_lock (shadow setup)", err)
	}
	allocShadow(g.FS)
	g.markWriteUnlock()

	g.Pos.Set(Pos{Phase: PhaseStart})
	markSuperblocks(g.FS, g.Pos, g.Cfg.BucketSectors, g.Cfg.SBSector)

	if err = g.markReadLock(ctx); err != nil {
		return resourceErr("gc: acquire mark_lock (sweep)", err)
	}
	err = sweepForest(g.FS, &g.Cfg, g.Pos, g.Overlay, g.Cache, sink, initial)
	g.markReadUnlock()
	if err != nil {
		return g.abort(ctx, err)
	}

	if err = g.markReadLock(ctx); err != nil {
		return resourceErr("gc: acquire mark_lock (alloc mark)", err)
	}
	markAllocatorBuckets(g.FS, g.Pos)
	g.markReadUnlock()

	g.FS.gcCount.Add(1)

	if g.FS.NeedAnotherGC() || (iter == 0 && g.Cfg.DebugRestartGC) {
		if iter++; iter <= g.Cfg.MaxPasses {
			log.Info("second GC pass needed, restarting")
			g.FS.setNeedAnotherGC(false)
			g.Pos.Reset()

			if err = g.markWriteLock(ctx); err != nil {
				return resourceErr("gc: acquire mark_lock (shadow free)", err)
			}
			freeShadow(g.FS)
			g.markWriteUnlock()

			sink.Flush()
			goto again
		}

		log.Warn("unable to fix bucket gens, looping")
		return g.abort(ctx, fatalErr("gc", ErrTooManyPasses))
	}

	g.Cfg.Journal.Block()
	if err = g.markWriteLock(ctx); err != nil {
		g.Cfg.Journal.Unblock()
		return resourceErr("gc: acquire mark_lock (gc_done)", err)
	}
	err = gcDone(g.FS, &g.Cfg, sink, initial)
	g.markWriteUnlock()
	g.Cfg.Journal.Unblock()
	if err != nil {
		return g.abort(ctx, err)
	}

	g.Pos.Reset()

	if err = g.markWriteLock(ctx); err != nil {
		return resourceErr("gc: acquire mark_lock (final shadow free)", err)
	}
	freeShadow(g.FS)
	g.markWriteUnlock()

	g.wakeAllocator()
	return nil
}

// abort resets the cursor and frees shadow before returning err, so
// every exit path leaves the filesystem out of GC mode.
func (g *GC) abort(ctx context.Context, err error) error {
	g.Pos.Reset()
	if lerr := g.markWriteLock(ctx); lerr == nil {
		freeShadow(g.FS)
		g.markWriteUnlock()
	}
	return err
}

func (g *GC) wakeAllocator() {
	if g.Cfg.OnWakeAllocator == nil {
		return
	}
	for _, dev := range orderedDevices(g.FS) {
		g.Cfg.OnWakeAllocator(dev.ID)
	}
}

// allocShadow allocates the shadow bucket arrays, stripe table and
// usage counters, seeding bucket gens from live.
func allocShadow(fs *FS) {
	for _, dev := range orderedDevices(fs) {
		dev.Buckets.AllocShadow()
		dev.ShadowUsage = &DeviceUsage{}
	}
	fs.Stripes.AllocShadow()
	fs.Shadow = NewFSUsage()
}

func freeShadow(fs *FS) {
	for _, dev := range orderedDevices(fs) {
		dev.Buckets.FreeShadow()
		dev.ShadowUsage = nil
	}
	fs.Stripes.FreeShadow()
	fs.Shadow = nil
}
