package gc

import (
	"go.uber.org/zap"

	"github.com/extentfs/gc/btree"
)

// Config collects the orchestrator's tunables and collaborator hooks.
// The zero value is usable; withDefaults fills in the rest.
type Config struct {
	// Logger receives every correction and consistency finding, plus
	// restart and failure notices. Defaults to a no-op logger.
	Logger *zap.Logger

	// RewriteStaleThreshold is the max_stale above which the online
	// sweep unconditionally rewrites a leaf.
	RewriteStaleThreshold uint8

	// AlwaysRewrite additionally rewrites leaves whose max_stale
	// exceeds RewriteAlwaysThreshold. A debug knob.
	AlwaysRewrite          bool
	RewriteAlwaysThreshold uint8

	// GensStaleThreshold is how far a pointer gen may lag its
	// bucket gen before the generation-refresh pass rewrites the
	// extent.
	GensStaleThreshold uint8

	// GensSkip, if set, excludes a btree from the
	// generation-refresh pass beyond btree.ID.NeedsGC.
	GensSkip func(btree.ID) bool

	// MaxPasses bounds how many times a run may restart after
	// repairs mutate gens. Zero selects the default of 2 restarts
	// (three passes total).
	MaxPasses int

	// MergeWindow is how many adjacent siblings the coalescer's
	// sliding window holds.
	MergeWindow int

	// BucketSectors is the fixed device bucket size in sectors;
	// SBSector is the fixed first-copy superblock sector.
	BucketSectors uint64
	SBSector      uint64

	// Periodic paces the GC thread against the write-I/O clock
	// instead of waking only on an explicit kick.
	Periodic bool

	// PeriodicCapacity is the filesystem's total sector capacity;
	// the periodic deadline is last + PeriodicCapacity/16.
	PeriodicCapacity int64

	// DebugRestartGC forces a second pass the first time through,
	// for exercising the restart loop.
	DebugRestartGC bool

	// AllocInfoCompat enables mismatch reporting during an
	// initial-mode reconciliation. Online runs always report.
	AllocInfoCompat bool

	// RebuildReplicas forces every key's replica set to be
	// re-recorded during an initial-mode run.
	RebuildReplicas bool

	// Journal is blocked around reconciliation. Defaults to a
	// no-op.
	Journal Journaler

	// Replicas is the superblock replicas descriptor consulted by
	// the marker in initial mode. Defaults to a no-op that treats
	// every key as described.
	Replicas Replicas

	// NodeCacheSize bounds the resident-node cache the topology
	// checker rehashes repaired children in.
	NodeCacheSize int

	// OnWakeAllocator is called once per device after a run
	// completes.
	OnWakeAllocator func(devID uint32)
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Journal == nil {
		c.Journal = noopJournal{}
	}
	if c.Replicas == nil {
		c.Replicas = noopReplicas{}
	}
	if c.RewriteStaleThreshold == 0 {
		c.RewriteStaleThreshold = 64
	}
	if c.RewriteAlwaysThreshold == 0 {
		c.RewriteAlwaysThreshold = 16
	}
	if c.GensStaleThreshold == 0 {
		c.GensStaleThreshold = 16
	}
	if c.MaxPasses == 0 {
		c.MaxPasses = 2
	}
	if c.MergeWindow == 0 {
		c.MergeWindow = 4
	}
	if c.BucketSectors == 0 {
		c.BucketSectors = 1024
	}
	if c.SBSector == 0 {
		c.SBSector = 8
	}
	if c.NodeCacheSize == 0 {
		c.NodeCacheSize = 512
	}
	return c
}

func (c Config) needsGC(id btree.ID) bool {
	if !id.NeedsGC() {
		return false
	}
	if c.GensSkip != nil && c.GensSkip(id) {
		return false
	}
	return true
}
