package gc

import (
	"sort"
	"sync"

	"github.com/extentfs/gc/btree"
)

// overlayKey identifies one journal-key overlay slot.
type overlayKey struct {
	btreeID btree.ID
	level   int
	pos     btree.Pos
}

type overlayEntry struct {
	key       btree.Key // nil for a tombstone
	tombstone bool
}

// OverlayEntry is one drained overlay slot, in replay form.
type OverlayEntry struct {
	BtreeID   btree.ID
	Level     int
	Pos       btree.Pos
	Key       btree.Key // nil for a tombstone
	Tombstone bool
}

// JournalOverlay buffers the index mutations GC discovers while
// repairing: a map of (btree, level, pos) to key-or-tombstone,
// append-only for the duration of a run and drained by the recovery
// caller afterward. The journal's own persistence lives elsewhere;
// this is the buffered write-ahead view of it.
type JournalOverlay struct {
	mu      sync.Mutex
	entries map[overlayKey]overlayEntry
}

func NewJournalOverlay() *JournalOverlay {
	return &JournalOverlay{entries: make(map[overlayKey]overlayEntry)}
}

// Insert buffers a rewritten key at (btreeID, level, key.Pos()).
func (o *JournalOverlay) Insert(btreeID btree.ID, level int, key btree.Key) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[overlayKey{btreeID, level, key.Pos()}] = overlayEntry{key: key}
	return nil
}

// Delete buffers a tombstone for pos.
func (o *JournalOverlay) Delete(btreeID btree.ID, level int, pos btree.Pos) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[overlayKey{btreeID, level, pos}] = overlayEntry{tombstone: true}
	return nil
}

// Lookup returns the buffered key and tombstone flag for (btreeID,
// level, pos); the last result is false if nothing is buffered there.
func (o *JournalOverlay) Lookup(btreeID btree.ID, level int, pos btree.Pos) (btree.Key, bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[overlayKey{btreeID, level, pos}]
	if !ok {
		return nil, false, false
	}
	return e.key, e.tombstone, true
}

// ForRange returns the overlay entries for (btreeID, level) whose
// position falls within [min, max], sorted by position, for merging
// with a resident node's keys.
func (o *JournalOverlay) ForRange(btreeID btree.ID, level int, min, max btree.Pos) []struct {
	Pos       btree.Pos
	Key       btree.Key
	Tombstone bool
} {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []struct {
		Pos       btree.Pos
		Key       btree.Key
		Tombstone bool
	}
	for k, e := range o.entries {
		if k.btreeID != btreeID || k.level != level {
			continue
		}
		if k.pos.Less(min) || max.Less(k.pos) {
			continue
		}
		out = append(out, struct {
			Pos       btree.Pos
			Key       btree.Key
			Tombstone bool
		}{k.pos, e.key, e.tombstone})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos.Less(out[j].Pos) })
	return out
}

// Len reports how many entries are currently buffered.
func (o *JournalOverlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Drain removes and returns every buffered entry, sorted by (btree,
// level, pos), for the recovery caller to replay into the index once
// GC returns.
func (o *JournalOverlay) Drain() []OverlayEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OverlayEntry, 0, len(o.entries))
	for k, e := range o.entries {
		out = append(out, OverlayEntry{
			BtreeID: k.btreeID, Level: k.level, Pos: k.pos,
			Key: e.key, Tombstone: e.tombstone,
		})
	}
	o.entries = make(map[overlayKey]overlayEntry)
	sort.Slice(out, func(i, j int) bool {
		if out[i].BtreeID != out[j].BtreeID {
			return out[i].BtreeID < out[j].BtreeID
		}
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Pos.Less(out[j].Pos)
	})
	return out
}
