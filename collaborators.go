package gc

import "github.com/extentfs/gc/btree"

// Journaler is the journal contract the orchestrator consumes: writes
// are blocked around reconciliation so nothing lands while shadow is
// copied into live. Callers that own a real journal wire it in
// through Config.Journal.
type Journaler interface {
	Block()
	Unblock()
	CurSeq() uint64
}

// noopJournal satisfies Journaler when Config.Journal is unset.
type noopJournal struct{}

func (noopJournal) Block()         {}
func (noopJournal) Unblock()       {}
func (noopJournal) CurSeq() uint64 { return 0 }

// Replicas is the superblock replicas-descriptor contract. During an
// initial-mode run the marker records any key whose replica set is
// not yet described in the superblock, so the descriptor stays a
// superset of what the index references.
type Replicas interface {
	Marked(key btree.Key) bool
	Mark(key btree.Key) error
}

// noopReplicas treats every key as already described.
type noopReplicas struct{}

func (noopReplicas) Marked(btree.Key) bool { return true }
func (noopReplicas) Mark(btree.Key) error  { return nil }
