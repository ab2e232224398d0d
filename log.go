package gc

import (
	"sync"

	"go.uber.org/zap"
)

// FsckEvent is one consistency finding. Repaired is true when GC
// corrected it in place rather than merely reporting it.
type FsckEvent struct {
	Msg      string
	Repaired bool
	Fields   []zap.Field
}

// FsckSink collects consistency findings for a single GC run, logging
// each as it arrives. The orchestrator flushes buffered findings
// between repair passes so only the final pass's findings survive.
type FsckSink struct {
	log zap.Logger

	mu     sync.Mutex
	events []FsckEvent
}

func newFsckSink(log *zap.Logger) *FsckSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &FsckSink{log: *log}
}

// Report records and logs one finding.
func (s *FsckSink) Report(msg string, repaired bool, fields ...zap.Field) {
	s.mu.Lock()
	s.events = append(s.events, FsckEvent{Msg: msg, Repaired: repaired, Fields: fields})
	s.mu.Unlock()

	lvl := s.log.Warn
	if repaired {
		lvl = s.log.Info
	}
	lvl(msg, append([]zap.Field{zap.Bool("repaired", repaired)}, fields...)...)
}

// Events returns a copy of the findings reported so far.
func (s *FsckSink) Events() []FsckEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FsckEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Flush discards buffered findings.
func (s *FsckSink) Flush() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}
