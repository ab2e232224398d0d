package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/extentfs/gc/ioclock"
)

// Thread is the periodic driver: a long-lived goroutine that
// alternates between sleep and running the generation-refresh pass.
// It wakes when the external kick counter changes, or, in periodic
// mode, when the write-I/O clock has advanced a sixteenth of the
// filesystem's capacity past the last run.
type Thread struct {
	gc    *GC
	clock *ioclock.Clock
	kick  atomic.Int64

	// RunFullGC, if set, is called instead of Gens on each wake.
	// Full GC from this loop stays opt-in; it cannot yet coexist
	// with the btree key cache.
	RunFullGC func(ctx context.Context) error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewThread constructs the periodic driver over gc, paced against
// clock.
func NewThread(gc *GC, clock *ioclock.Clock) *Thread {
	return &Thread{
		gc:     gc,
		clock:  clock,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Kick requests an immediate wake.
func (th *Thread) Kick() {
	th.kick.Add(1)
}

// Start runs the thread loop in a new goroutine. The kick and clock
// baselines are sampled before the goroutine starts, so a Kick issued
// right after Start is observed.
func (th *Thread) Start() {
	lastKick := th.kick.Load()
	var lastClock int64
	if th.clock != nil {
		lastClock = th.clock.Now()
	}
	go th.run(lastClock, lastKick)
}

// Stop requests the loop exit and waits for it to do so.
func (th *Thread) Stop() {
	th.stopOnce.Do(func() { close(th.stopCh) })
	<-th.doneCh
}

func (th *Thread) run(lastClock, lastKick int64) {
	defer close(th.doneCh)

	log := th.gc.Cfg.Logger

	for {
		if !th.waitForWake(&lastClock, &lastKick) {
			return
		}

		ctx := context.Background()
		var err error
		if th.RunFullGC != nil {
			err = th.RunFullGC(ctx)
		} else {
			err = th.gc.Gens(ctx)
		}
		if err != nil {
			log.Error("btree gc failed", zap.Error(err))
		}
	}
}

// waitForWake blocks until a kick, a periodic deadline, or Stop;
// returns false if Stop fired. On a wake it resamples the clock and
// kick counter as the new baseline.
func (th *Thread) waitForWake(lastClock *int64, lastKick *int64) bool {
	const pollInterval = 10 * time.Millisecond

	for {
		select {
		case <-th.stopCh:
			return false
		default:
		}

		if k := th.kick.Load(); k != *lastKick {
			*lastKick = k
			if th.clock != nil {
				*lastClock = th.clock.Now()
			}
			return true
		}

		if th.gc.Cfg.Periodic && th.clock != nil {
			next := *lastClock + th.gc.Cfg.PeriodicCapacity/16
			if th.clock.Reached(next) {
				*lastClock = th.clock.Now()
				*lastKick = th.kick.Load()
				return true
			}
		}

		select {
		case <-th.stopCh:
			return false
		case <-time.After(pollInterval):
		}
	}
}
