// Package ioclock is a monotonic counter of write I/O performed,
// rather than wall-clock time, so periodic GC cadence scales with
// actual write volume instead of idle ticks.
package ioclock

import "sync/atomic"

// Clock is a monotonically increasing counter of sectors (or any
// caller-chosen unit) written since the filesystem was mounted.
type Clock struct {
	n atomic.Int64
}

// Advance bumps the clock by delta, as issued I/O completes.
func (c *Clock) Advance(delta int64) {
	c.n.Add(delta)
}

// Now returns the current reading.
func (c *Clock) Now() int64 {
	return c.n.Load()
}

// Reached reports whether the clock has advanced to or past target.
func (c *Clock) Reached(target int64) bool {
	return c.n.Load() >= target
}
