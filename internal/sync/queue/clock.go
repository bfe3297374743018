package queue

import "sync/atomic"

// Clock hands out strictly increasing millisecond timestamps.
// Wall-clock readings that go backwards or repeat are bumped past the
// last stamp so FIFO order by creation time always matches call order.
// Safe for concurrent use.
type Clock struct {
	last atomic.Int64
}

// NewClockAt creates a clock whose next stamp is greater than start.
// Used to resume after restart from the newest persisted timestamp.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.last.Store(start)
	return c
}

// Stamp returns max(nowMillis, last+1) and records it.
func (c *Clock) Stamp(nowMillis int64) int64 {
	for {
		last := c.last.Load()
		next := nowMillis
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Current returns the last stamp handed out.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
