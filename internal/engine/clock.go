package engine

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic logical clock.
//
// Pending mutations are stamped with Next so optimistic entries have a
// total order independent of wall time. Wall time only bounds the
// suppression window and the scroll anchor timeout.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// NowFunc returns the current wall time. Tests substitute a fake.
type NowFunc func() time.Time
