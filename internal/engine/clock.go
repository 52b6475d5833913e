package engine

import "sync/atomic"

// Clock is a monotonic logical clock. Every applied snapshot is stamped with
// the next value, so a later MirrorState always carries a larger Version,
// across all mirrors of one engine.
//
// Thread-safety: Clock is safe for concurrent use. In practice only the Run
// loop calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
