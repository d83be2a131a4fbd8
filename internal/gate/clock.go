package gate

import "sync/atomic"

// Clock is a monotonic logical clock for trace event ordering.
//
// Every trace event is stamped with a strictly increasing seq number from
// this clock, so ordering in the log is explicit and never depends on
// wall-clock reads. Wall-clock timestamps are still recorded on events for
// audit display, never for ordering.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// though the session's single-step model means one goroutine at a time
// typically calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
