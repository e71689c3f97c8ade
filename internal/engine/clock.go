package engine

import "sync/atomic"

// Clock is a monotonic logical clock stamping reconciliation outcomes.
//
// Every outcome carries a strictly increasing seq, which makes ordered
// processing observable: if outcome A has a lower seq than outcome B, the
// engine finished A's store mutations before starting B.
//
// Thread-safety: safe for concurrent use (atomic operations), though the
// engine's single-consumer design means only the Run goroutine calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0; the first Next returns 1.
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
