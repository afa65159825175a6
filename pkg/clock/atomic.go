package clock

import (
	"sync/atomic"

	"embeddb/pkg/types"
)

// SeqClock publishes the last committed sequence number to readers.
type SeqClock struct {
	v atomic.Uint64
}

func NewSeqClock(init types.SeqNum) *SeqClock {
	var c SeqClock
	c.Set(init)
	return &c
}

// Val returns the last published sequence.
func (c *SeqClock) Val() types.SeqNum {
	return types.SeqNum(c.v.Load())
}

// Next publishes and returns the following sequence.
func (c *SeqClock) Next() types.SeqNum {
	return types.SeqNum(c.v.Add(1))
}

// Add publishes n more sequence numbers at once, as for a whole batch.
func (c *SeqClock) Add(n uint64) types.SeqNum {
	return types.SeqNum(c.v.Add(n))
}

// Advance moves the clock forward to seq. Earlier values are ignored.
func (c *SeqClock) Advance(seq types.SeqNum) {
	for {
		cur := c.v.Load()
		if uint64(seq) <= cur || c.v.CompareAndSwap(cur, uint64(seq)) {
			return
		}
	}
}

func (c *SeqClock) Set(seq types.SeqNum) {
	c.v.Store(uint64(seq))
}
