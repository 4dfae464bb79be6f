// Package clock tracks the realtime budget of each audio block the way the
// teacher's master clock tracked CPU/PPU/APU cycle budgets, generalized from
// a multi-component cycle scheduler to a single block-deadline/xrun counter.
package clock

import "time"

// BlockClock measures how long one RunBlock call actually took against the
// wall-clock budget implied by sampleRate/blockSize, and counts the blocks
// that overran it (an xrun, spod:xrunCount in the module-list properties).
type BlockClock struct {
	sampleRate float64
	blockSize  int
	deadline   time.Duration

	cycle     uint64
	xrunCount uint32
	started   time.Time
}

// NewBlockClock builds a clock for a fixed sample rate and block size; both
// must be re-derived (via Reset) if a driver ever changes them mid-run.
func NewBlockClock(sampleRate float64, blockSize int) *BlockClock {
	return &BlockClock{
		sampleRate: sampleRate,
		blockSize:  blockSize,
		deadline:   time.Duration(float64(blockSize) / sampleRate * float64(time.Second)),
	}
}

// Begin marks the start of one block's processing.
func (c *BlockClock) Begin() {
	c.started = time.Now()
}

// End marks the end of the block started by the last Begin, advances the
// sample cycle counter, and records an xrun if the block ran past its
// realtime deadline. Returns the elapsed wall-clock time.
func (c *BlockClock) End() time.Duration {
	elapsed := time.Since(c.started)
	if elapsed > c.deadline {
		c.xrunCount++
	}
	c.cycle += uint64(c.blockSize)
	return elapsed
}

// Cycle returns the total number of samples processed since the last Reset.
func (c *BlockClock) Cycle() uint64 { return c.cycle }

// XrunCount returns the number of blocks that have overrun their deadline.
func (c *BlockClock) XrunCount() uint32 { return c.xrunCount }

// Reset zeroes the cycle and xrun counters without changing the deadline.
func (c *BlockClock) Reset() {
	c.cycle = 0
	c.xrunCount = 0
}
