package aggregator

import (
	"time"

	"github.com/clemsix6/control-fabric/internal/coding"
	"github.com/clemsix6/control-fabric/internal/fixedpoint"
)

// CycleState is the per-cycle working set: the decoder accumulating
// ResultFrames, the deadline, the (block_id, seed) pairs dispatched this
// cycle, and the arrival counter assigned to each accepted ResultFrame.
type CycleState struct {
	Cycle    uint64
	Deadline time.Time
	Decoder  *coding.Decoder

	nextSeq  int
	expected map[uint32]uint64 // block_id -> seed, for validating ResultFrames
}

// NewCycleState opens cycle c against an m-dimensional output, with the
// given deadline.
func NewCycleState(cycle uint64, m int, deadline time.Time) *CycleState {
	return &CycleState{
		Cycle:    cycle,
		Deadline: deadline,
		Decoder:  coding.NewDecoder(m),
		expected: make(map[uint32]uint64),
	}
}

// ExpectBlock records that block_id was dispatched with the given seed,
// so a later ResultFrame can be cross-checked and assigned an arrival
// sequence.
func (c *CycleState) ExpectBlock(blockID uint32, seed uint64) {
	c.expected[blockID] = seed
}

// RecordLateArrival reports whether (blockID, seed) matches a block
// this cycle actually dispatched. Used on a frame whose cycle number is
// exactly one behind the current cycle: spec §3 invariant "cycle ==
// current_cycle - 1 is recorded for post-hoc metrics but not decoded".
// The caller never feeds the matching payload into c.Decoder, since
// this CycleState has already been closed and superseded.
func (c *CycleState) RecordLateArrival(blockID uint32, seed uint64) bool {
	want, ok := c.expected[blockID]
	return ok && want == seed
}

// OfferResult feeds a received ResultFrame into the decoder if it
// matches a dispatched block's seed for this cycle (spec §4.2 "the
// worker never needs w_k explicitly", but the aggregator still checks
// the seed it handed out matches what comes back, guarding against a
// cross-cycle-stale or forged frame).
func (c *CycleState) OfferResult(blockID uint32, seed uint64, y fixedpoint.Scalar, saturated bool) bool {
	want, ok := c.expected[blockID]
	if !ok || want != seed {
		return false
	}
	c.Decoder.Offer(blockID, seed, y, saturated, c.nextSeq)
	c.nextSeq++
	return true
}
