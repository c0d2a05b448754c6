package coding

import (
	"math/big"
	"sort"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
)

// candidate is one received ResultFrame's decoder-facing view: its
// regenerated indicator row and the bookkeeping fields the tie-break
// rules in spec §4.2 sort on.
type candidate struct {
	blockID    uint32
	seed       uint64
	y          int64
	saturated  bool
	arrivalSeq int
}

// Decoder maintains the running reduced row-echelon form over received
// coded blocks' indicator vectors and solves for y = M*x once rank
// reaches m (spec §4.2 "Decoder"). Exact rational arithmetic (math/big)
// is used for the elimination bookkeeping itself so pivot normalization
// never loses precision; the recovered y_i values are themselves exact
// integers (sums/differences of the workers' Q1.31 results) and are cast
// back to fixedpoint.Scalar only once decode succeeds.
type Decoder struct {
	m int

	buffer []candidate

	// cached result of the most recent successful TryDecode, invalidated
	// whenever a new candidate is offered.
	decoded []fixedpoint.Scalar
	rank    int
}

// NewDecoder creates a decoder for an m-dimensional output.
func NewDecoder(m int) *Decoder {
	return &Decoder{m: m}
}

// Offer records a received ResultFrame for cycle c, block k. arrivalSeq
// should be a monotonically increasing counter the caller assigns in
// arrival order within the cycle.
func (d *Decoder) Offer(blockID uint32, seed uint64, y fixedpoint.Scalar, saturated bool, arrivalSeq int) {
	d.buffer = append(d.buffer, candidate{
		blockID:    blockID,
		seed:       seed,
		y:          int64(y),
		saturated:  saturated,
		arrivalSeq: arrivalSeq,
	})
	d.decoded = nil
	d.rank = 0
}

// Rank returns the rank achieved by the most recent TryDecode call.
func (d *Decoder) Rank() int {
	return d.rank
}

// TryDecode re-runs elimination over all buffered candidates in
// tie-break priority order (spec §4.2 "Tie-breaks": the decoder prefers
// a non-saturated basis when available, then lower block id, then
// earliest arrival) and returns the decoded y if rank m was reached.
//
// Elimination is replayed from scratch on every call rather than
// maintained incrementally, because a later-arriving non-saturated
// block can outrank an already-seated saturated one: an incremental
// RREF cannot "unseat" a prior pivot without re-deriving it anyway. This
// cost is per-cycle-bounded (K and m are both small), not a
// per-datagram cost.
func (d *Decoder) TryDecode() ([]fixedpoint.Scalar, bool) {
	ordered := make([]candidate, len(d.buffer))
	copy(ordered, d.buffer)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.saturated != b.saturated {
			return !a.saturated // non-saturated first
		}
		if a.blockID != b.blockID {
			return a.blockID < b.blockID
		}
		return a.arrivalSeq < b.arrivalSeq
	})

	elim := newEliminator(d.m)
	usedSaturated := false

	for _, c := range ordered {
		w := Selector(c.seed, d.m)
		if elim.insert(w, c.y) {
			if c.saturated {
				usedSaturated = true
			}
		}
		if elim.rank == d.m {
			break
		}
	}

	d.rank = elim.rank
	if elim.rank < d.m {
		d.decoded = nil
		return nil, false
	}

	y := elim.solution()
	d.decoded = y
	_ = usedSaturated // computed but not reported to callers
	return y, true
}

// Reset clears all buffered candidates, for reuse across cycles.
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
	d.decoded = nil
	d.rank = 0
}

// eliminator is a full reduced-row-echelon-form tracker over exact
// rationals: pivots[col] is the unique row whose only nonzero pivot-column
// entry is at col, with every other pivot column reduced to zero.
type eliminator struct {
	m      int
	pivots map[int]*elimRow
	rank   int
}

type elimRow struct {
	coeffs []*big.Rat
	y      *big.Rat
}

func newEliminator(m int) *eliminator {
	return &eliminator{m: m, pivots: make(map[int]*elimRow)}
}

// insert reduces (w, y) against the current basis and, if it increases
// rank, seats it as a new pivot and back-substitutes it into the
// existing pivots. Returns whether rank increased.
func (e *eliminator) insert(w []bool, y int64) bool {
	coeffs := make([]*big.Rat, e.m)
	for i, bit := range w {
		if bit {
			coeffs[i] = big.NewRat(1, 1)
		} else {
			coeffs[i] = big.NewRat(0, 1)
		}
	}
	rowY := big.NewRat(y, 1)

	for col, pivot := range e.pivots {
		factor := coeffs[col]
		if factor.Sign() == 0 {
			continue
		}
		factor = new(big.Rat).Set(factor)
		for i := range coeffs {
			coeffs[i] = new(big.Rat).Sub(coeffs[i], new(big.Rat).Mul(factor, pivot.coeffs[i]))
		}
		rowY = new(big.Rat).Sub(rowY, new(big.Rat).Mul(factor, pivot.y))
	}

	pivotCol := -1
	for i, c := range coeffs {
		if c.Sign() != 0 {
			pivotCol = i
			break
		}
	}
	if pivotCol == -1 {
		return false
	}

	lead := coeffs[pivotCol]
	inv := new(big.Rat).Inv(lead)
	for i := range coeffs {
		coeffs[i] = new(big.Rat).Mul(coeffs[i], inv)
	}
	rowY = new(big.Rat).Mul(rowY, inv)

	for _, other := range e.pivots {
		factor := other.coeffs[pivotCol]
		if factor.Sign() == 0 {
			continue
		}
		factor = new(big.Rat).Set(factor)
		for i := range other.coeffs {
			other.coeffs[i] = new(big.Rat).Sub(other.coeffs[i], new(big.Rat).Mul(factor, coeffs[i]))
		}
		other.y = new(big.Rat).Sub(other.y, new(big.Rat).Mul(factor, rowY))
	}

	e.pivots[pivotCol] = &elimRow{coeffs: coeffs, y: rowY}
	e.rank++
	return true
}

// solution returns y_0..y_{m-1} once rank == m, at which point every
// pivot row is exactly a unit vector and y.Num()/y.Denom() must be an
// integer equal to the original Q1.31 raw value.
func (e *eliminator) solution() []fixedpoint.Scalar {
	out := make([]fixedpoint.Scalar, e.m)
	for col, row := range e.pivots {
		if !row.y.IsInt() {
			// Unreachable for a consistent system derived from integer
			// Q1.31 values through exact row operations; guards against
			// a logic error rather than a runtime condition.
			continue
		}
		out[col] = fixedpoint.Scalar(row.y.Num().Int64())
	}
	return out
}
