package coding

import (
	"testing"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
)

// identityMatrix returns M = I_n scaled so that MatVec(M, x) == x exactly
// would require an exact multiplicative identity, which Q1.31 does not
// have (MaxValue represents 1-2^-31, not 1). Tests below therefore
// compare the decoder's output against the SAME-primitives oracle
// (fixedpoint.MatVec computed directly), not against x itself.
func identityMatrix(n int) [][]fixedpoint.Scalar {
	m := make([][]fixedpoint.Scalar, n)
	for i := range m {
		m[i] = make([]fixedpoint.Scalar, n)
		m[i][i] = fixedpoint.MaxValue
	}
	return m
}

func oracle(t *testing.T, matrix [][]fixedpoint.Scalar, x []fixedpoint.Scalar) []fixedpoint.Scalar {
	t.Helper()
	y, err := fixedpoint.MatVec(matrix, x)
	if err != nil {
		t.Fatalf("oracle MatVec: %v", err)
	}
	return y
}

// TestPureDecode4x4 is seed scenario 1: M = I_4, K = BlockCount(4, 0.5) = 6
// coded blocks produced, 2 dropped, decode from the remaining 4.
func TestPureDecode4x4(t *testing.T) {
	const cycle = uint64(1)
	m := 4
	matrix := identityMatrix(m)
	x := []fixedpoint.Scalar{
		fixedpoint.FromFloat(0.5),
		fixedpoint.FromFloat(-0.25),
		fixedpoint.FromFloat(0.125),
		fixedpoint.FromFloat(-0.0625),
	}
	want := oracle(t, matrix, x)

	k := BlockCount(m, RedundancyFactor)
	if k != 6 {
		t.Fatalf("BlockCount(4, 0.5) = %d, want 6", k)
	}

	// Evaluate all K blocks, then drop two (simulating loss) before
	// offering the rest to the decoder.
	type block struct {
		id        uint32
		seed      uint64
		y         fixedpoint.Scalar
		saturated bool
	}
	blocks := make([]block, 0, k)
	for b := 0; b < k; b++ {
		y, sat, err := EvaluateBlock(matrix, cycle, uint32(b), x)
		if err != nil {
			t.Fatalf("EvaluateBlock(%d): %v", b, err)
		}
		blocks = append(blocks, block{id: uint32(b), seed: DeriveSeed(cycle, uint32(b)), y: y, saturated: sat})
	}

	dec := NewDecoder(m)
	dropped := map[uint32]bool{1: true, 4: true}
	seq := 0
	for _, b := range blocks {
		if dropped[b.id] {
			continue
		}
		dec.Offer(b.id, b.seed, b.y, b.saturated, seq)
		seq++
	}

	got, ok := dec.TryDecode()
	if !ok {
		t.Fatalf("TryDecode failed to reach rank %d (rank=%d)", m, dec.Rank())
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded y[%d] = %d, want %d (oracle)", i, got[i], want[i])
		}
	}
}

// TestStragglerTolerance is seed scenario 2: 8 workers computing against
// an m=16 state, K=24 coded blocks provisioned, one worker's block
// arrives too late to be offered; decode must still succeed from the
// remaining blocks, as long as they carry full rank.
func TestStragglerTolerance(t *testing.T) {
	const cycle = uint64(42)
	m := 16
	matrix := identityMatrix(m)
	x := make([]fixedpoint.Scalar, m)
	for i := range x {
		x[i] = fixedpoint.FromFloat(0.1 * float64(i%5))
	}
	want := oracle(t, matrix, x)

	k := BlockCount(m, RedundancyFactor)
	if k != 24 {
		t.Fatalf("BlockCount(16, 0.5) = %d, want 24", k)
	}

	dec := NewDecoder(m)
	seq := 0
	// Simulate 8 workers each producing 3 of the 24 blocks; worker 7's
	// blocks (21,22,23) arrive past the cycle deadline and are never
	// offered to the decoder.
	stragglerBlocks := map[uint32]bool{21: true, 22: true, 23: true}
	for b := 0; b < k; b++ {
		if stragglerBlocks[uint32(b)] {
			continue
		}
		y, sat, err := EvaluateBlock(matrix, cycle, uint32(b), x)
		if err != nil {
			t.Fatalf("EvaluateBlock(%d): %v", b, err)
		}
		dec.Offer(uint32(b), DeriveSeed(cycle, uint32(b)), y, sat, seq)
		seq++
	}

	got, ok := dec.TryDecode()
	if !ok {
		t.Fatalf("TryDecode failed despite 21/24 prompt blocks (rank=%d, want %d)", dec.Rank(), m)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded y[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestUndecodableEscalation is seed scenario 6: three consecutive cycles
// deliver only m/2 coded blocks (insufficient rank), and the controller
// must escalate to requesting backup assist with a doubled deadline on
// the third miss.
func TestUndecodableEscalation(t *testing.T) {
	const cycle = uint64(7)
	m := 8
	matrix := identityMatrix(m)
	x := make([]fixedpoint.Scalar, m)

	ctl := NewDegradationController()
	var last Degraded

	for round := 0; round < 3; round++ {
		dec := NewDecoder(m)
		for b := 0; b < m/2; b++ {
			y, sat, err := EvaluateBlock(matrix, cycle+uint64(round), uint32(b), x)
			if err != nil {
				t.Fatalf("EvaluateBlock: %v", err)
			}
			dec.Offer(uint32(b), DeriveSeed(cycle+uint64(round), uint32(b)), y, sat, b)
		}
		_, ok := dec.TryDecode()
		if ok {
			t.Fatalf("round %d unexpectedly decoded with only m/2 blocks", round)
		}
		last = ctl.RecordOutcome(false)
	}

	if ctl.ConsecutiveMisses() != 3 {
		t.Fatalf("ConsecutiveMisses = %d, want 3", ctl.ConsecutiveMisses())
	}
	if !last.RequestBackupAssist {
		t.Fatalf("expected backup assist requested after 3 consecutive misses")
	}
	if last.DeadlineMultiplier != 2 {
		t.Fatalf("DeadlineMultiplier = %v, want 2", last.DeadlineMultiplier)
	}
	if last.Halt {
		t.Fatalf("unexpected halt after only 3 misses")
	}

	// Two more misses trip the halt threshold.
	dec := NewDecoder(m)
	for b := 0; b < m/2; b++ {
		y, sat, _ := EvaluateBlock(matrix, cycle+3, uint32(b), x)
		dec.Offer(uint32(b), DeriveSeed(cycle+3, uint32(b)), y, sat, b)
	}
	dec.TryDecode()
	last = ctl.RecordOutcome(false)

	dec2 := NewDecoder(m)
	for b := 0; b < m/2; b++ {
		y, sat, _ := EvaluateBlock(matrix, cycle+4, uint32(b), x)
		dec2.Offer(uint32(b), DeriveSeed(cycle+4, uint32(b)), y, sat, b)
	}
	dec2.TryDecode()
	last = ctl.RecordOutcome(false)

	if !last.Halt {
		t.Fatalf("expected halt after 5 consecutive misses, got %+v", last)
	}
}

func TestDegradationResetsOnSuccess(t *testing.T) {
	ctl := NewDegradationController()
	ctl.RecordOutcome(false)
	ctl.RecordOutcome(false)
	d := ctl.RecordOutcome(true)
	if ctl.ConsecutiveMisses() != 0 {
		t.Fatalf("ConsecutiveMisses = %d, want 0 after success", ctl.ConsecutiveMisses())
	}
	if d.RequestBackupAssist || d.Halt {
		t.Fatalf("unexpected degraded state after successful decode: %+v", d)
	}
}

func TestSelectorNonEmpty(t *testing.T) {
	for seed := uint64(0); seed < 1000; seed++ {
		w := Selector(seed, 4)
		any := false
		for _, b := range w {
			if b {
				any = true
				break
			}
		}
		if !any {
			t.Fatalf("Selector(%d, 4) produced an empty selection", seed)
		}
	}
}

func TestCombineRowDimensionMismatch(t *testing.T) {
	_, _, err := CombineRow(identityMatrix(4), []bool{true, false})
	if err == nil {
		t.Fatalf("expected error for mismatched selector length")
	}
}
