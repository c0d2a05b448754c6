package coding

import (
	"fmt"
	"math"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
)

// RedundancyFactor is rho from spec §4.2, default 0.5.
const RedundancyFactor = 0.5

// BlockCount returns K = ceil(m * (1 + rho)).
func BlockCount(m int, rho float64) int {
	return int(math.Ceil(float64(m) * (1 + rho)))
}

// CombineRow computes M_wk = the componentwise saturating sum of the
// rows of M selected by w_k (spec §4.2), reporting whether any element
// of the combination saturated. This is the "row-combine-then-dot" half
// of worker evaluation; callers then Dot the result against x.
func CombineRow(matrix [][]fixedpoint.Scalar, w []bool) (row []fixedpoint.Scalar, saturated bool, err error) {
	if len(w) != len(matrix) {
		return nil, false, fmt.Errorf("coding: selector length %d != matrix rows %d", len(w), len(matrix))
	}

	n := 0
	if len(matrix) > 0 {
		n = len(matrix[0])
	}
	row = make([]fixedpoint.Scalar, n)

	for i, selected := range w {
		if !selected {
			continue
		}
		if len(matrix[i]) != n {
			return nil, false, fmt.Errorf("coding: matrix row %d width %d != %d", i, len(matrix[i]), n)
		}

		combined, sat, aerr := fixedpoint.AddVecChecked(row, matrix[i])
		if aerr != nil {
			return nil, false, fmt.Errorf("coding: combine row %d: %w", i, aerr)
		}
		row = combined
		saturated = saturated || sat
	}

	return row, saturated, nil
}

// EvaluateBlock performs the full worker-side evaluation for coded
// block k of cycle c against input x (spec §4.2 "Worker evaluation"):
// regenerate w_k, combine the selected rows of M, dot the combination
// against x. Returns the scalar result and the row-combination
// saturation flag reported on the wire (see DESIGN.md for why y_block is
// a scalar, not a width-n vector, despite the literal wire table).
func EvaluateBlock(matrix [][]fixedpoint.Scalar, cycle uint64, blockID uint32, x []fixedpoint.Scalar) (y fixedpoint.Scalar, saturated bool, err error) {
	seedK := DeriveSeed(cycle, blockID)
	w := Selector(seedK, len(matrix))

	row, sat, err := CombineRow(matrix, w)
	if err != nil {
		return 0, false, err
	}

	y, err = fixedpoint.Dot(row, x)
	if err != nil {
		return 0, false, fmt.Errorf("coding: dot block %d: %w", blockID, err)
	}

	return y, sat, nil
}
