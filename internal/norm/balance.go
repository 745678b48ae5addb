// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package norm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/mlnoga/mtnorm/internal/lsq"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

// A non-positive tissue balance factor was computed
type BalanceFactorError struct {
	Tissue int     // one-based tissue index
	Factor float64 // offending factor value
}

func (e *BalanceFactorError) Error() string {
	return fmt.Sprintf("non-positive tissue balance factor was computed. Tissue index: %d Balance factor: %g Needs to be strictly positive!",
		e.Tissue, e.Factor)
}

// Solves for per-tissue balance factors such that the balanced sum of the
// field-corrected tissues approaches one in every masked voxel. Each masked
// voxel contributes one row holding tissue/field per tissue, with target 1.
// The factors are rescaled to unit geometric mean before returning
func EstimateBalance(tissues [][]float32, fieldImage []float32, mask *voxel.Mask, threads int) ([]float64, error) {
	numTissues := len(tissues)
	if numTissues == 0 {
		return nil, errors.New("no tissues to balance")
	}

	offsets := maskOffsets(mask, threads)
	rows := offsets[len(offsets)-1]
	if rows == 0 {
		return nil, ErrNoValidVoxels
	}
	x, err := lsq.NewDesign(rows, numTissues)
	if err != nil {
		return nil, err
	}
	y := make([]float64, rows)
	for i := range y {
		y[i] = 1
	}

	voxel.ParallelFor(len(mask.Data), threads, func(batch, lo, hi int) {
		row := offsets[batch]
		for i := lo; i < hi; i++ {
			if !mask.Data[i] {
				continue
			}
			r := x.RawRowView(row)
			field := float64(fieldImage[i])
			for j, t := range tissues {
				r[j] = float64(t[i]) / field
			}
			row++
		}
	})

	factors, err := lsq.Solve(x, y)
	if err != nil {
		return nil, fmt.Errorf("solving for tissue balance factors: %w", err)
	}
	if err := NormaliseGeometricMean(factors); err != nil {
		return nil, err
	}
	return factors, nil
}

// Checks all factors are strictly positive, then divides them by their geometric
// mean in place, so the sum of their logarithms is zero
func NormaliseGeometricMean(factors []float64) error {
	logs := make([]float64, len(factors))
	for j, f := range factors {
		if !(f > 0) {
			return &BalanceFactorError{Tissue: j + 1, Factor: f}
		}
		logs[j] = math.Log(f)
	}
	geoMean := math.Exp(floats.Sum(logs) / float64(len(factors)))
	floats.Scale(1/geoMean, factors)
	return nil
}

// Returns per-batch row offsets of the set voxels in the mask, with the total count last
func maskOffsets(mask *voxel.Mask, threads int) []int {
	return voxel.ParallelOffsets(len(mask.Data), threads, func(lo, hi int) int {
		n := 0
		for _, m := range mask.Data[lo:hi] {
			if m {
				n++
			}
		}
		return n
	})
}
