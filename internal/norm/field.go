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
	"fmt"
	"math"

	"github.com/mlnoga/mtnorm/internal/basis"
	"github.com/mlnoga/mtnorm/internal/lsq"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Fits the basis weights of the log-domain normalisation field. Each masked voxel
// contributes the basis evaluated at its physical position as one row, with target
// log(sum_j factor_j * tissue_j) - logRef
func EstimateField(tissues [][]float32, factors []float64, mask *voxel.Mask, poly basis.Poly,
	transform *voxel.Affine, logRef float64, threads int) ([]float64, error) {
	offsets := maskOffsets(mask, threads)
	rows := offsets[len(offsets)-1]
	if rows == 0 {
		return nil, ErrNoValidVoxels
	}
	x, err := lsq.NewDesign(rows, poly.Terms)
	if err != nil {
		return nil, fmt.Errorf("fitting order %d normalisation field: %w", poly.Order, err)
	}
	y := make([]float64, rows)

	dims := mask.Dims
	voxel.ParallelFor(len(mask.Data), threads, func(batch, lo, hi int) {
		row := offsets[batch]
		for i := lo; i < hi; i++ {
			if !mask.Data[i] {
				continue
			}
			poly.Eval(transform.Position(dims, i), x.RawRowView(row))
			sum := 0.0
			for j, t := range tissues {
				sum += factors[j] * float64(t[i])
			}
			y[row] = math.Log(sum) - logRef
			row++
		}
	})

	weights, err := lsq.Solve(x, y)
	if err != nil {
		return nil, fmt.Errorf("fitting order %d normalisation field: %w", poly.Order, err)
	}
	return weights, nil
}

// Expands the basis weights into the log-domain field and its exponential, for
// every voxel of the grid including those outside the mask
func EvaluateField(fieldLog, fieldImage []float32, dims voxel.Dims, poly basis.Poly,
	transform *voxel.Affine, weights []float64, threads int) {
	voxel.ParallelFor(len(fieldLog), threads, func(batch, lo, hi int) {
		scratch := make([]float64, poly.Terms)
		for i := lo; i < hi; i++ {
			fieldLog[i] = float32(poly.Dot(transform.Position(dims, i), weights, scratch))
		}
	})
	voxel.ParallelFor(len(fieldImage), threads, func(batch, lo, hi int) {
		for i := lo; i < hi; i++ {
			fieldImage[i] = float32(math.Exp(float64(fieldLog[i])))
		}
	})
}
