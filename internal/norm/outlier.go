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

	"github.com/mlnoga/mtnorm/internal/qsort"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Interquartile range multipliers for outlier rejection
const (
	CoarseOutlierRange = 3.0 // single pass before the first iteration
	FineOutlierRange   = 1.5 // every pass of the balance loop
)

// Acceptance interval for the log of the balanced, field-corrected tissue sum
type Thresholds struct {
	LowerQuartile float32
	UpperQuartile float32
	Lower         float32
	Upper         float32
}

func (t Thresholds) String() string {
	return fmt.Sprintf("quartiles [%.4g, %.4g] thresholds [%.4g, %.4g]",
		t.LowerQuartile, t.UpperQuartile, t.Lower, t.Upper)
}

// Computes log(sum_j factor_j * tissue_j / field) for every voxel of the grid into dst
func SummedLog(dst []float32, tissues [][]float32, fieldImage []float32, factors []float64, threads int) {
	voxel.ParallelFor(len(dst), threads, func(batch, lo, hi int) {
		for i := lo; i < hi; i++ {
			field := float64(fieldImage[i])
			s := 0.0
			for j, t := range tissues {
				s += factors[j] * float64(t[i]) / field
			}
			dst[i] = float32(math.Log(s))
		}
	})
}

// Resets mask to initial, then removes every voxel whose summed log lies outside
// the interquartile fences [Q1-r*(Q3-Q1), Q3+r*(Q3-Q1)] computed over the reset
// mask. The scratch buffer must have room for all voxels of the initial mask.
// Returns the number of voxels remaining in the mask and the thresholds applied
func RejectOutliers(summedLog []float32, initial, mask *voxel.Mask, outlierRange float64,
	scratch []float32, threads int) (numVoxels int, t Thresholds) {
	mask.CopyFrom(initial, threads)

	// gather summed log values of active voxels into contiguous per-batch ranges
	offsets := maskOffsets(mask, threads)
	numVoxels = offsets[len(offsets)-1]
	if numVoxels == 0 {
		return 0, t
	}
	values := scratch[:numVoxels]
	voxel.ParallelFor(len(mask.Data), threads, func(batch, lo, hi int) {
		o := offsets[batch]
		for i := lo; i < hi; i++ {
			if mask.Data[i] {
				values[o] = summedLog[i]
				o++
			}
		}
	})

	t.LowerQuartile, t.UpperQuartile = qsort.QuartilesFloat32(values)
	iqr := t.UpperQuartile - t.LowerQuartile
	t.Lower = t.LowerQuartile - float32(outlierRange)*iqr
	t.Upper = t.UpperQuartile + float32(outlierRange)*iqr

	rejected := voxel.ParallelCount(len(mask.Data), threads, func(lo, hi int) int {
		n := 0
		for i := lo; i < hi; i++ {
			if mask.Data[i] && (summedLog[i] < t.Lower || summedLog[i] > t.Upper) {
				mask.Data[i] = false
				n++
			}
		}
		return n
	})
	return numVoxels - rejected, t
}
