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

package qsort

import (
	"math"
)

// Select kth lowest element from an array of float32, with k counting from 1.
// Partially reorders the array: afterwards all elements left of position k-1
// are less or equal, all elements right of it greater or equal.
// Array must not contain IEEE NaN
func QSelectFloat32(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	for left < right {
		// partition around the middle element
		mid := (left + right) >> 1
		pivot := a[mid]
		l, r := left-1, right+1
		for {
			for {
				l++
				if a[l] >= pivot {
					break
				}
			}
			for {
				r--
				if a[r] <= pivot {
					break
				}
			}
			if l >= r {
				break // index in r
			}
			a[l], a[r] = a[r], a[l]
		}
		index := r

		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k = k - offset
		}
	}
	return a[left]
}

// Select median of an array of float32. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelectMedianFloat32(a []float32) float32 {
	return QSelectFloat32(a, (len(a)>>1)+1)
}

// Zero-based order statistic index for the given fraction of n elements,
// rounded half away from zero and clamped to the valid range
func QuantileIndex(n int, fraction float64) int {
	i := int(math.Round(float64(n) * fraction))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// Returns the lower and upper quartiles of a, i.e. the order statistics at zero-based
// indices round(0.25*n) and round(0.75*n). Uses two partial selections, the second
// restricted to the elements right of the lower quartile. Partially reorders the array.
// Array must not be empty and must not contain IEEE NaN
func QuartilesFloat32(a []float32) (lower, upper float32) {
	n := len(a)
	lowerIdx := QuantileIndex(n, 0.25)
	upperIdx := QuantileIndex(n, 0.75)
	lower = QSelectFloat32(a, lowerIdx+1)
	upper = QSelectFloat32(a[lowerIdx:], upperIdx-lowerIdx+1)
	return lower, upper
}
