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
	"testing"

	"github.com/valyala/fastrand"
)

// prepare array of given length with a random permutation of 1..n
func permutation(rng *fastrand.RNG, n int) []float32 {
	arr := make([]float32, n)
	for j := 0; j < len(arr); j++ {
		arr[j] = float32(j + 1)
	}
	for j := 0; j < len(arr); j++ {
		k := rng.Uint32n(uint32(len(arr)))
		arr[j], arr[k] = arr[k], arr[j]
	}
	return arr
}

func TestSelect(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 1; i < 300; i++ {
		for _, k := range []int{1, (i + 1) / 2, i} {
			arr := permutation(&rng, i)
			res := QSelectFloat32(arr, k)
			if res != float32(k) {
				t.Errorf("select(1..%d, k=%d) got %f expect %d", i, k, res, k)
			}
			for j := 0; j < k-1; j++ {
				if arr[j] > res {
					t.Errorf("select(1..%d, k=%d) left of pivot arr[%d]=%f", i, k, j, arr[j])
				}
			}
			for j := k; j < i; j++ {
				if arr[j] < res {
					t.Errorf("select(1..%d, k=%d) right of pivot arr[%d]=%f", i, k, j, arr[j])
				}
			}
		}
	}
}

func TestMedianOdd(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 1; i < 500; i += 2 {
		arr := permutation(&rng, i)
		expect := float32((i + 1) / 2)
		if res := QSelectMedianFloat32(arr); res != expect {
			t.Errorf("median(1..%d) got %f expect %f", i, res, expect)
		}
	}
}

type quantileIndexTestCase struct {
	N        int
	Fraction float64
	Index    int
}

func TestQuantileIndex(t *testing.T) {
	tcs := []quantileIndexTestCase{
		{9, 0.25, 2},
		{9, 0.75, 7},
		{10, 0.25, 3}, // 2.5 rounds away from zero
		{10, 0.75, 8},
		{4, 0.25, 1},
		{4, 0.75, 3},
		{2, 0.75, 1}, // round(1.5)=2 is clamped to the last element
		{1, 0.25, 0},
		{1, 0.75, 0},
	}
	for _, tc := range tcs {
		if got := QuantileIndex(tc.N, tc.Fraction); got != tc.Index {
			t.Errorf("QuantileIndex(%d, %g)=%d; want %d", tc.N, tc.Fraction, got, tc.Index)
		}
	}
}

func TestQuartilesNine(t *testing.T) {
	rng := fastrand.RNG{}
	for trial := 0; trial < 50; trial++ {
		arr := permutation(&rng, 9)
		lower, upper := QuartilesFloat32(arr)
		if lower != 3 || upper != 8 {
			t.Errorf("quartiles of %v got (%f, %f) want (3, 8)", arr, lower, upper)
		}
	}
}

func TestQuartilesWithTies(t *testing.T) {
	arr := []float32{5, 5, 5, 5, 5, 5, 5}
	lower, upper := QuartilesFloat32(arr)
	if lower != 5 || upper != 5 {
		t.Errorf("quartiles of constant array got (%f, %f) want (5, 5)", lower, upper)
	}
}
