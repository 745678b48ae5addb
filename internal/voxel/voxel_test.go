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

package voxel

import (
	"sync/atomic"
	"testing"

	"github.com/valyala/fastrand"
)

func TestDimsCoordsRoundTrip(t *testing.T) {
	d := Dims{X: 3, Y: 4, Z: 5}
	for i := 0; i < d.Len(); i++ {
		x, y, z := d.Coords(i)
		if got := d.Index(x, y, z); got != i {
			t.Errorf("Index(Coords(%d))=%d", i, got)
		}
	}
	if x, y, z := d.Coords(d.Index(2, 1, 4)); x != 2 || y != 1 || z != 4 {
		t.Errorf("Coords got (%d,%d,%d) expect (2,1,4)", x, y, z)
	}
}

func TestParallelForCoversRange(t *testing.T) {
	for _, tc := range []struct{ n, threads int }{
		{0, 4}, {1, 4}, {7, 1}, {100, 3}, {1000, 8}, {12345, 0},
	} {
		hits := make([]int32, tc.n)
		var calls int32
		ParallelFor(tc.n, tc.threads, func(batch, lo, hi int) {
			atomic.AddInt32(&calls, 1)
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Errorf("n=%d threads=%d item %d visited %d times", tc.n, tc.threads, i, h)
				break
			}
		}
		numBatches, _ := Batches(tc.n, tc.threads)
		if int(calls) != numBatches {
			t.Errorf("n=%d threads=%d got %d calls expect %d", tc.n, tc.threads, calls, numBatches)
		}
	}
}

func TestParallelReductions(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(7)
	data := make([]bool, 9999)
	want := 0
	for i := range data {
		if rng.Uint32n(3) == 0 {
			data[i] = true
			want++
		}
	}
	count := func(lo, hi int) int {
		n := 0
		for _, v := range data[lo:hi] {
			if v {
				n++
			}
		}
		return n
	}
	for _, threads := range []int{1, 2, 5, 16} {
		if got := ParallelCount(len(data), threads, count); got != want {
			t.Errorf("threads=%d count got %d expect %d", threads, got, want)
		}
		offsets := ParallelOffsets(len(data), threads, count)
		if offsets[0] != 0 || offsets[len(offsets)-1] != want {
			t.Errorf("threads=%d offsets start %d end %d", threads, offsets[0], offsets[len(offsets)-1])
		}
		for b := 1; b < len(offsets); b++ {
			if offsets[b] < offsets[b-1] {
				t.Errorf("threads=%d offsets not ascending at %d", threads, b)
			}
		}
		sum := ParallelSum(len(data), threads, func(lo, hi int) float64 { return float64(hi - lo) })
		if sum != float64(len(data)) {
			t.Errorf("threads=%d sum got %g expect %d", threads, sum, len(data))
		}
	}
}

func TestMaskCountAndCopy(t *testing.T) {
	d := Dims{X: 10, Y: 10, Z: 10}
	m := NewMask(d)
	for i := 0; i < d.Len(); i += 3 {
		m.Data[i] = true
	}
	if got := m.Count(4); got != 334 {
		t.Errorf("count got %d expect 334", got)
	}
	c := NewFullMask(d)
	if c.Equal(m) {
		t.Errorf("full mask equals sparse mask")
	}
	c.CopyFrom(m, 4)
	if !c.Equal(m) {
		t.Errorf("copy differs from source")
	}
	if m.Equal(NewMask(Dims{X: 10, Y: 10, Z: 9})) {
		t.Errorf("masks of different dimensions compare equal")
	}
}

func TestVolumeFrames(t *testing.T) {
	vol := NewVolume(Dims{X: 2, Y: 2, Z: 2}, 3)
	vol.Frame(1)[0] = 5
	if vol.Data[8] != 5 {
		t.Errorf("frame 1 does not share memory with volume")
	}
	c := vol.Clone()
	c.Data[8] = 1
	if vol.Data[8] != 5 {
		t.Errorf("clone shares memory with source")
	}
	if v := NewVolume(Dims{X: 1, Y: 1, Z: 1}, 0); v.V != 1 || len(v.Data) != 1 {
		t.Errorf("zero frames got V=%d len=%d", v.V, len(v.Data))
	}
}

func TestAffinePosition(t *testing.T) {
	d := Dims{X: 4, Y: 5, Z: 6}
	id := IdentityAffine()
	if pos := id.Position(d, d.Index(3, 2, 1)); pos != [3]float64{3, 2, 1} {
		t.Errorf("identity got %v", pos)
	}
	a := ScaleOffsetAffine([3]float64{2, 0.5, 3}, [3]float64{-1, 10, 0})
	if pos := a.Position(d, d.Index(3, 2, 1)); pos != [3]float64{5, 11, 3} {
		t.Errorf("scale/offset got %v expect [5 11 3]", pos)
	}
}
