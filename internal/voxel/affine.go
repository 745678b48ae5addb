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

// An affine voxel-to-physical transform. Row i holds the coefficients for
// physical coordinate i: pos_i = A[i][0]*x + A[i][1]*y + A[i][2]*z + A[i][3]
type Affine [3][4]float64

func IdentityAffine() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}

// Creates an axis-aligned transform from voxel sizes and the physical position of voxel (0,0,0)
func ScaleOffsetAffine(scale, offset [3]float64) Affine {
	var a Affine
	for i := 0; i < 3; i++ {
		a[i][i] = scale[i]
		a[i][3] = offset[i]
	}
	return a
}

// Maps voxel coordinates to physical coordinates
func (a *Affine) Apply(x, y, z float64) (pos [3]float64) {
	for i := 0; i < 3; i++ {
		pos[i] = a[i][0]*x + a[i][1]*y + a[i][2]*z + a[i][3]
	}
	return pos
}

// Physical position of the voxel at the given linear offset into a grid of dimensions d
func (a *Affine) Position(d Dims, index int) [3]float64 {
	x, y, z := d.Coords(index)
	return a.Apply(float64(x), float64(y), float64(z))
}
