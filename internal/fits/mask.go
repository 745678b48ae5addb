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

package fits

import (
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Reads a mask from the given file. A voxel is set where the first volume is
// non-zero and not NaN
func ReadMask(fileName string, logWriter io.Writer) (*voxel.Mask, voxel.Affine, error) {
	vol, affine, err := ReadVolume(fileName, logWriter)
	if err != nil {
		return nil, affine, err
	}
	m := MaskFromVolume(vol)
	fmt.Fprintf(logWriter, "Mask %s has %d of %d voxels set\n", fileName, m.Count(0), vol.Dims.Len())
	return m, affine, nil
}

// Derives a mask from the first frame of a volume
func MaskFromVolume(vol *voxel.Volume) *voxel.Mask {
	m := voxel.NewMask(vol.Dims)
	for i, v := range vol.Frame(0) {
		m.Data[i] = v != 0 && !math.IsNaN(float64(v))
	}
	return m
}

// Converts a mask to a volume with values 0 and 1
func MaskToVolume(m *voxel.Mask) *voxel.Volume {
	vol := voxel.NewVolume(m.Dims, 1)
	for i, v := range m.Data {
		if v {
			vol.Data[i] = 1
		}
	}
	return vol
}
