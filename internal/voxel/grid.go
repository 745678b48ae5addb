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

// Package voxel holds the grid types shared by the normalisation core:
// spatial dimensions, float32 volumes with an optional trailing volume axis,
// boolean masks and the voxel-to-physical affine transform.
package voxel

import (
	"fmt"
)

// Spatial dimensions of a voxel grid. X varies fastest in memory, then Y, then Z
type Dims struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

// Number of voxels in the grid
func (d Dims) Len() int { return d.X * d.Y * d.Z }

// Linear offset of the voxel at the given coordinates
func (d Dims) Index(x, y, z int) int { return (z*d.Y+y)*d.X + x }

// Coordinates of the voxel at the given linear offset
func (d Dims) Coords(i int) (x, y, z int) {
	x = i % d.X
	i /= d.X
	return x, i % d.Y, i / d.Y
}

func (d Dims) Valid() bool { return d.X > 0 && d.Y > 0 && d.Z > 0 }

func (d Dims) String() string { return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z) }

// A scalar 3-D volume, or a stack of V such volumes along a trailing fourth axis
type Volume struct {
	Dims Dims
	V    int       // number of volumes along the trailing axis, 1 for a plain 3-D volume
	Data []float32 // voxel data, frame after frame
}

// Creates a zero-filled volume with v frames of the given dimensions
func NewVolume(d Dims, v int) *Volume {
	if v < 1 {
		v = 1
	}
	return &Volume{Dims: d, V: v, Data: make([]float32, d.Len()*v)}
}

// Creates a 3-D volume with every voxel set to val
func NewConstVolume(d Dims, val float32) *Volume {
	vol := NewVolume(d, 1)
	vol.Fill(val)
	return vol
}

// Returns the data of the i-th frame along the trailing axis. Shares memory with the volume
func (vol *Volume) Frame(i int) []float32 {
	l := vol.Dims.Len()
	return vol.Data[i*l : (i+1)*l]
}

// Sets all voxels of all frames to val
func (vol *Volume) Fill(val float32) {
	for i := range vol.Data {
		vol.Data[i] = val
	}
}

// Returns a deep copy of the volume
func (vol *Volume) Clone() *Volume {
	res := &Volume{Dims: vol.Dims, V: vol.V, Data: make([]float32, len(vol.Data))}
	copy(res.Data, vol.Data)
	return res
}

// A boolean 3-D grid marking voxels eligible for fitting
type Mask struct {
	Dims Dims
	Data []bool
}

func NewMask(d Dims) *Mask {
	return &Mask{Dims: d, Data: make([]bool, d.Len())}
}

// Creates a mask with every voxel set
func NewFullMask(d Dims) *Mask {
	m := NewMask(d)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// Overwrites the mask with the contents of src, which must have the same dimensions
func (m *Mask) CopyFrom(src *Mask, threads int) {
	ParallelFor(len(m.Data), threads, func(batch, lo, hi int) {
		copy(m.Data[lo:hi], src.Data[lo:hi])
	})
}

func (m *Mask) Clone() *Mask {
	res := NewMask(m.Dims)
	copy(res.Data, m.Data)
	return res
}

// Counts the set voxels, merging per-batch partial counts after the barrier
func (m *Mask) Count(threads int) int {
	return ParallelCount(len(m.Data), threads, func(lo, hi int) int {
		n := 0
		for _, v := range m.Data[lo:hi] {
			if v {
				n++
			}
		}
		return n
	})
}

// Reports whether both masks have the same dimensions and identical voxels
func (m *Mask) Equal(o *Mask) bool {
	if m.Dims != o.Dims || len(m.Data) != len(o.Data) {
		return false
	}
	for i, v := range m.Data {
		if v != o.Data[i] {
			return false
		}
	}
	return true
}
