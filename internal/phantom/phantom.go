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

// Package phantom generates synthetic multi-tissue volumes with known balance
// factors and a known smooth multiplicative bias field, for demos, smoke tests
// and recovery tests of the normaliser.
package phantom

import (
	"fmt"
	"math"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/mtnorm/internal/basis"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Phantom generation parameters
type Params struct {
	Dims           voxel.Dims `json:"dims"`
	Factors        []float64  `json:"factors"`        // true balance factors, one per tissue
	Sum            float64    `json:"sum"`            // true balanced tissue sum before bias
	BiasOrder      int        `json:"biasOrder"`      // polynomial order of the log bias field
	BiasWeights    []float64  `json:"biasWeights"`    // basis weights of the log bias field, zero-padded
	VoxelSize      float64    `json:"voxelSize"`      // isotropic voxel size of the affine
	Noise          float64    `json:"noise"`          // relative noise amplitude, roughly gaussian
	Lesions        int        `json:"lesions"`        // number of spherical outlier regions
	LesionRadius   float64    `json:"lesionRadius"`   // lesion radius in voxels
	LesionContrast float64    `json:"lesionContrast"` // multiplier of the tissue sum inside lesions
	Seed           uint32     `json:"seed"`
}

// Default phantom: two tissues with factors 2 and 0.5, a linear bias along z and mild noise
func DefaultParams() Params {
	return Params{
		Dims:           voxel.Dims{X: 32, Y: 32, Z: 24},
		Factors:        []float64{2, 0.5},
		Sum:            1,
		BiasOrder:      1,
		BiasWeights:    []float64{0, 0, 0, 0.02},
		VoxelSize:      1,
		Noise:          0.01,
		Lesions:        2,
		LesionRadius:   3,
		LesionContrast: 3,
		Seed:           42,
	}
}

// A generated phantom
type Phantom struct {
	Tissues []*voxel.Volume
	Mask    *voxel.Mask
	Affine  voxel.Affine
	Bias    *voxel.Volume // true multiplicative bias field
	Factors []float64
}

// Generates a phantom. Tissue j at a voxel holds sum*p_j*bias/factor_j, where the
// partition p_j varies smoothly in x and y and sums to one over all tissues
func Generate(p Params) (*Phantom, error) {
	if !p.Dims.Valid() {
		return nil, fmt.Errorf("invalid phantom dimensions %v", p.Dims)
	}
	if len(p.Factors) == 0 {
		return nil, fmt.Errorf("phantom needs at least one tissue")
	}
	for j, f := range p.Factors {
		if !(f > 0) {
			return nil, fmt.Errorf("phantom tissue %d has non-positive factor %g", j+1, f)
		}
	}
	poly, err := basis.NewPoly(p.BiasOrder)
	if err != nil {
		return nil, err
	}
	weights := make([]float64, poly.Terms)
	copy(weights, p.BiasWeights)
	voxelSize := p.VoxelSize
	if voxelSize <= 0 {
		voxelSize = 1
	}

	d := p.Dims
	affine := voxel.ScaleOffsetAffine(
		[3]float64{voxelSize, voxelSize, voxelSize},
		[3]float64{-0.5 * voxelSize * float64(d.X-1), -0.5 * voxelSize * float64(d.Y-1), -0.5 * voxelSize * float64(d.Z-1)},
	)
	ph := &Phantom{
		Tissues: make([]*voxel.Volume, len(p.Factors)),
		Mask:    voxel.NewFullMask(d),
		Affine:  affine,
		Bias:    voxel.NewVolume(d, 1),
		Factors: append([]float64(nil), p.Factors...),
	}
	for j := range ph.Tissues {
		ph.Tissues[j] = voxel.NewVolume(d, 1)
	}

	lesion := lesionMap(p)
	rng := fastrand.RNG{}
	rng.Seed(p.Seed)
	scratch := make([]float64, poly.Terms)
	parts := make([]float64, len(p.Factors))
	numTissues := float64(len(p.Factors))
	for i := 0; i < d.Len(); i++ {
		x, y, _ := d.Coords(i)
		bias := math.Exp(poly.Dot(ph.Affine.Position(d, i), weights, scratch))
		ph.Bias.Data[i] = float32(bias)

		sum := 0.0
		for j := range parts {
			phase := 2*math.Pi*(float64(x)/float64(d.X)+0.5*float64(y)/float64(d.Y)) + 2*math.Pi*float64(j)/numTissues
			parts[j] = 1 + 0.8*math.Sin(phase)
			sum += parts[j]
		}

		total := p.Sum * bias
		if lesion[i] {
			total *= p.LesionContrast
		}
		for j, part := range parts {
			v := total * part / sum / p.Factors[j]
			if p.Noise > 0 {
				v *= 1 + p.Noise*gaussish(&rng)
			}
			ph.Tissues[j].Data[i] = float32(v)
		}
	}
	return ph, nil
}

// Returns an approximately standard normal sample, as the scaled sum of four uniforms
func gaussish(rng *fastrand.RNG) float64 {
	const scale = 1 << 24
	s := 0.0
	for k := 0; k < 4; k++ {
		s += float64(rng.Uint32n(scale)) / scale
	}
	return (s - 2) * math.Sqrt(3)
}

// Marks voxels inside randomly placed spherical lesions
func lesionMap(p Params) []bool {
	d := p.Dims
	res := make([]bool, d.Len())
	if p.Lesions <= 0 || p.LesionRadius <= 0 {
		return res
	}
	rng := fastrand.RNG{}
	rng.Seed(p.Seed ^ 0x9e3779b9)
	r2 := p.LesionRadius * p.LesionRadius
	for l := 0; l < p.Lesions; l++ {
		cx := float64(rng.Uint32n(uint32(d.X)))
		cy := float64(rng.Uint32n(uint32(d.Y)))
		cz := float64(rng.Uint32n(uint32(d.Z)))
		for i := range res {
			x, y, z := d.Coords(i)
			dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
			if dx*dx+dy*dy+dz*dz <= r2 {
				res[i] = true
			}
		}
	}
	return res
}
