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

// Package basis evaluates the polynomial basis used to parameterise the
// normalisation field in the log domain.
package basis

import (
	"fmt"
)

// Highest supported polynomial order
const MaxOrder = 3

// Returns the number of basis terms for a polynomial of the given order:
// 1, 4, 10 or 20 for orders 0 to 3
func NumTerms(order int) int {
	switch order {
	case 0:
		return 1
	case 1:
		return 4
	case 2:
		return 10
	default:
		return 20
	}
}

// A cumulative polynomial basis in three variables. Terms of lower orders come
// first, so the basis of a higher order is a strict superset of the lower ones
type Poly struct {
	Order int
	Terms int
}

// Creates a basis for the given order, which must be in [0,MaxOrder]
func NewPoly(order int) (Poly, error) {
	if order < 0 || order > MaxOrder {
		return Poly{}, fmt.Errorf("polynomial order %d out of range [0,%d]", order, MaxOrder)
	}
	return Poly{Order: order, Terms: NumTerms(order)}, nil
}

// Evaluates the basis at the given physical position into dst, which must hold
// at least p.Terms elements. Returns the filled part of dst
func (p Poly) Eval(pos [3]float64, dst []float64) []float64 {
	x, y, z := pos[0], pos[1], pos[2]
	dst = dst[:p.Terms]
	dst[0] = 1
	if p.Terms < 4 {
		return dst
	}

	dst[1] = x
	dst[2] = y
	dst[3] = z
	if p.Terms < 10 {
		return dst
	}

	dst[4] = x * x
	dst[5] = y * y
	dst[6] = z * z
	dst[7] = x * y
	dst[8] = x * z
	dst[9] = y * z
	if p.Terms < 20 {
		return dst
	}

	dst[10] = x * x * x
	dst[11] = y * y * y
	dst[12] = z * z * z
	dst[13] = x * x * y
	dst[14] = x * x * z
	dst[15] = y * y * x
	dst[16] = y * y * z
	dst[17] = z * z * x
	dst[18] = z * z * y
	dst[19] = x * y * z
	return dst
}

// Returns the dot product of the basis at pos with the given weights.
// The scratch slice must hold at least p.Terms elements
func (p Poly) Dot(pos [3]float64, weights, scratch []float64) float64 {
	b := p.Eval(pos, scratch)
	sum := 0.0
	for i, v := range b {
		sum += v * weights[i]
	}
	return sum
}
