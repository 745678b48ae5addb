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

// Package lsq solves linear least squares problems via the normal equations.
package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Returned when the normal equations matrix X'X cannot be Cholesky factorized,
// typically because the design is rank deficient
var ErrNotPositiveDefinite = errors.New("normal equations matrix is not positive definite")

// Allocates a design matrix with the given number of sample rows and parameter columns.
// Rows can be filled concurrently via RawRowView, one writer per row
func NewDesign(rows, cols int) (*mat.Dense, error) {
	if rows < cols || cols <= 0 {
		return nil, fmt.Errorf("%w: %d samples for %d parameters", ErrNotPositiveDefinite, rows, cols)
	}
	return mat.NewDense(rows, cols, nil), nil
}

// Solves X*beta=y in the least squares sense, via a Cholesky factorization of
// the normal equations (X'X) beta = X'y. Poor conditioning is tolerated, only
// a failed factorization is an error
func Solve(x *mat.Dense, y []float64) (beta []float64, err error) {
	rows, cols := x.Dims()
	if len(y) != rows {
		return nil, fmt.Errorf("target vector has %d entries for %d rows", len(y), rows)
	}
	if rows < cols {
		return nil, fmt.Errorf("%w: %d samples for %d parameters", ErrNotPositiveDefinite, rows, cols)
	}

	xtx := mat.NewSymDense(cols, nil)
	xtx.SymOuterK(1, x.T())
	xty := mat.NewVecDense(cols, nil)
	xty.MulVec(x.T(), mat.NewVecDense(rows, y))

	var chol mat.Cholesky
	if ok := chol.Factorize(xtx); !ok {
		return nil, ErrNotPositiveDefinite
	}
	res := mat.NewVecDense(cols, nil)
	if err := chol.SolveVecTo(res, xty); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}

	beta = make([]float64, cols)
	for i := range beta {
		beta[i] = res.AtVec(i)
		if math.IsNaN(beta[i]) {
			return nil, ErrNotPositiveDefinite
		}
	}
	return beta, nil
}

// Returns the root mean square residual of X*beta against y
func RMSResidual(x *mat.Dense, y, beta []float64) float64 {
	rows, _ := x.Dims()
	if rows == 0 {
		return 0
	}
	pred := mat.NewVecDense(rows, nil)
	pred.MulVec(x, mat.NewVecDense(len(beta), beta))
	resid := make([]float64, rows)
	floats.SubTo(resid, y, pred.RawVector().Data)
	return floats.Norm(resid, 2) / math.Sqrt(float64(rows))
}
