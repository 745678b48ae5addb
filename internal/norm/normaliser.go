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

// Package norm implements multi-tissue log-domain intensity normalisation.
// It jointly estimates a smooth multiplicative normalisation field and per-tissue
// balance factors, so that the balanced sum of the corrected tissue volumes
// approaches a reference value within the mask. Outliers are pruned from the mask
// with interquartile fences as the estimate improves.
package norm

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/mtnorm/internal/basis"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

const (
	DefaultOrder      = 3
	DefaultIterations = 15
	DefaultReference  = 0.28209479177 // SH DC term for unit angular integral

	MaxBalanceIterations = 7
)

var (
	ErrNoValidVoxels = errors.New("Mask contains no valid voxels")
	ErrInvalidInput  = errors.New("invalid normalisation input")
)

// Parameters of a normalisation run
type Params struct {
	Order      int     `json:"order"`      // polynomial order of the log-domain field, 0..3
	Iterations int     `json:"niter"`      // number of outer iterations
	Reference  float64 `json:"value"`      // target value of the balanced tissue sum
	Threads    int     `json:"maxThreads"` // parallelism for voxel passes, <=0 for all CPUs
	Verbose    bool    `json:"verbose"`    // log per-pass detail
}

func DefaultParams() Params {
	return Params{
		Order:      DefaultOrder,
		Iterations: DefaultIterations,
		Reference:  DefaultReference,
	}
}

func (p Params) Validate() error {
	if p.Order < 0 || p.Order > basis.MaxOrder {
		return fmt.Errorf("%w: polynomial order %d out of range [0,%d]", ErrInvalidInput, p.Order, basis.MaxOrder)
	}
	if p.Iterations < 1 {
		return fmt.Errorf("%w: number of iterations %d must be at least 1", ErrInvalidInput, p.Iterations)
	}
	if !(p.Reference > 0) || math.IsInf(p.Reference, 0) {
		return fmt.Errorf("%w: reference value %g must be positive and finite", ErrInvalidInput, p.Reference)
	}
	return nil
}

// Inputs to a normalisation run. Tissues may be 4-D; only their first frame is used for fitting
type Input struct {
	Tissues   []*voxel.Volume
	Mask      *voxel.Mask // nil selects all voxels
	Transform voxel.Affine
}

// Outcome of a normalisation run
type Result struct {
	Dims              voxel.Dims
	FieldImage        *voxel.Volume // multiplicative normalisation field
	FieldLog          *voxel.Volume // its logarithm
	Mask              *voxel.Mask   // final outlier-free mask
	NumVoxels         int           // voxels in the final mask
	BalanceFactors    []float64
	Weights           []float64 // basis weights of the log-domain field
	LogNormScale      float64   // exp of the mean log field over the final mask
	BalanceIterations []int     // balance passes performed per outer iteration
}

// Estimator state for one normalisation problem. All scratch grids are allocated
// once in New and reused across runs
type Normaliser struct {
	params    Params
	poly      basis.Poly
	log       io.Writer
	threads   int
	dims      voxel.Dims
	transform voxel.Affine
	logRef    float64

	tissues     [][]float32 // non-negative first frame of each tissue
	initialMask *voxel.Mask
	mask        *voxel.Mask
	prevMask    *voxel.Mask
	summedLog   []float32
	scratch     []float32
	fieldLog    []float32
	fieldImage  []float32

	balance   []float64
	weights   []float64
	numVoxels int
}

// Validates inputs and parameters, and prepares the clamped tissue data and initial
// mask. The initial mask holds voxels set in the input mask where the sum of the
// unclamped tissues is finite and strictly positive
func New(in Input, p Params, log io.Writer) (*Normaliser, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(in.Tissues) == 0 {
		return nil, fmt.Errorf("%w: no tissue volumes", ErrInvalidInput)
	}
	dims := in.Tissues[0].Dims
	if !dims.Valid() {
		return nil, fmt.Errorf("%w: invalid volume dimensions %v", ErrInvalidInput, dims)
	}
	for j, t := range in.Tissues {
		if t.Dims != dims || len(t.Data) < dims.Len() {
			return nil, fmt.Errorf("%w: tissue %d has dimensions %v, expected %v", ErrInvalidInput, j+1, t.Dims, dims)
		}
	}
	if in.Mask != nil && in.Mask.Dims != dims {
		return nil, fmt.Errorf("%w: mask has dimensions %v, expected %v", ErrInvalidInput, in.Mask.Dims, dims)
	}
	poly, err := basis.NewPoly(p.Order)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}
	if log == nil {
		log = io.Discard
	}

	l := dims.Len()
	n := &Normaliser{
		params:      p,
		poly:        poly,
		log:         log,
		threads:     voxel.Threads(p.Threads),
		dims:        dims,
		transform:   in.Transform,
		logRef:      math.Log(p.Reference),
		tissues:     make([][]float32, len(in.Tissues)),
		initialMask: voxel.NewMask(dims),
		mask:        voxel.NewMask(dims),
		prevMask:    voxel.NewMask(dims),
		summedLog:   make([]float32, l),
		fieldLog:    make([]float32, l),
		fieldImage:  make([]float32, l),
		balance:     make([]float64, len(in.Tissues)),
	}
	n.prepare(in)

	n.mask.CopyFrom(n.initialMask, n.threads)
	n.numVoxels = n.mask.Count(n.threads)
	if n.numVoxels == 0 {
		return nil, ErrNoValidVoxels
	}
	n.scratch = make([]float32, n.numVoxels)
	return n, nil
}

// Builds the zero-clamped tissue data and refines the input mask
func (n *Normaliser) prepare(in Input) {
	l := n.dims.Len()
	for j := range n.tissues {
		n.tissues[j] = make([]float32, l)
	}
	voxel.ParallelFor(l, n.threads, func(batch, lo, hi int) {
		for i := lo; i < hi; i++ {
			sum := float32(0)
			for j, t := range in.Tissues {
				v := t.Data[i]
				sum += v
				if v < 0 {
					v = 0
				}
				n.tissues[j][i] = v
			}
			inMask := in.Mask == nil || in.Mask.Data[i]
			finite := !math.IsNaN(float64(sum)) && !math.IsInf(float64(sum), 0)
			n.initialMask.Data[i] = finite && sum > 0 && inMask
		}
	})
}

func (n *Normaliser) NumTissues() int { return len(n.tissues) }

func (n *Normaliser) Dims() voxel.Dims { return n.dims }

// Voxels in the initial mask
func (n *Normaliser) InitialVoxels() int { return n.initialMask.Count(n.threads) }

// Restores the neutral starting state: unit field, unit balance factors, initial mask
func (n *Normaliser) reset() {
	voxel.ParallelFor(len(n.fieldImage), n.threads, func(batch, lo, hi int) {
		for i := lo; i < hi; i++ {
			n.fieldImage[i] = 1
			n.fieldLog[i] = 0
		}
	})
	for j := range n.balance {
		n.balance[j] = 1
	}
	n.weights = nil
	n.mask.CopyFrom(n.initialMask, n.threads)
	n.numVoxels = n.mask.Count(n.threads)
}

// Recomputes the summed log with the current factors and field, and prunes outliers
func (n *Normaliser) rejectOutliers(outlierRange float64) {
	SummedLog(n.summedLog, n.tissues, n.fieldImage, n.balance, n.threads)
	var t Thresholds
	n.numVoxels, t = RejectOutliers(n.summedLog, n.initialMask, n.mask, outlierRange, n.scratch, n.threads)
	if n.params.Verbose {
		fmt.Fprintf(n.log, "Outlier rejection with range %.1f: %v, %d voxels remain\n", outlierRange, t, n.numVoxels)
	}
}

// Runs the full estimation: a coarse outlier rejection, then a fixed number of
// outer iterations, each consisting of a balance loop with outlier rejection
// that ends early once the mask is stable, followed by a field fit.
// Any error aborts the run and no result is returned
func (n *Normaliser) Run() (*Result, error) {
	n.reset()
	if n.numVoxels == 0 {
		return nil, ErrNoValidVoxels
	}

	n.rejectOutliers(CoarseOutlierRange)
	n.prevMask.CopyFrom(n.mask, n.threads)

	balanceIterations := make([]int, 0, n.params.Iterations)
	for iter := 1; iter <= n.params.Iterations; iter++ {
		fmt.Fprintf(n.log, "Iteration: %d\n", iter)

		balanceIter, converged := 0, false
		for !converged && balanceIter < MaxBalanceIterations {
			balanceIter++
			if n.params.Verbose {
				fmt.Fprintf(n.log, "Balance and outlier rejection iteration %d starts.\n", balanceIter)
			}
			if len(n.tissues) > 1 {
				factors, err := EstimateBalance(n.tissues, n.fieldImage, n.mask, n.threads)
				if err != nil {
					return nil, err
				}
				copy(n.balance, factors)
			}
			fmt.Fprintf(n.log, "Balance factors (%d): %v\n", balanceIter, formatFactors(n.balance))

			n.rejectOutliers(FineOutlierRange)
			if n.numVoxels == 0 {
				return nil, ErrNoValidVoxels
			}

			converged = n.mask.Equal(n.prevMask)
			n.prevMask.CopyFrom(n.mask, n.threads)
		}
		if !converged && n.params.Verbose {
			fmt.Fprintf(n.log, "Balance loop did not converge after %d passes, continuing with %d voxels\n",
				balanceIter, n.numVoxels)
		}
		balanceIterations = append(balanceIterations, balanceIter)

		weights, err := EstimateField(n.tissues, n.balance, n.mask, n.poly, &n.transform, n.logRef, n.threads)
		if err != nil {
			return nil, err
		}
		n.weights = weights
		EvaluateField(n.fieldLog, n.fieldImage, n.dims, n.poly, &n.transform, n.weights, n.threads)
	}

	return n.result(balanceIterations), nil
}

// Snapshots the current state into a result, decoupled from the scratch grids
func (n *Normaliser) result(balanceIterations []int) *Result {
	fieldImage := voxel.NewVolume(n.dims, 1)
	copy(fieldImage.Data, n.fieldImage)
	fieldLog := voxel.NewVolume(n.dims, 1)
	copy(fieldLog.Data, n.fieldLog)

	res := &Result{
		Dims:              n.dims,
		FieldImage:        fieldImage,
		FieldLog:          fieldLog,
		Mask:              n.mask.Clone(),
		NumVoxels:         n.numVoxels,
		BalanceFactors:    append([]float64(nil), n.balance...),
		Weights:           append([]float64(nil), n.weights...),
		BalanceIterations: balanceIterations,
	}
	res.LogNormScale = LogNormScale(res.FieldLog.Data, res.Mask, n.threads)
	return res
}

// Geometric mean of the normalisation field over the mask, i.e. exp of the mean log field
func LogNormScale(fieldLog []float32, mask *voxel.Mask, threads int) float64 {
	count := mask.Count(threads)
	if count == 0 {
		return 1
	}
	sum := voxel.ParallelSum(len(fieldLog), threads, func(lo, hi int) float64 {
		s := 0.0
		for i := lo; i < hi; i++ {
			if mask.Data[i] {
				s += float64(fieldLog[i])
			}
		}
		return s
	})
	return math.Exp(sum / float64(count))
}

// Normalises the j-th input tissue: max(input,0) * multiplier / field, applied to every
// frame of a 4-D input. The multiplier is the tissue's balance factor if balanced, else 1
func (r *Result) Apply(tissue *voxel.Volume, j int, balanced bool, threads int) *voxel.Volume {
	mult := 1.0
	if balanced {
		mult = r.BalanceFactors[j]
	}
	out := voxel.NewVolume(tissue.Dims, tissue.V)
	field := r.FieldImage.Data
	l := r.Dims.Len()
	voxel.ParallelFor(len(out.Data), threads, func(batch, lo, hi int) {
		for i := lo; i < hi; i++ {
			v := tissue.Data[i]
			if v < 0 {
				v = 0
			}
			out.Data[i] = float32(float64(v) * mult / float64(field[i%l]))
		}
	})
	return out
}

// Approximate number of bytes of scratch memory a run needs for the given problem size
func EstimateMemory(dims voxel.Dims, numTissues, order int) int64 {
	l := int64(dims.Len())
	cols := int64(basis.NumTerms(order))
	if int64(numTissues) > cols {
		cols = int64(numTissues)
	}
	grids := l * 4 * int64(numTissues+4) // clamped tissues, summed log, scratch, two fields
	masks := l * 3
	design := l * 8 * (cols + 1) // design matrix and target vector at full mask size
	return grids + masks + design
}

func formatFactors(factors []float64) string {
	s := "["
	for j, f := range factors {
		if j > 0 {
			s += " "
		}
		s += fmt.Sprintf("%.6g", f)
	}
	return s + "]"
}
