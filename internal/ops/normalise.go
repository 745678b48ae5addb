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

package ops

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mlnoga/mtnorm/internal/fits"
	"github.com/mlnoga/mtnorm/internal/norm"
	"github.com/mlnoga/mtnorm/internal/preview"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Header keys carrying provenance of normalised outputs
const (
	KeyLogNormScale   = "LNSCALE"
	KeyLogNormBalance = "LNBALANC"
)

// Returned when an output file exists and overwriting was not requested
var ErrOutputExists = errors.New("output file exists")

// Normalises a set of tissue volumes and writes the corrected volumes
type OpNormalise struct {
	OpBase
	Inputs       []string `json:"inputs"`
	Outputs      []string `json:"outputs"`
	Mask         string   `json:"mask"`         // mask file, empty for all voxels
	Order        int      `json:"order"`        // polynomial order of the log-domain field
	Iterations   int      `json:"niter"`        // number of outer iterations
	Reference    float64  `json:"value"`        // reference value of the balanced tissue sum
	Balanced     bool     `json:"balanced"`     // scale outputs by the balance factors
	CheckNorm    string   `json:"checkNorm"`    // optional output of the normalisation field
	CheckMask    string   `json:"checkMask"`    // optional output of the final mask
	CheckFactors string   `json:"checkFactors"` // optional text output of the balance factors
	Preview      string   `json:"preview"`      // optional base name for field previews
	Gamma        float64  `json:"gamma"`        // gamma of the previews
	Force        bool     `json:"force"`        // overwrite existing outputs
}

func init() { SetOperatorFactory(func() Operator { return NewOpNormaliseDefault() }) } // register the operator for JSON decoding

func NewOpNormalise(p norm.Params) *OpNormalise {
	return &OpNormalise{
		OpBase:     OpBase{Type: "normalise", Active: true},
		Order:      p.Order,
		Iterations: p.Iterations,
		Reference:  p.Reference,
		Gamma:      1,
	}
}

func NewOpNormaliseDefault() *OpNormalise { return NewOpNormalise(norm.DefaultParams()) }

// Assigns inputs and outputs from alternating command line arguments in1 out1 in2 out2 ...
func (op *OpNormalise) SetPairs(args []string) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return fmt.Errorf("mismatch between number of input tissue compartments and number of outputs: %d arguments", len(args))
	}
	op.Inputs, op.Outputs = nil, nil
	for i := 0; i < len(args); i += 2 {
		op.Inputs = append(op.Inputs, args[i])
		op.Outputs = append(op.Outputs, args[i+1])
	}
	return nil
}

// Normaliser parameters of this operator
func (op *OpNormalise) Params(c *Context) norm.Params {
	return norm.Params{
		Order:      op.Order,
		Iterations: op.Iterations,
		Reference:  op.Reference,
		Threads:    c.MaxThreads,
		Verbose:    c.Verbose,
	}
}

// Report of a normalisation run
type NormaliseReport struct {
	Outputs           []string  `json:"outputs"`
	BalanceFactors    []float64 `json:"balanceFactors"`
	LogNormScale      float64   `json:"lognormScale"`
	NumVoxels         int       `json:"numVoxels"`
	InitialVoxels     int       `json:"initialVoxels"`
	Weights           []float64 `json:"weights"`
	BalanceIterations []int     `json:"balanceIterations"`
}

func (op *OpNormalise) Run(c *Context) (interface{}, error) {
	res, initial, err := op.Apply(c)
	if err != nil {
		return nil, err
	}
	return &NormaliseReport{
		Outputs:           op.Outputs,
		BalanceFactors:    res.BalanceFactors,
		LogNormScale:      res.LogNormScale,
		NumVoxels:         res.NumVoxels,
		InitialVoxels:     initial,
		Weights:           res.Weights,
		BalanceIterations: res.BalanceIterations,
	}, nil
}

// Checks argument consistency and that no output would be overwritten unintentionally
func (op *OpNormalise) Validate() error {
	if len(op.Inputs) == 0 {
		return fmt.Errorf("%w: no input tissues", norm.ErrInvalidInput)
	}
	if len(op.Inputs) != len(op.Outputs) {
		return fmt.Errorf("mismatch between number of input tissue compartments (%d) and number of outputs (%d)",
			len(op.Inputs), len(op.Outputs))
	}
	if err := op.Params(&Context{}).Validate(); err != nil {
		return err
	}
	if op.Force {
		return nil
	}
	files := append([]string(nil), op.Outputs...)
	for _, f := range []string{op.CheckNorm, op.CheckMask, op.CheckFactors} {
		if f != "" {
			files = append(files, f)
		}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			return fmt.Errorf("%w: %s (use force to overwrite)", ErrOutputExists, f)
		}
	}
	return nil
}

// Loads the inputs, runs the normaliser and writes all outputs. Returns the
// result and the number of voxels in the initial mask
func (op *OpNormalise) Apply(c *Context) (res *norm.Result, initialVoxels int, err error) {
	if err = op.Validate(); err != nil {
		return nil, 0, err
	}

	tissues, affine, err := loadTissues(op.Inputs, c)
	if err != nil {
		return nil, 0, err
	}
	var mask *voxel.Mask
	if op.Mask != "" {
		if mask, _, err = fits.ReadMask(op.Mask, c.Log); err != nil {
			return nil, 0, err
		}
	}

	dims := tissues[0].Dims
	need := norm.EstimateMemory(dims, len(tissues), op.Order)
	for _, t := range tissues {
		need += int64(len(t.Data)) * 8 // input and output data
	}
	if err = c.CheckMemory(need); err != nil {
		return nil, 0, err
	}

	params := op.Params(c)
	n, err := norm.New(norm.Input{Tissues: tissues, Mask: mask, Transform: affine}, params, c.Log)
	if err != nil {
		return nil, 0, err
	}
	initialVoxels = n.InitialVoxels()
	fmt.Fprintf(c.Log, "Normalising %d tissues of %v with order %d over %d voxels, %d iterations\n",
		n.NumTissues(), n.Dims(), op.Order, initialVoxels, op.Iterations)

	if res, err = n.Run(); err != nil {
		return nil, 0, err
	}
	fmt.Fprintf(c.Log, "Final balance factors %v, lognorm scale %.6g, %d voxels in final mask\n",
		res.BalanceFactors, res.LogNormScale, res.NumVoxels)

	if err = op.writeOutputs(c, tissues, affine, res); err != nil {
		return nil, 0, err
	}
	return res, initialVoxels, nil
}

// Reads all tissue volumes concurrently with the context's thread limit.
// Returns the transform of the first volume
func loadTissues(fileNames []string, c *Context) ([]*voxel.Volume, voxel.Affine, error) {
	vols := make([]*voxel.Volume, len(fileNames))
	affines := make([]voxel.Affine, len(fileNames))
	errs := make([]error, len(fileNames))
	limiter := make(chan bool, voxel.Threads(c.MaxThreads))
	for i, fileName := range fileNames {
		limiter <- true
		go func(i int, fileName string) {
			defer func() { <-limiter }()
			vols[i], affines[i], errs[i] = fits.ReadVolume(fileName, c.Log)
		}(i, fileName)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, voxel.Affine{}, err
	}
	for i, v := range vols[1:] {
		if v.Dims != vols[0].Dims {
			return nil, voxel.Affine{}, fmt.Errorf("%w: %s has dimensions %v, %s has %v",
				norm.ErrInvalidInput, fileNames[i+1], v.Dims, fileNames[0], vols[0].Dims)
		}
	}
	return vols, affines[0], nil
}

func (op *OpNormalise) writeOutputs(c *Context, tissues []*voxel.Volume, affine voxel.Affine, res *norm.Result) error {
	history := []string{fmt.Sprintf("mtnorm order=%d niter=%d value=%g balanced=%v",
		op.Order, op.Iterations, op.Reference, op.Balanced)}
	for j, t := range tissues {
		keys := map[string]float64{KeyLogNormScale: res.LogNormScale}
		if op.Balanced {
			keys[KeyLogNormBalance] = res.BalanceFactors[j]
		}
		out := res.Apply(t, j, op.Balanced, c.MaxThreads)
		if err := fits.WriteVolume(op.Outputs[j], out, affine, keys, history); err != nil {
			return err
		}
		fmt.Fprintf(c.Log, "Wrote %s\n", op.Outputs[j])
	}

	if op.CheckNorm != "" {
		if err := fits.WriteVolume(op.CheckNorm, res.FieldImage, affine, nil, history); err != nil {
			return err
		}
	}
	if op.CheckMask != "" {
		if err := fits.WriteVolume(op.CheckMask, fits.MaskToVolume(res.Mask), affine, nil, history); err != nil {
			return err
		}
	}
	if op.CheckFactors != "" {
		if err := os.WriteFile(op.CheckFactors, []byte(FormatFactors(res.BalanceFactors)), 0644); err != nil {
			return err
		}
	}
	if op.Preview != "" {
		if err := preview.WriteFiles(op.Preview, res.FieldImage, op.Gamma); err != nil {
			return err
		}
	}
	return nil
}

// Formats balance factors one per line
func FormatFactors(factors []float64) string {
	sb := strings.Builder{}
	for _, f := range factors {
		sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		sb.WriteByte('\n')
	}
	return sb.String()
}
