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
	"fmt"

	"github.com/mlnoga/mtnorm/internal/fits"
	"github.com/mlnoga/mtnorm/internal/phantom"
)

// Generates a synthetic phantom and writes its tissues, mask and bias field
type OpPhantom struct {
	OpBase
	phantom.Params
	Outputs []string `json:"outputs"` // one file per tissue
	Mask    string   `json:"mask"`    // optional mask output
	Bias    string   `json:"bias"`    // optional output of the true bias field
}

func init() { SetOperatorFactory(func() Operator { return NewOpPhantomDefault() }) } // register the operator for JSON decoding

func NewOpPhantomDefault() *OpPhantom {
	return &OpPhantom{
		OpBase: OpBase{Type: "phantom", Active: true},
		Params: phantom.DefaultParams(),
	}
}

// Report of a phantom generation
type PhantomReport struct {
	Outputs []string  `json:"outputs"`
	Factors []float64 `json:"factors"`
}

func (op *OpPhantom) Run(c *Context) (interface{}, error) {
	if len(op.Outputs) != len(op.Factors) {
		return nil, fmt.Errorf("phantom has %d tissues but %d outputs", len(op.Factors), len(op.Outputs))
	}
	ph, err := phantom.Generate(op.Params)
	if err != nil {
		return nil, err
	}
	history := []string{fmt.Sprintf("mtnorm phantom seed=%d", op.Seed)}
	for j, t := range ph.Tissues {
		if err := fits.WriteVolume(op.Outputs[j], t, ph.Affine, nil, history); err != nil {
			return nil, err
		}
		fmt.Fprintf(c.Log, "Wrote phantom tissue %d with factor %g to %s\n", j+1, op.Factors[j], op.Outputs[j])
	}
	if op.Mask != "" {
		if err := fits.WriteVolume(op.Mask, fits.MaskToVolume(ph.Mask), ph.Affine, nil, history); err != nil {
			return nil, err
		}
	}
	if op.Bias != "" {
		if err := fits.WriteVolume(op.Bias, ph.Bias, ph.Affine, nil, history); err != nil {
			return nil, err
		}
	}
	return &PhantomReport{Outputs: op.Outputs, Factors: ph.Factors}, nil
}
