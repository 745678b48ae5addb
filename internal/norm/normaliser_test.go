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

package norm

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/mtnorm/internal/basis"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Creates a pair of tissues whose sum is 1000 everywhere, varying linearly along x
func complementaryTissues(d voxel.Dims) (a, b *voxel.Volume) {
	a, b = voxel.NewVolume(d, 1), voxel.NewVolume(d, 1)
	for i := range a.Data {
		x, _, _ := d.Coords(i)
		a.Data[i] = float32(500 + (x-5)*10)
		b.Data[i] = float32(500 - (x-5)*10)
	}
	return a, b
}

// Affine mapping voxel indices to positions centered around the grid origin
func centeredAffine(d voxel.Dims) voxel.Affine {
	return voxel.ScaleOffsetAffine(
		[3]float64{0.5, 0.5, 0.5},
		[3]float64{-0.25 * float64(d.X-1), -0.25 * float64(d.Y-1), -0.25 * float64(d.Z-1)},
	)
}

func TestNormaliseGeometricMean(t *testing.T) {
	factors := []float64{2, 8, 0.5}
	if err := NormaliseGeometricMean(factors); err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for _, f := range factors {
		sum += math.Log(f)
	}
	if math.Abs(sum) > 1e-9 {
		t.Errorf("sum of log factors %g; want 0", sum)
	}
	if math.Abs(factors[1]/factors[0]-4) > 1e-12 {
		t.Errorf("ratio changed: %v", factors)
	}
}

func TestNormaliseGeometricMeanRejectsNonPositive(t *testing.T) {
	err := NormaliseGeometricMean([]float64{1, -0.5, 2})
	var bfe *BalanceFactorError
	if !errors.As(err, &bfe) {
		t.Fatalf("got %v; want BalanceFactorError", err)
	}
	if bfe.Tissue != 2 || bfe.Factor != -0.5 {
		t.Errorf("got tissue %d factor %g; want 2, -0.5", bfe.Tissue, bfe.Factor)
	}
	if !strings.Contains(bfe.Error(), "Needs to be strictly positive") {
		t.Errorf("unexpected message %q", bfe.Error())
	}
}

func TestEstimateBalanceRecoversScale(t *testing.T) {
	d := voxel.Dims{X: 10, Y: 3, Z: 2}
	a, b := complementaryTissues(d)
	// scale tissue b by two, so its factor must be half of a's
	for i := range b.Data {
		b.Data[i] *= 2
	}
	field := voxel.NewConstVolume(d, 1)
	factors, err := EstimateBalance([][]float32{a.Data, b.Data}, field.Data, voxel.NewFullMask(d), 3)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(factors[0]/factors[1]-2) > 1e-6 {
		t.Errorf("factor ratio %g; want 2", factors[0]/factors[1])
	}
	if s := math.Log(factors[0]) + math.Log(factors[1]); math.Abs(s) > 1e-9 {
		t.Errorf("sum of log factors %g; want 0", s)
	}
}

func TestRejectOutliersKeepsQuartileRange(t *testing.T) {
	d := voxel.Dims{X: 9, Y: 1, Z: 1}
	summed := []float32{5, 1, 9, 3, 7, 2, 8, 4, 6}
	initial := voxel.NewFullMask(d)
	mask := voxel.NewMask(d)
	n, th := RejectOutliers(summed, initial, mask, 0, make([]float32, 9), 2)
	if th.LowerQuartile != 3 || th.UpperQuartile != 8 {
		t.Errorf("quartiles %v; want 3 and 8", th)
	}
	if n != 6 {
		t.Errorf("kept %d voxels; want 6", n)
	}
	for i, v := range summed {
		want := v >= 3 && v <= 8
		if mask.Data[i] != want {
			t.Errorf("voxel %d value %g in mask %v; want %v", i, v, mask.Data[i], want)
		}
	}
	if summed[0] != 5 {
		t.Errorf("input modified")
	}
}

func TestRejectOutliersRestartsFromInitial(t *testing.T) {
	d := voxel.Dims{X: 4, Y: 1, Z: 1}
	initial := &voxel.Mask{Dims: d, Data: []bool{true, true, false, true}}
	mask := voxel.NewMask(d)
	n, _ := RejectOutliers([]float32{1, 1, 100, 1}, initial, mask, 1.5, make([]float32, 3), 1)
	if n != 3 || !mask.Equal(initial) {
		t.Errorf("got %d voxels mask %v; want initial mask", n, mask.Data)
	}
}

func TestEvaluateFieldZeroWeights(t *testing.T) {
	d := voxel.Dims{X: 3, Y: 4, Z: 5}
	poly, _ := basis.NewPoly(2)
	aff := voxel.IdentityAffine()
	fieldLog, fieldImage := make([]float32, d.Len()), make([]float32, d.Len())
	EvaluateField(fieldLog, fieldImage, d, poly, &aff, make([]float64, poly.Terms), 4)
	for i := range fieldLog {
		if fieldLog[i] != 0 || fieldImage[i] != 1 {
			t.Fatalf("voxel %d: log %g image %g; want 0 and 1", i, fieldLog[i], fieldImage[i])
		}
	}
}

func TestEstimateFieldLinear(t *testing.T) {
	d := voxel.Dims{X: 6, Y: 5, Z: 4}
	poly, _ := basis.NewPoly(1)
	aff := voxel.IdentityAffine()
	// tissue is exp(0.1*x - 0.05*z) times the reference
	ref := 0.5
	tissue := make([]float32, d.Len())
	for i := range tissue {
		x, _, z := d.Coords(i)
		tissue[i] = float32(ref * math.Exp(0.1*float64(x)-0.05*float64(z)))
	}
	w, err := EstimateField([][]float32{tissue}, []float64{1}, voxel.NewFullMask(d), poly, &aff, math.Log(ref), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0.1, 0, -0.05}
	for i := range want {
		if math.Abs(w[i]-want[i]) > 1e-5 {
			t.Errorf("weight %d = %g; want %g", i, w[i], want[i])
		}
	}
}

func TestNewInitialMask(t *testing.T) {
	d := voxel.Dims{X: 5, Y: 1, Z: 1}
	a := &voxel.Volume{Dims: d, V: 1, Data: []float32{1, float32(math.NaN()), -3, 0, 2}}
	b := &voxel.Volume{Dims: d, V: 1, Data: []float32{1, 1, 1, 0, -1}}
	mask := &voxel.Mask{Dims: d, Data: []bool{true, true, true, true, false}}
	n, err := New(Input{Tissues: []*voxel.Volume{a, b}, Mask: mask, Transform: voxel.IdentityAffine()}, DefaultParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{true, false, false, false, false}
	for i, w := range want {
		if n.initialMask.Data[i] != w {
			t.Errorf("voxel %d initial mask %v; want %v", i, n.initialMask.Data[i], w)
		}
	}
	if n.tissues[0][2] != 0 {
		t.Errorf("negative tissue value not clamped: %g", n.tissues[0][2])
	}
}

func TestNewErrors(t *testing.T) {
	d := voxel.Dims{X: 4, Y: 4, Z: 4}
	a := voxel.NewVolume(d, 1)

	_, err := New(Input{Tissues: []*voxel.Volume{a}, Transform: voxel.IdentityAffine()}, DefaultParams(), nil)
	if !errors.Is(err, ErrNoValidVoxels) {
		t.Errorf("all-zero tissue: got %v; want ErrNoValidVoxels", err)
	}

	a.Fill(1)
	_, err = New(Input{Tissues: []*voxel.Volume{a}, Mask: voxel.NewMask(d), Transform: voxel.IdentityAffine()}, DefaultParams(), nil)
	if !errors.Is(err, ErrNoValidVoxels) {
		t.Errorf("empty mask: got %v; want ErrNoValidVoxels", err)
	}

	b := voxel.NewConstVolume(voxel.Dims{X: 4, Y: 4, Z: 3}, 1)
	_, err = New(Input{Tissues: []*voxel.Volume{a, b}, Transform: voxel.IdentityAffine()}, DefaultParams(), nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("mismatched dims: got %v; want ErrInvalidInput", err)
	}

	p := DefaultParams()
	p.Order = 4
	_, err = New(Input{Tissues: []*voxel.Volume{a}, Transform: voxel.IdentityAffine()}, p, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("order 4: got %v; want ErrInvalidInput", err)
	}
}

func TestRunSingleTissue(t *testing.T) {
	d := voxel.Dims{X: 6, Y: 5, Z: 4}
	rng := fastrand.RNG{}
	a := voxel.NewVolume(d, 1)
	for i := range a.Data {
		a.Data[i] = 100 + float32(rng.Uint32n(1000))/100
	}
	p := DefaultParams()
	p.Order = 1
	p.Iterations = 3
	n, err := New(Input{Tissues: []*voxel.Volume{a}, Transform: voxel.IdentityAffine()}, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := n.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.BalanceFactors) != 1 || res.BalanceFactors[0] != 1 {
		t.Errorf("balance factors %v; want [1]", res.BalanceFactors)
	}
	if len(res.BalanceIterations) != 3 {
		t.Errorf("balance iterations %v; want 3 entries", res.BalanceIterations)
	}
	// corrected tissue should be close to the reference on average
	out := res.Apply(a, 0, true, 2)
	mean := 0.0
	for _, v := range out.Data {
		mean += float64(v)
	}
	mean /= float64(len(out.Data))
	if math.Abs(mean/p.Reference-1) > 0.01 {
		t.Errorf("mean corrected value %g; want about %g", mean, p.Reference)
	}
}

func TestRunComplementaryTissues(t *testing.T) {
	for _, order := range []int{0, 1, 3} {
		d := voxel.Dims{X: 10, Y: 6, Z: 5}
		a, b := complementaryTissues(d)
		p := DefaultParams()
		p.Order = order
		p.Iterations = 4
		p.Verbose = true
		var log bytes.Buffer
		n, err := New(Input{Tissues: []*voxel.Volume{a, b}, Transform: centeredAffine(d)}, p, &log)
		if err != nil {
			t.Fatal(err)
		}
		res, err := n.Run()
		if err != nil {
			t.Fatalf("order %d: %v", order, err)
		}
		for j, f := range res.BalanceFactors {
			if math.Abs(f-1) > 1e-4 {
				t.Errorf("order %d: factor %d = %g; want 1", order, j, f)
			}
		}
		want := 1000 / p.Reference
		for i, f := range res.FieldImage.Data {
			if math.Abs(float64(f)/want-1) > 1e-3 {
				t.Fatalf("order %d: field[%d] = %g; want %g", order, i, f, want)
			}
		}
		if math.Abs(res.LogNormScale/want-1) > 1e-3 {
			t.Errorf("order %d: lognorm scale %g; want %g", order, res.LogNormScale, want)
		}
		if res.NumVoxels == 0 || res.Mask.Count(1) != res.NumVoxels {
			t.Errorf("order %d: mask count %d, num voxels %d", order, res.Mask.Count(1), res.NumVoxels)
		}
		if !strings.Contains(log.String(), "Iteration: 4") {
			t.Errorf("order %d: log lacks last iteration:\n%s", order, log.String())
		}

		sum := res.Apply(a, 0, true, 2)
		sb := res.Apply(b, 1, true, 2)
		for i := range sum.Data {
			s := float64(sum.Data[i] + sb.Data[i])
			if math.Abs(s/p.Reference-1) > 1e-3 {
				t.Fatalf("order %d: balanced sum at %d = %g; want %g", order, i, s, p.Reference)
			}
		}
	}
}

func TestRunIsRepeatable(t *testing.T) {
	d := voxel.Dims{X: 8, Y: 5, Z: 4}
	rng := fastrand.RNG{}
	a, b := complementaryTissues(d)
	for i := range a.Data {
		a.Data[i] *= 1 + float32(rng.Uint32n(100))/1000
	}
	p := DefaultParams()
	p.Order = 2
	p.Iterations = 3
	n, err := New(Input{Tissues: []*voxel.Volume{a, b}, Transform: centeredAffine(d)}, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	r1, err := n.Run()
	if err != nil {
		t.Fatal(err)
	}
	r2, err := n.Run()
	if err != nil {
		t.Fatal(err)
	}
	for j := range r1.BalanceFactors {
		if r1.BalanceFactors[j] != r2.BalanceFactors[j] {
			t.Errorf("factor %d differs between runs: %g vs %g", j, r1.BalanceFactors[j], r2.BalanceFactors[j])
		}
	}
	if !r1.Mask.Equal(r2.Mask) {
		t.Errorf("masks differ between runs")
	}
	for i := range r1.FieldImage.Data {
		if r1.FieldImage.Data[i] != r2.FieldImage.Data[i] {
			t.Fatalf("field differs at %d: %g vs %g", i, r1.FieldImage.Data[i], r2.FieldImage.Data[i])
		}
	}
}

func TestApplyUnbalancedMultiFrame(t *testing.T) {
	d := voxel.Dims{X: 2, Y: 1, Z: 1}
	res := &Result{
		Dims:           d,
		FieldImage:     &voxel.Volume{Dims: d, V: 1, Data: []float32{2, 4}},
		BalanceFactors: []float64{3},
	}
	in := &voxel.Volume{Dims: d, V: 2, Data: []float32{8, -1, 4, 16}}
	out := res.Apply(in, 0, false, 1)
	want := []float32{4, 0, 2, 4}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Errorf("out[%d] = %g; want %g", i, out.Data[i], want[i])
		}
	}
	out = res.Apply(in, 0, true, 1)
	if out.Data[0] != 12 {
		t.Errorf("balanced out[0] = %g; want 12", out.Data[0])
	}
}

func TestLogNormScale(t *testing.T) {
	d := voxel.Dims{X: 3, Y: 1, Z: 1}
	mask := &voxel.Mask{Dims: d, Data: []bool{true, false, true}}
	got := LogNormScale([]float32{float32(math.Log(2)), 100, float32(math.Log(8))}, mask, 1)
	if math.Abs(got-4) > 1e-5 {
		t.Errorf("got %g; want 4", got)
	}
}

func TestRunConstantSumOrderZero(t *testing.T) {
	d := voxel.Dims{X: 10, Y: 10, Z: 10}
	a, b := complementaryTissues(d)
	p := DefaultParams()
	p.Order = 0
	p.Iterations = 1
	n, err := New(Input{Tissues: []*voxel.Volume{a, b}, Mask: voxel.NewFullMask(d), Transform: voxel.IdentityAffine()}, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := n.Run()
	if err != nil {
		t.Fatal(err)
	}
	for j, f := range res.BalanceFactors {
		if math.Abs(f-1) > 1e-6 {
			t.Errorf("factor %d = %g; want 1", j, f)
		}
	}
	want := 1000 / p.Reference
	if math.Abs(float64(res.FieldImage.Data[123])/want-1) > 1e-5 {
		t.Errorf("field %g; want %g", res.FieldImage.Data[123], want)
	}
	out := res.Apply(a, 0, false, 4)
	if got, exp := float64(out.Data[7]), float64(a.Data[7])/want; math.Abs(got/exp-1) > 1e-5 {
		t.Errorf("output %g; want %g", got, exp)
	}
}
