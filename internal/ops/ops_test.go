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
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mlnoga/mtnorm/internal/fits"
	"github.com/mlnoga/mtnorm/internal/voxel"
)

func testContext(log io.Writer) *Context {
	return &Context{Log: log, MaxThreads: 2}
}

func writePhantom(t *testing.T, dir string) (tissues []string, mask string) {
	t.Helper()
	op := NewOpPhantomDefault()
	op.Dims = voxel.Dims{X: 12, Y: 12, Z: 8}
	op.Lesions = 1
	op.Outputs = []string{filepath.Join(dir, "wm.fits"), filepath.Join(dir, "csf.fits.gz")}
	op.Mask = filepath.Join(dir, "mask.fits")
	if _, err := op.Run(testContext(io.Discard)); err != nil {
		t.Fatal(err)
	}
	return op.Outputs, op.Mask
}

func TestSetPairs(t *testing.T) {
	op := NewOpNormaliseDefault()
	if err := op.SetPairs([]string{"a", "b", "c"}); err == nil {
		t.Errorf("odd argument count accepted")
	}
	if err := op.SetPairs([]string{"a", "b", "c", "d"}); err != nil {
		t.Fatal(err)
	}
	if strings.Join(op.Inputs, ",") != "a,c" || strings.Join(op.Outputs, ",") != "b,d" {
		t.Errorf("inputs %v outputs %v", op.Inputs, op.Outputs)
	}
}

func TestNormaliseEndToEnd(t *testing.T) {
	dir := t.TempDir()
	tissues, mask := writePhantom(t, dir)

	op := NewOpNormaliseDefault()
	op.Order = 1
	op.Iterations = 5
	op.Balanced = true
	op.Mask = mask
	if err := op.SetPairs([]string{tissues[0], filepath.Join(dir, "wm_norm.fits"), tissues[1], filepath.Join(dir, "csf_norm.fits")}); err != nil {
		t.Fatal(err)
	}
	op.CheckNorm = filepath.Join(dir, "field.fits")
	op.CheckMask = filepath.Join(dir, "final_mask.fits")
	op.CheckFactors = filepath.Join(dir, "factors.txt")
	op.Preview = filepath.Join(dir, "field")

	var log bytes.Buffer
	report, err := op.Run(testContext(&log))
	if err != nil {
		t.Fatal(err)
	}
	r := report.(*NormaliseReport)
	if len(r.BalanceFactors) != 2 || r.NumVoxels == 0 || r.NumVoxels > r.InitialVoxels {
		t.Errorf("report %+v", r)
	}
	if !strings.Contains(log.String(), "Iteration: 5") {
		t.Errorf("log lacks iterations:\n%s", log.String())
	}

	img, err := fits.NewImageFromFile(op.Outputs[1], io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := img.Header.Float(KeyLogNormScale); !ok || math.Abs(v/r.LogNormScale-1) > 1e-9 {
		t.Errorf("%s=%g, %v; want %g", KeyLogNormScale, v, ok, r.LogNormScale)
	}
	if v, ok := img.Header.Float(KeyLogNormBalance); !ok || math.Abs(v/r.BalanceFactors[1]-1) > 1e-9 {
		t.Errorf("%s=%g, %v; want %g", KeyLogNormBalance, v, ok, r.BalanceFactors[1])
	}

	b, err := os.ReadFile(op.CheckFactors)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(string(b)), "\n"); len(lines) != 2 {
		t.Errorf("factors file %q", string(b))
	}
	for _, f := range []string{op.CheckNorm, op.CheckMask, op.Preview + ".tif", op.Preview + ".jpg"} {
		if _, err := os.Stat(f); err != nil {
			t.Error(err)
		}
	}

	// second run must refuse to overwrite, unless forced
	if _, err := op.Run(testContext(io.Discard)); !errors.Is(err, ErrOutputExists) {
		t.Errorf("got %v; want ErrOutputExists", err)
	}
	op.Force = true
	if _, err := op.Run(testContext(io.Discard)); err != nil {
		t.Errorf("forced rerun: %v", err)
	}
}

func TestNormaliseMismatchedInputs(t *testing.T) {
	dir := t.TempDir()
	tissues, _ := writePhantom(t, dir)
	other := filepath.Join(dir, "small.fits")
	if err := fits.WriteVolume(other, voxel.NewConstVolume(voxel.Dims{X: 2, Y: 2, Z: 2}, 1), voxel.IdentityAffine(), nil, nil); err != nil {
		t.Fatal(err)
	}
	op := NewOpNormaliseDefault()
	op.Inputs = []string{tissues[0], other}
	op.Outputs = []string{filepath.Join(dir, "o1.fits"), filepath.Join(dir, "o2.fits")}
	if _, err := op.Run(testContext(io.Discard)); err == nil {
		t.Errorf("mismatched dimensions accepted")
	}
}

func TestCheckMemory(t *testing.T) {
	c := &Context{LimitMB: 10}
	if err := c.CheckMemory(5 << 20); err != nil {
		t.Error(err)
	}
	if err := c.CheckMemory(50 << 20); !errors.Is(err, ErrInsufficientMemory) {
		t.Errorf("got %v; want ErrInsufficientMemory", err)
	}
}

func TestUnmarshalOperator(t *testing.T) {
	op, err := UnmarshalOperator([]byte(`{"type":"normalise","inputs":["a"],"outputs":["b"],"order":2}`))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := op.(*OpNormalise)
	if !ok {
		t.Fatalf("got %T; want *OpNormalise", op)
	}
	if n.Order != 2 || n.Iterations != 15 || !n.IsActive() {
		t.Errorf("decoded %+v", n)
	}
	if _, err := UnmarshalOperator([]byte(`{"type":"stack"}`)); err == nil {
		t.Errorf("unknown type accepted")
	}
}
