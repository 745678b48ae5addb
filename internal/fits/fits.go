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

// Package fits reads and writes voxel volumes as FITS files. Volumes are stored
// as NAXIS=3 or NAXIS=4 primary arrays, X fastest. The voxel-to-physical transform
// is carried in the CRPIXn, CRVALn and CDELTn keys.
package fits

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/mlnoga/mtnorm/internal/voxel"
)

// A FITS image.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	FileName string // Original file name, if any, for log output

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating.
	Bzero  float64 // Zero offset. True pixel value is Bzero + Bscale * Data[i].
	Bscale float64 // Value scaler. True pixel value is Bzero + Bscale * Data[i].
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y,Z)
	Pixels int     // Number of pixels in the image. Product of Naxisn[]

	Data []float32 // The image data

	Stats *Stats // Basic statistics over the finite values, computed on load
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float64
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float64),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a FITS image holding the given volume and transform. Data is shared, not copied
func NewImageFromVolume(vol *voxel.Volume, affine voxel.Affine) *Image {
	naxisn := []int32{int32(vol.Dims.X), int32(vol.Dims.Y), int32(vol.Dims.Z)}
	if vol.V > 1 {
		naxisn = append(naxisn, int32(vol.V))
	}
	img := &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Bscale: 1,
		Naxisn: naxisn,
		Pixels: len(vol.Data),
		Data:   vol.Data,
	}
	img.SetAffine(affine)
	return img
}

func (f *Image) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range f.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}

// Spatial dimensions and number of volumes along the trailing axis.
// Images with two axes are treated as a single slice
func (f *Image) Dims() (d voxel.Dims, volumes int, err error) {
	n := len(f.Naxisn)
	if n < 2 || n > 4 {
		return d, 0, fmt.Errorf("%s: expected 3 or 4 axes, got %d", f.FileName, n)
	}
	d = voxel.Dims{X: int(f.Naxisn[0]), Y: int(f.Naxisn[1]), Z: 1}
	if n > 2 {
		d.Z = int(f.Naxisn[2])
	}
	volumes = 1
	if n > 3 {
		volumes = int(f.Naxisn[3])
	}
	if !d.Valid() || volumes < 1 {
		return d, 0, fmt.Errorf("%s: invalid dimensions %s", f.FileName, f.DimensionsToString())
	}
	return d, volumes, nil
}

// Returns the image data as a volume. Data is shared, not copied
func (f *Image) Volume() (*voxel.Volume, error) {
	d, v, err := f.Dims()
	if err != nil {
		return nil, err
	}
	if len(f.Data) != d.Len()*v {
		return nil, fmt.Errorf("%s: %d data values for dimensions %s", f.FileName, len(f.Data), f.DimensionsToString())
	}
	return &voxel.Volume{Dims: d, V: v, Data: f.Data}, nil
}

// Returns an int or float header value as float64
func (h *Header) Float(key string) (float64, bool) {
	if v, ok := h.Floats[key]; ok {
		return v, true
	}
	if v, ok := h.Ints[key]; ok {
		return float64(v), true
	}
	return 0, false
}

// Returns the voxel-to-physical transform from the CRPIXn, CRVALn and CDELTn keys,
// with pos_n = CRVALn + CDELTn*(vox_n+1-CRPIXn). Missing keys take the FITS defaults
// CRPIX=0, CRVAL=0, CDELT=1. Without any of these keys the identity is returned
func (f *Image) Affine() voxel.Affine {
	var scale, offset [3]float64
	found := false
	for i := 0; i < 3; i++ {
		crpix, ok1 := f.Header.Float(fmt.Sprintf("CRPIX%d", i+1))
		crval, ok2 := f.Header.Float(fmt.Sprintf("CRVAL%d", i+1))
		cdelt, ok3 := f.Header.Float(fmt.Sprintf("CDELT%d", i+1))
		if !ok3 {
			cdelt = 1
		}
		found = found || ok1 || ok2 || ok3
		scale[i] = cdelt
		offset[i] = crval + cdelt*(1-crpix)
	}
	if !found {
		return voxel.IdentityAffine()
	}
	return voxel.ScaleOffsetAffine(scale, offset)
}

// Stores the diagonal and translation of the given transform in the CRPIXn,
// CRVALn and CDELTn keys. Off-diagonal terms cannot be represented and are dropped
func (f *Image) SetAffine(a voxel.Affine) {
	for i := 0; i < 3; i++ {
		delete(f.Header.Ints, fmt.Sprintf("CRPIX%d", i+1))
		delete(f.Header.Ints, fmt.Sprintf("CRVAL%d", i+1))
		delete(f.Header.Ints, fmt.Sprintf("CDELT%d", i+1))
		f.Header.Floats[fmt.Sprintf("CRPIX%d", i+1)] = 1
		f.Header.Floats[fmt.Sprintf("CRVAL%d", i+1)] = a[i][3]
		f.Header.Floats[fmt.Sprintf("CDELT%d", i+1)] = a[i][i]
	}
}

// Basic statistics of an image
type Stats struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	Finite int // number of finite values the statistics cover
}

func (s *Stats) String() string {
	return fmt.Sprintf("min %.4g max %.4g mean %.4g stddev %.4g over %d finite values",
		s.Min, s.Max, s.Mean, s.StdDev, s.Finite)
}

// Calculates statistics over the finite values of data
func NewStats(data []float32) *Stats {
	vals := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			vals = append(vals, float64(v))
		}
	}
	s := &Stats{Finite: len(vals)}
	if len(vals) == 0 {
		return s
	}
	s.Min, s.Max = floats.Min(vals), floats.Max(vals)
	if len(vals) == 1 {
		s.Mean = vals[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(vals, nil)
	return s
}

// Returns the keys of a map in ascending order, for reproducible header output
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
