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

// Package preview renders the central axial slice of a volume into 16-bit
// grayscale TIFF and colour-mapped JPEG files, for a quick visual check of
// a normalisation field.
package preview

import (
	"bufio"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"

	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Endpoints of the colour map, blended in HCL space
var (
	LowColor  = colorful.Color{R: 0.05, G: 0.10, B: 0.45}
	HighColor = colorful.Color{R: 1.00, G: 0.85, B: 0.20}
)

// A 2-D slice of a volume with its display range
type Slice struct {
	Width, Height int
	Data          []float32
	Min, Max      float32
}

// Extracts the central axial slice of the first frame, and its finite value range
func MidSlice(vol *voxel.Volume) *Slice {
	d := vol.Dims
	z := d.Z / 2
	s := &Slice{Width: d.X, Height: d.Y, Data: vol.Frame(0)[d.Index(0, 0, z):d.Index(0, 0, z+1)]}
	s.Min, s.Max = float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, v := range s.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	if s.Min > s.Max {
		s.Min, s.Max = 0, 1
	}
	return s
}

// Maps a value into [0,1] within the display range, applying gamma.
// NaNs and values below the range map to zero
func (s *Slice) normalized(v float32, gammaInv float64) float64 {
	if s.Max == s.Min {
		return 0.5
	}
	g := float64((v - s.Min) / (s.Max - s.Min))
	if math.IsNaN(g) || g < 0 {
		g = 0
	}
	if g > 1 {
		g = 1
	}
	if gammaInv != 1.0 {
		g = math.Pow(g, gammaInv)
	}
	return g
}

// Writes the slice as 16-bit grayscale TIFF, flipped so that y points up
func (s *Slice) WriteTIFF16(writer io.Writer, gamma float64) error {
	img := image.NewGray16(image.Rect(0, 0, s.Width, s.Height))
	gammaInv := 1.0 / gamma
	for y := 0; y < s.Height; y++ {
		yoffset := y * s.Width
		for x := 0; x < s.Width; x++ {
			g := s.normalized(s.Data[yoffset+x], gammaInv)
			img.SetGray16(x, s.Height-1-y, color.Gray16{Y: uint16(g * 65535)})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Writes the slice as colour-mapped JPEG, flipped so that y points up
func (s *Slice) WriteJPG(writer io.Writer, gamma float64, quality int) error {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	gammaInv := 1.0 / gamma
	for y := 0; y < s.Height; y++ {
		yoffset := y * s.Width
		for x := 0; x < s.Width; x++ {
			g := s.normalized(s.Data[yoffset+x], gammaInv)
			r, gr, b := LowColor.BlendHcl(HighColor, g).Clamped().RGB255()
			img.SetRGBA(x, s.Height-1-y, color.RGBA{R: r, G: gr, B: b, A: 255})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Writes TIFF and JPEG previews of the central slice to base.tif and base.jpg
func WriteFiles(base string, vol *voxel.Volume, gamma float64) error {
	s := MidSlice(vol)
	if err := writeFile(base+".tif", func(w io.Writer) error { return s.WriteTIFF16(w, gamma) }); err != nil {
		return err
	}
	return writeFile(base+".jpg", func(w io.Writer) error { return s.WriteJPG(w, gamma, 95) })
}

func writeFile(fileName string, write func(io.Writer) error) (err error) {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	writer := bufio.NewWriter(file)
	if err = write(writer); err != nil {
		return err
	}
	return writer.Flush()
}
