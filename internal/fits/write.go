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

package fits

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strings"

	"github.com/mlnoga/mtnorm/internal/voxel"
)

// Writes a volume with the given transform, float keys and history lines to a file
func WriteVolume(fileName string, vol *voxel.Volume, affine voxel.Affine, keys map[string]float64, history []string) error {
	img := NewImageFromVolume(vol, affine)
	for k, v := range keys {
		img.Header.Floats[k] = v
	}
	img.Header.History = append(img.Header.History, history...)
	return img.WriteFile(fileName)
}

// Writes an in-memory FITS image to a file with given filename.
// Creates/overwrites the file if necessary. Compresses with gzip if the name ends in .gz or .gzip
func (fits *Image) WriteFile(fileName string) (err error) {
	f, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	lExt := strings.ToLower(path.Ext(fileName))
	if lExt == ".gz" || lExt == ".gzip" {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err = fits.Write(w); err != nil {
		return err
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Writes an in-memory FITS image to an io.Writer, as 32-bit floating point data
func (fits *Image) Write(f io.Writer) error {
	// Build header in string buffer
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	writeInt32(&sb, "BITPIX", -32, "32-bit floating point")
	writeInt32(&sb, "NAXIS", int32(len(fits.Naxisn)), "[1] Number of axis")
	for i := 0; i < len(fits.Naxisn); i++ {
		writeInt32(&sb, fmt.Sprintf("NAXIS%d", i+1), fits.Naxisn[i], "[1] Axis size")
	}
	for _, k := range sortedKeys(fits.Header.Bools) {
		writeBool(&sb, k, fits.Header.Bools[k], "")
	}
	for _, k := range sortedKeys(fits.Header.Ints) {
		writeInt32(&sb, k, fits.Header.Ints[k], "")
	}
	for _, k := range sortedKeys(fits.Header.Floats) {
		writeFloat64(&sb, k, fits.Header.Floats[k], "")
	}
	for _, k := range sortedKeys(fits.Header.Strings) {
		writeString(&sb, k, fits.Header.Strings[k], "")
	}
	for _, h := range fits.Header.History {
		writeHistory(&sb, h)
	}
	writeEnd(&sb)

	// Pad current header block with spaces if necessary
	bytesInHeaderBlock := (sb.Len() % fitsBlockSize)
	if bytesInHeaderBlock > 0 {
		sb.WriteString(strings.Repeat(" ", fitsBlockSize-bytesInHeaderBlock))
	}

	// Write header block(s)
	_, err := io.WriteString(f, sb.String())
	if err != nil {
		return err
	}

	// Write payload data, replacing NaNs with zeros for compatibility
	if err := writeFloat32Array(f, fits.Data, true); err != nil {
		return err
	}

	// Pad the data unit with zeros to a full block
	bytesInDataBlock := (len(fits.Data) * 4) % fitsBlockSize
	if bytesInDataBlock > 0 {
		_, err = f.Write(make([]byte, fitsBlockSize-bytesInDataBlock))
	}
	return err
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header int32 value
func writeInt32(w io.Writer, key string, value int32, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

// Writes a FITS header float64 value. Always carries a decimal point and exponent,
// so readers do not mistake integral values for ints
func writeFloat64(w io.Writer, key string, value float64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20.12E / %-47s", key, value, comment)
}

// Writes a FITS header string value, with escaping. Values longer than a single
// card are truncated
func writeString(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	value = strings.ReplaceAll(value, "'", "''")
	if len(value) > 66 {
		value = value[0:66]
		if strings.HasSuffix(value, "'") && !strings.HasSuffix(value, "''") {
			value = value[:65]
		}
	}
	if len(value) < 18 {
		value += strings.Repeat(" ", 18-len(value))
	}
	line := fmt.Sprintf("%-8s= '%s'", key, value)
	if len(comment) > 0 && len(line)+3+len(comment) <= HeaderLineSize {
		line += " / " + comment
	}
	fmt.Fprintf(w, "%-80s", line)
}

// Writes one or more FITS HISTORY records, splitting long text
func writeHistory(w io.Writer, text string) {
	const width = HeaderLineSize - 8
	for {
		chunk := text
		if len(chunk) > width {
			chunk = chunk[:width]
		}
		fmt.Fprintf(w, "HISTORY %-72s", chunk)
		text = text[len(chunk):]
		if len(text) == 0 {
			return
		}
	}
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", 80-3))
}

// Writes FITS binary body data in network byte order.
// Optionally replaces NaNs with zeros for compatibility with other software
func writeFloat32Array(w io.Writer, data []float32, replaceNaNs bool) error {
	buf := make([]byte, bufLen)

	for block := 0; block < len(data); block += (bufLen >> 2) {
		size := len(data) - block
		if size > (bufLen >> 2) {
			size = (bufLen >> 2)
		}

		for offset := 0; offset < size; offset++ {
			d := data[block+offset]
			if replaceNaNs && math.IsNaN(float64(d)) {
				d = 0
			}
			val := math.Float32bits(d)
			buf[(offset<<2)+0] = byte(val >> 24)
			buf[(offset<<2)+1] = byte(val >> 16)
			buf[(offset<<2)+2] = byte(val >> 8)
			buf[(offset<<2)+3] = byte(val)
		}
		_, err := w.Write(buf[:(size << 2)])
		if err != nil {
			return err
		}
	}
	return nil
}
