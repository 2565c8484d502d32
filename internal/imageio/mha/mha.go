// Package mha reads and writes single-file MetaImage (.mha) volumes with
// LOCAL element data, optionally zlib compressed.
package mha

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

var ErrFormat = errors.New("mha: invalid format")

// MaxDataBytes bounds the element data a header may declare.
const MaxDataBytes = 1 << 30

type ElementType string

const (
	MetChar      ElementType = "MET_CHAR"
	MetUChar     ElementType = "MET_UCHAR"
	MetShort     ElementType = "MET_SHORT"
	MetUShort    ElementType = "MET_USHORT"
	MetInt       ElementType = "MET_INT"
	MetUInt      ElementType = "MET_UINT"
	MetLongLong  ElementType = "MET_LONG_LONG"
	MetULongLong ElementType = "MET_ULONG_LONG"
	MetFloat     ElementType = "MET_FLOAT"
	MetDouble    ElementType = "MET_DOUBLE"
)

// Size is the byte width of one element, or 0 for unsupported types.
func (t ElementType) Size() int {
	switch t {
	case MetChar, MetUChar:
		return 1
	case MetShort, MetUShort:
		return 2
	case MetInt, MetUInt, MetFloat:
		return 4
	case MetLongLong, MetULongLong, MetDouble:
		return 8
	}
	return 0
}

// Geometry places voxel indices in physical space. Direction is stored the
// way MetaImage stores TransformMatrix: Direction[c*3:c*3+3] is the physical
// direction of index axis c.
type Geometry struct {
	Size      [3]int
	Spacing   [3]float64
	Origin    [3]float64
	Direction [9]float64
}

// IdentityGeometry returns an axis-aligned geometry with unit spacing.
func IdentityGeometry(nx, ny, nz int) Geometry {
	return Geometry{
		Size:      [3]int{nx, ny, nz},
		Spacing:   [3]float64{1, 1, 1},
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// Len is the number of voxels.
func (g Geometry) Len() int { return g.Size[0] * g.Size[1] * g.Size[2] }

// Offset is the linear position of voxel (i, j, k) in x-fastest order.
func (g Geometry) Offset(i, j, k int) int {
	return (k*g.Size[1]+j)*g.Size[0] + i
}

// Physical maps a continuous index to physical (LPS) coordinates:
// origin + direction · (spacing ⊙ index).
func (g Geometry) Physical(idx [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		v := g.Origin[r]
		for c := 0; c < 3; c++ {
			v += g.Direction[c*3+r] * g.Spacing[c] * idx[c]
		}
		out[r] = v
	}
	return out
}

// Image is a decoded scalar volume. Data holds the raw elements in
// little-endian order regardless of the source byte order.
type Image struct {
	Geometry
	ElementType ElementType
	Data        []byte
}

// Value returns voxel n (linear index) as float64.
func (im *Image) Value(n int) float64 {
	size := im.ElementType.Size()
	b := im.Data[n*size : n*size+size]
	switch im.ElementType {
	case MetChar:
		return float64(int8(b[0]))
	case MetUChar:
		return float64(b[0])
	case MetShort:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case MetUShort:
		return float64(binary.LittleEndian.Uint16(b))
	case MetInt:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case MetUInt:
		return float64(binary.LittleEndian.Uint32(b))
	case MetLongLong:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case MetULongLong:
		return float64(binary.LittleEndian.Uint64(b))
	case MetFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case MetDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// Decode reads a complete .mha stream.
func Decode(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	h := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("%w: header ended before ElementDataFile", ErrFormat)
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			if strings.TrimSpace(line) == "" && err == nil {
				continue
			}
			return nil, fmt.Errorf("%w: malformed header line %q", ErrFormat, strings.TrimSpace(line))
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		h[key] = val
		if key == "ElementDataFile" {
			break
		}
		if err == io.EOF {
			return nil, fmt.Errorf("%w: header ended before ElementDataFile", ErrFormat)
		}
	}
	if !strings.EqualFold(h["ElementDataFile"], "LOCAL") {
		return nil, fmt.Errorf("%w: only LOCAL element data is supported, got %q", ErrFormat, h["ElementDataFile"])
	}

	im, err := parseHeader(h)
	if err != nil {
		return nil, err
	}

	elemSize := im.ElementType.Size()
	want := im.Len() * elemSize
	if want > MaxDataBytes {
		return nil, fmt.Errorf("%w: element data of %d bytes exceeds %d", ErrFormat, want, MaxDataBytes)
	}
	var src io.Reader = br
	if isTrue(h["CompressedData"]) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: compressed data: %v", ErrFormat, err)
		}
		defer zr.Close()
		src = zr
	}
	// Read through a limit so the buffer only grows as far as the data that
	// is actually present.
	data, err := io.ReadAll(io.LimitReader(src, int64(want)))
	if err != nil {
		return nil, fmt.Errorf("%w: element data: %v", ErrFormat, err)
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: element data: got %d of %d bytes", ErrFormat, len(data), want)
	}
	im.Data = data
	msb := isTrue(h["BinaryDataByteOrderMSB"]) || isTrue(h["ElementByteOrderMSB"])
	if msb && elemSize > 1 {
		for off := 0; off < len(im.Data); off += elemSize {
			reverse(im.Data[off : off+elemSize])
		}
	}
	return im, nil
}

func parseHeader(h map[string]string) (*Image, error) {
	ndims, err := strconv.Atoi(h["NDims"])
	if err != nil || ndims < 2 || ndims > 3 {
		return nil, fmt.Errorf("%w: unsupported NDims %q", ErrFormat, h["NDims"])
	}
	if ch := h["ElementNumberOfChannels"]; ch != "" && ch != "1" {
		return nil, fmt.Errorf("%w: multi-component voxels are not supported", ErrFormat)
	}
	if bd := h["BinaryData"]; bd != "" && !isTrue(bd) {
		return nil, fmt.Errorf("%w: ASCII element data is not supported", ErrFormat)
	}
	et := ElementType(h["ElementType"])
	if et.Size() == 0 {
		return nil, fmt.Errorf("%w: unsupported ElementType %q", ErrFormat, h["ElementType"])
	}

	g := IdentityGeometry(1, 1, 1)
	dims, err := parseInts(h["DimSize"], ndims)
	if err != nil {
		return nil, fmt.Errorf("%w: DimSize: %v", ErrFormat, err)
	}
	voxels := 1
	for i, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("%w: DimSize must be positive", ErrFormat)
		}
		if d > MaxDataBytes/voxels {
			return nil, fmt.Errorf("%w: DimSize %q is too large", ErrFormat, h["DimSize"])
		}
		voxels *= d
		g.Size[i] = d
	}
	if v := first(h, "ElementSpacing", "ElementSize"); v != "" {
		sp, err := parseFloats(v, ndims)
		if err != nil {
			return nil, fmt.Errorf("%w: ElementSpacing: %v", ErrFormat, err)
		}
		copy(g.Spacing[:], sp)
	}
	if v := first(h, "Offset", "Origin", "Position"); v != "" {
		o, err := parseFloats(v, ndims)
		if err != nil {
			return nil, fmt.Errorf("%w: Offset: %v", ErrFormat, err)
		}
		copy(g.Origin[:], o)
	}
	if v := first(h, "TransformMatrix", "Rotation", "Orientation"); v != "" {
		m, err := parseFloats(v, ndims*ndims)
		if err != nil {
			return nil, fmt.Errorf("%w: TransformMatrix: %v", ErrFormat, err)
		}
		for c := 0; c < ndims; c++ {
			for r := 0; r < ndims; r++ {
				g.Direction[c*3+r] = m[c*ndims+r]
			}
		}
	}
	return &Image{Geometry: g, ElementType: et}, nil
}

// Encode writes im as a single-file volume. The header is emitted in a fixed
// key order so identical images encode to identical bytes.
func Encode(w io.Writer, im *Image, compress bool) error {
	if im.ElementType.Size() == 0 {
		return fmt.Errorf("%w: unsupported ElementType %q", ErrFormat, im.ElementType)
	}
	if len(im.Data) != im.Len()*im.ElementType.Size() {
		return fmt.Errorf("%w: data length %d does not match geometry", ErrFormat, len(im.Data))
	}
	payload := im.Data
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(im.Data); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		payload = buf.Bytes()
	}

	var hdr strings.Builder
	line := func(key, val string) { fmt.Fprintf(&hdr, "%s = %s\n", key, val) }
	line("ObjectType", "Image")
	line("NDims", "3")
	line("BinaryData", "True")
	line("BinaryDataByteOrderMSB", "False")
	if compress {
		line("CompressedData", "True")
		line("CompressedDataSize", strconv.Itoa(len(payload)))
	} else {
		line("CompressedData", "False")
	}
	line("TransformMatrix", formatFloats(im.Direction[:]))
	line("Offset", formatFloats(im.Origin[:]))
	line("CenterOfRotation", "0 0 0")
	line("ElementSpacing", formatFloats(im.Spacing[:]))
	line("DimSize", fmt.Sprintf("%d %d %d", im.Size[0], im.Size[1], im.Size[2]))
	line("ElementType", string(im.ElementType))
	line("ElementDataFile", "LOCAL")

	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func first(h map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func parseInts(v string, n int) ([]int, error) {
	fields := strings.Fields(v)
	if len(fields) != n {
		return nil, fmt.Errorf("want %d values, got %d", n, len(fields))
	}
	out := make([]int, n)
	for i, f := range fields {
		x, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func parseFloats(v string, n int) ([]float64, error) {
	fields := strings.Fields(v)
	if len(fields) != n {
		return nil, fmt.Errorf("want %d values, got %d", n, len(fields))
	}
	out := make([]float64, n)
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func formatFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
