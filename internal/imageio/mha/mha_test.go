package mha

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleImage() *Image {
	g := IdentityGeometry(3, 2, 2)
	g.Spacing = [3]float64{0.5, 0.5, 2}
	g.Origin = [3]float64{-10, 4.25, 7}
	data := make([]byte, g.Len())
	data[g.Offset(1, 1, 0)] = 2
	data[g.Offset(2, 0, 1)] = 1
	return &Image{Geometry: g, ElementType: MetUChar, Data: data}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		im := sampleImage()
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, im, compress))

		got, err := Decode(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, im.Geometry, got.Geometry)
		assert.Equal(t, im.Data, got.Data)
		assert.Equal(t, 2.0, got.Value(im.Offset(1, 1, 0)))
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, Encode(&a, sampleImage(), false))
	require.NoError(t, Encode(&b, sampleImage(), false))
	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.Contains(t, a.String(), "ElementType = MET_UCHAR\nElementDataFile = LOCAL\n")
}

func TestDecodeBigEndianShort(t *testing.T) {
	hdr := "ObjectType = Image\nNDims = 2\nBinaryData = True\nBinaryDataByteOrderMSB = True\n" +
		"ElementSpacing = 1.5 2\nDimSize = 2 1\nElementType = MET_SHORT\nElementDataFile = LOCAL\n"
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:], 7)
	binary.BigEndian.PutUint16(body[2:], uint16(0xFFFF))

	im, err := Decode(bytes.NewReader(append([]byte(hdr), body...)))
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 1, 1}, im.Size)
	assert.Equal(t, 7.0, im.Value(0))
	assert.Equal(t, -1.0, im.Value(1))
	assert.Equal(t, [3]float64{1.5, 2, 1}, im.Spacing)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no data file":     "NDims = 3\nDimSize = 1 1 1\nElementType = MET_UCHAR\n",
		"external file":    "NDims = 3\nDimSize = 1 1 1\nElementType = MET_UCHAR\nElementDataFile = image.raw\n",
		"bad type":         "NDims = 3\nDimSize = 1 1 1\nElementType = MET_STRING\nElementDataFile = LOCAL\n",
		"short data":       "NDims = 3\nDimSize = 2 2 2\nElementType = MET_UCHAR\nElementDataFile = LOCAL\nab",
		"not a header":     "\x00\x01\x02garbage",
		"overflow dims":    "NDims = 3\nDimSize = 2147483648 2147483648 2\nElementType = MET_UCHAR\nElementDataFile = LOCAL\n",
		"huge dims":        "NDims = 3\nDimSize = 100000 100000 100\nElementType = MET_UCHAR\nElementDataFile = LOCAL\nab",
		"huge elements":    "NDims = 3\nDimSize = 1024 1024 512\nElementType = MET_DOUBLE\nElementDataFile = LOCAL\nab",
		"large, truncated": "NDims = 3\nDimSize = 1024 1024 512\nElementType = MET_UCHAR\nElementDataFile = LOCAL\nab",
		"large, bad zlib":  "NDims = 3\nDimSize = 1024 1024 64\nElementType = MET_UCHAR\nCompressedData = True\nElementDataFile = LOCAL\nab",
	}
	for name, in := range cases {
		_, err := Decode(bytes.NewReader([]byte(in)))
		assert.ErrorIs(t, err, ErrFormat, name)
	}
}

func TestPhysical(t *testing.T) {
	g := IdentityGeometry(4, 4, 4)
	g.Spacing = [3]float64{2, 3, 4}
	g.Origin = [3]float64{1, 1, 1}
	assert.Equal(t, [3]float64{3, 7, 13}, g.Physical([3]float64{1, 2, 3}))

	// index axis 0 points along physical -y, axis 1 along +x
	g.Direction = [9]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}
	assert.Equal(t, [3]float64{7, -1, 13}, g.Physical([3]float64{1, 2, 3}))
}
