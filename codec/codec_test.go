package codec

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/gif"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/Tutortoise/plate-privacy-service/models"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	return img
}

func TestFormatFromExt(t *testing.T) {
	tests := []struct {
		name string
		want Format
		ok   bool
	}{
		{"car.jpg", FormatJPEG, true},
		{"dir/CAR.JPEG", FormatJPEG, true},
		{"a.png", FormatPNG, true},
		{"a.webp", FormatWebP, true},
		{"a.bmp", FormatBMP, true},
		{"a.tif", FormatTIFF, true},
		{"a.gif", FormatGIF, true},
		{"notes.txt", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FormatFromExt(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodedFormat(t *testing.T) {
	assert.Equal(t, FormatJPEG, EncodedFormat(FormatJPEG))
	assert.Equal(t, FormatPNG, EncodedFormat(FormatPNG))
	assert.Equal(t, FormatWebP, EncodedFormat(FormatWebP))
	assert.Equal(t, FormatJPEG, EncodedFormat(FormatBMP))
	assert.Equal(t, FormatJPEG, EncodedFormat(FormatGIF))
	assert.Equal(t, FormatJPEG, EncodedFormat(FormatTIFF))
}

func TestEncodeDecode(t *testing.T) {
	src := gradient(32, 24)

	for _, f := range []Format{FormatJPEG, FormatPNG, FormatWebP} {
		t.Run(string(f), func(t *testing.T) {
			data, err := Encode(src, f, 90)
			require.NoError(t, err)

			sniffed, ok := Sniff(data)
			require.True(t, ok)
			assert.Equal(t, f, sniffed)

			img, got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, f, got)
			assert.Equal(t, src.Bounds(), img.Bounds())
		})
	}
}

func TestEncodeFallsBackToJPEG(t *testing.T) {
	data, err := Encode(gradient(8, 8), FormatBMP, 0)
	require.NoError(t, err)

	f, ok := Sniff(data)
	require.True(t, ok)
	assert.Equal(t, FormatJPEG, f)
}

func TestDecodeOtherFormats(t *testing.T) {
	src := gradient(16, 16)

	var bmpBuf bytes.Buffer
	require.NoError(t, bmp.Encode(&bmpBuf, src))
	img, f, err := Decode(bmpBuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, FormatBMP, f)
	assert.Equal(t, 16, img.Bounds().Dx())

	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, src, nil))
	_, f, err = Decode(gifBuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, FormatGIF, f)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := map[string][]byte{
		"empty":          nil,
		"text":           []byte("definitely not an image"),
		"truncated jpeg": {0xFF, 0xD8, 0xFF, 0xE0, 0x00},
		"truncated png":  []byte("\x89PNG\r\n\x1a\n\x00\x00"),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(data)
			assert.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}
}

// bmpHeader is a 24-bit BMP file and info header with no pixel data after it.
func bmpHeader(w, h int32) []byte {
	b := make([]byte, 54)
	copy(b, "BM")
	binary.LittleEndian.PutUint32(b[2:], 54)
	binary.LittleEndian.PutUint32(b[10:], 54)
	binary.LittleEndian.PutUint32(b[14:], 40)
	binary.LittleEndian.PutUint32(b[18:], uint32(w))
	binary.LittleEndian.PutUint32(b[22:], uint32(h))
	binary.LittleEndian.PutUint16(b[26:], 1)
	binary.LittleEndian.PutUint16(b[28:], 24)
	return b
}

func TestDecodeRejectsHugeDimensionsFromHeader(t *testing.T) {
	// 20000x20000 would need 1.6 GB as NRGBA; only the 54 header bytes exist.
	_, f, err := Decode(bmpHeader(20000, 20000))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Equal(t, FormatBMP, f)
	assert.Contains(t, err.Error(), "20000x20000")
}

func TestDecodeLimit(t *testing.T) {
	data, err := Encode(gradient(32, 24), FormatPNG, 0)
	require.NoError(t, err)

	_, _, err = DecodeLimit(data, 32*24-1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	img, _, err := DecodeLimit(data, 32*24)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	_, _, err = DecodeLimit(data, 0)
	assert.NoError(t, err)
}

func TestFormatMetadata(t *testing.T) {
	assert.Equal(t, ".jpg", FormatJPEG.Ext())
	assert.Equal(t, ".png", FormatPNG.Ext())
	assert.Equal(t, ".webp", FormatWebP.Ext())
	assert.Equal(t, "image/jpeg", FormatJPEG.MimeType())
	assert.Equal(t, "image/webp", FormatWebP.MimeType())
	assert.True(t, CanEncode(FormatPNG))
	assert.False(t, CanEncode(FormatTIFF))
}
