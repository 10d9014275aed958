// Package codec decodes uploaded raster images and re-encodes processed ones.
package codec

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path"
	"strings"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/Tutortoise/plate-privacy-service/models"
)

// Format identifies a raster encoding.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

const (
	DefaultQuality = 90
	// DefaultMaxPixels caps width*height before a full decode; about 200 MiB as NRGBA.
	DefaultMaxPixels = 50_000_000
)

var extFormats = map[string]Format{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".webp": FormatWebP,
	".gif":  FormatGIF,
	".bmp":  FormatBMP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
}

// FormatFromExt maps a file name or extension to a decodable format.
func FormatFromExt(name string) (Format, bool) {
	f, ok := extFormats[strings.ToLower(path.Ext(name))]
	return f, ok
}

// CanEncode reports whether Encode writes f natively.
func CanEncode(f Format) bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatWebP:
		return true
	}
	return false
}

// Ext is the canonical file extension for an encodable format.
func (f Format) Ext() string {
	switch f {
	case FormatPNG:
		return ".png"
	case FormatWebP:
		return ".webp"
	default:
		return ".jpg"
	}
}

func (f Format) MimeType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Sniff detects the format from magic bytes.
func Sniff(data []byte) (Format, bool) {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG, true
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG, true
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP, true
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return FormatGIF, true
	case bytes.HasPrefix(data, []byte("BM")):
		return FormatBMP, true
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return FormatTIFF, true
	}
	return "", false
}

// Decode decodes data by its content, ignoring any claimed extension, with the
// DefaultMaxPixels dimension cap.
func Decode(data []byte) (image.Image, Format, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit is Decode with a caller-chosen pixel cap. The header is read first so an
// oversized image is rejected before any pixel buffer is allocated. maxPixels <= 0 disables the cap.
func DecodeLimit(data []byte, maxPixels int64) (image.Image, Format, error) {
	if len(data) == 0 {
		return nil, "", models.Wrap(models.ErrInvalidInput, nil, "empty image data")
	}

	format, ok := Sniff(data)
	if !ok {
		return nil, "", models.Wrap(models.ErrInvalidInput, nil, "unrecognized image format")
	}

	cfg, err := decodeConfig(data, format)
	if err != nil {
		return nil, format, models.Wrap(models.ErrInvalidInput, err, "read %s header", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, models.Wrap(models.ErrInvalidInput, nil, "image has no pixels")
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, format, models.Wrap(models.ErrInvalidInput, nil,
			"image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	r := bytes.NewReader(data)
	var img image.Image
	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(r)
	case FormatPNG:
		img, err = png.Decode(r)
	case FormatWebP:
		img, err = webp.Decode(r)
	case FormatGIF:
		img, err = gif.Decode(r)
	case FormatBMP:
		img, err = bmp.Decode(r)
	case FormatTIFF:
		img, err = tiff.Decode(r)
	}
	if err != nil {
		return nil, format, models.Wrap(models.ErrInvalidInput, err, "decode %s image", format)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, format, models.Wrap(models.ErrInvalidInput, nil, "image has no pixels")
	}
	return img, format, nil
}

func decodeConfig(data []byte, format Format) (image.Config, error) {
	r := bytes.NewReader(data)
	switch format {
	case FormatJPEG:
		return jpeg.DecodeConfig(r)
	case FormatPNG:
		return png.DecodeConfig(r)
	case FormatWebP:
		return webp.DecodeConfig(r)
	case FormatGIF:
		return gif.DecodeConfig(r)
	case FormatBMP:
		return bmp.DecodeConfig(r)
	case FormatTIFF:
		return tiff.DecodeConfig(r)
	}
	return image.Config{}, errors.Errorf("no decoder for %s", format)
}

// Encode writes img as format. Formats without an encoder fall back to JPEG; use
// EncodedFormat to learn what was written.
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	var err error
	switch EncodedFormat(format) {
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, models.Wrap(models.ErrEncoding, errors.Wrapf(err, "encode %s", format), "encode image")
	}
	return buf.Bytes(), nil
}

// EncodedFormat is the format Encode actually produces for a requested format.
func EncodedFormat(format Format) Format {
	if CanEncode(format) {
		return format
	}
	return FormatJPEG
}
