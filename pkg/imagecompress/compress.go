// Package imagecompress shrinks images before upload.
package imagecompress

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/muawin/muawin/pkg/logger"
	"github.com/muawin/muawin/pkg/models"
)

const (
	DefaultQuality   = 80
	DefaultMaxWidth  = 1920
	DefaultMaxHeight = 1080
)

// Options controls the transform. Zero fields take the defaults.
type Options struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
}

// Compressor re-encodes images within a bounding box.
type Compressor struct {
	opts Options
}

// New creates a Compressor.
func New(opts Options) *Compressor {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = DefaultMaxHeight
	}
	return &Compressor{opts: opts}
}

// Compress returns a smaller variant of f, or f itself when f is not an
// image, cannot be re-encoded, or would not shrink.
func (c *Compressor) Compress(ctx context.Context, f models.LocalFile) models.LocalFile {
	mt := strings.ToLower(f.MIMEType)
	if !strings.HasPrefix(mt, "image/") {
		return f
	}
	if err := ctx.Err(); err != nil {
		return f
	}

	out, err := c.transform(f, mt)
	if err != nil {
		logger.Debug("compress %s: %v, keeping original", f.Name, err)
		return f
	}
	if f.Size > 0 && int64(len(out)) >= f.Size {
		logger.Debug("compress %s: %d bytes not smaller than %d, keeping original", f.Name, len(out), f.Size)
		return f
	}
	logger.Debug("compress %s: %d -> %d bytes", f.Name, f.Size, len(out))
	return models.BytesFile(f.Name, f.MIMEType, out)
}

func (c *Compressor) transform(f models.LocalFile, mimeType string) ([]byte, error) {
	var encode func(io.Writer, image.Image) error
	switch mimeType {
	case "image/jpeg", "image/jpg":
		encode = func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: c.opts.Quality})
		}
	case "image/png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		encode = enc.Encode
	default:
		return nil, fmt.Errorf("no encoder for %s", mimeType)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	img = applyOrientation(img, orientation(data))
	img = fit(img, c.opts.MaxWidth, c.opts.MaxHeight)

	var buf bytes.Buffer
	if err := encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// fit scales down to the box. Images already inside it are left alone.
func fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos)
}

// orientation reads the EXIF orientation tag, defaulting to 1.
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		return v
	}
	return 1
}

func applyOrientation(img image.Image, o int) image.Image {
	switch o {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
