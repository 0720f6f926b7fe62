package imagecompress

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"

	"github.com/muawin/muawin/pkg/models"
)

func readAll(t *testing.T, f models.LocalFile) []byte {
	t.Helper()
	rc, err := f.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func largeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x ^ y), 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCompressDownscalesJPEG(t *testing.T) {
	src := largeJPEG(t, 3000, 2000)
	in := models.BytesFile("site.jpg", "image/jpeg", src)

	out := New(Options{}).Compress(context.Background(), in)
	if out.Name != "site.jpg" || out.MIMEType != "image/jpeg" {
		t.Errorf("identity changed: %s %s", out.Name, out.MIMEType)
	}
	if out.Size >= in.Size {
		t.Fatalf("size %d not smaller than %d", out.Size, in.Size)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(readAll(t, out)))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("format = %s, want jpeg", format)
	}
	if cfg.Width > DefaultMaxWidth || cfg.Height > DefaultMaxHeight {
		t.Errorf("output %dx%d exceeds %dx%d", cfg.Width, cfg.Height, DefaultMaxWidth, DefaultMaxHeight)
	}
	if cfg.Width != 1620 || cfg.Height != 1080 {
		t.Errorf("output %dx%d, want 1620x1080", cfg.Width, cfg.Height)
	}
}

func TestCompressPassThrough(t *testing.T) {
	c := New(Options{})
	cases := []models.LocalFile{
		models.BytesFile("doc.pdf", "application/pdf", []byte("%PDF-1.4")),
		models.BytesFile("broken.jpg", "image/jpeg", []byte("not a jpeg")),
		models.BytesFile("anim.webp", "image/webp", []byte("RIFF....WEBP")),
	}
	for _, in := range cases {
		out := c.Compress(context.Background(), in)
		if out.Size != in.Size || !bytes.Equal(readAll(t, out), readAll(t, in)) {
			t.Errorf("%s: expected original back", in.Name)
		}
	}
}

func TestCompressCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := models.BytesFile("site.jpg", "image/jpeg", largeJPEG(t, 64, 64))
	if out := New(Options{}).Compress(ctx, in); out.Size != in.Size {
		t.Errorf("cancelled compress changed the file")
	}
}

func TestApplyOrientationSwapsAxes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 10))
	for _, o := range []int{5, 6, 7, 8} {
		b := applyOrientation(img, o).Bounds()
		if b.Dx() != 10 || b.Dy() != 40 {
			t.Errorf("orientation %d: %dx%d, want 10x40", o, b.Dx(), b.Dy())
		}
	}
	for _, o := range []int{1, 2, 3, 4} {
		b := applyOrientation(img, o).Bounds()
		if b.Dx() != 40 || b.Dy() != 10 {
			t.Errorf("orientation %d: %dx%d, want 40x10", o, b.Dx(), b.Dy())
		}
	}
}

func TestOrientationWithoutExif(t *testing.T) {
	if got := orientation(largeJPEG(t, 8, 8)); got != 1 {
		t.Errorf("orientation = %d, want 1", got)
	}
}
