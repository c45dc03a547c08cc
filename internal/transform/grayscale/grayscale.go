// Package grayscale converts encoded images to 8-bit grayscale PNGs.
package grayscale

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

// OutputContentType is the media type of every transformed artifact.
const OutputContentType = "image/png"

// Options bounds the decoder.
type Options struct {
	// MaxPixels rejects images whose width*height exceeds it (0 disables).
	MaxPixels int
}

// Transformer implements imaging.Transformer.
type Transformer struct {
	opts Options
}

// New creates a Transformer.
func New(opts Options) *Transformer {
	return &Transformer{opts: opts}
}

// Transform decodes data, converts it to grayscale and re-encodes it as PNG.
// Decode and encode failures wrap imaging.ErrTransform.
func (t *Transformer) Transform(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", imaging.ErrTransform, err)
	}
	if t.opts.MaxPixels > 0 && cfg.Width*cfg.Height > t.opts.MaxPixels {
		return nil, fmt.Errorf("%w: %s image %dx%d exceeds %d pixels",
			imaging.ErrTransform, format, cfg.Width, cfg.Height, t.opts.MaxPixels)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", imaging.ErrTransform, format, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	gray := ToGray(src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("%w: encode png: %v", imaging.ErrTransform, err)
	}
	return buf.Bytes(), nil
}

// ToGray returns src converted with the standard luma weights. Dimensions
// and bounds are preserved.
func ToGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		out := image.NewGray(g.Bounds())
		copy(out.Pix, g.Pix)
		return out
	}
	bounds := src.Bounds()
	out := image.NewGray(bounds)
	draw.Draw(out, bounds, src, bounds.Min, draw.Src)
	return out
}

// Sniff reports the detected media type of data and whether a registered
// decoder can read it.
func Sniff(data []byte) (string, bool) {
	contentType := http.DetectContentType(data)
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return contentType, false
	}
	if !strings.HasPrefix(contentType, "image/") {
		// DetectContentType misses TIFF.
		contentType = "image/" + format
	}
	return contentType, true
}

// Extension returns a file extension for a detected media type.
func Extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "image/webp":
		return ".webp"
	case "image/tiff":
		return ".tiff"
	default:
		return ".bin"
	}
}
