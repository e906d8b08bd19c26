package derive

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/webp" // Register WebP decoder for sources
)

// Lossless requests a lossless encode from Codec.Encode
const Lossless = 0

// Codec encodes tier images for a single output extension
type Codec struct {
	ext    string
	format imaging.Format
	webp   bool
}

// NewCodec returns the encoder for ext (".webp", ".png", ".jpg", ...).
func NewCodec(ext string) (Codec, error) {
	ext = strings.ToLower(ext)
	if ext == ".webp" {
		return Codec{ext: ext, webp: true}, nil
	}
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}
	return Codec{ext: ext, format: format}, nil
}

// Ext returns the extension this codec writes
func (c Codec) Ext() string {
	return c.ext
}

// Encode writes img to w. A quality of Lossless asks for a lossless encode;
// JPEG has no lossless mode and falls back to quality 100.
func (c Codec) Encode(w io.Writer, img image.Image, quality int) error {
	bw := bufio.NewWriter(w)
	if err := c.encode(bw, img, quality); err != nil {
		return err
	}
	return bw.Flush()
}

func (c Codec) encode(w io.Writer, img image.Image, quality int) error {
	if c.webp {
		if quality == Lossless {
			return webp.Encode(w, img, webp.Options{Lossless: true})
		}
		return webp.Encode(w, img, webp.Options{Quality: quality})
	}

	if c.format == imaging.JPEG {
		if quality == Lossless {
			quality = 100
		}
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}
	return imaging.Encode(w, img, c.format)
}
