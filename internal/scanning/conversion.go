package scanning

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"math"

	"golang.org/x/image/draw"
)

// MaxDimension bounds both sides of a normalized image
const MaxDimension = 900

// MaxPixels is the largest image Normalize will decode. The header is checked
// first so a small file cannot claim a huge canvas.
const MaxPixels = 50_000_000

// NormalizedImage is an uploaded receipt decoded and bounded to MaxDimension
type NormalizedImage struct {
	Image  image.Image
	Format string // "jpeg" or "png"
}

// Normalize decodes JPEG or PNG bytes and shrinks the image to fit within
// MaxDimension x MaxDimension. Images that already fit are returned as decoded.
func Normalize(data []byte) (*NormalizedImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrDecode, format)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d image is too large", ErrDecode, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrDecode, format, err)
	}

	return &NormalizedImage{
		Image:  thumbnail(img, MaxDimension, MaxDimension),
		Format: format,
	}, nil
}

// Grayscale returns a greyscale copy for OCR. The display image is left as is.
func (n *NormalizedImage) Grayscale() *image.Gray {
	b := n.Image.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(n.Image.At(x, y)))
		}
	}
	return gray
}

// thumbnail scales img down so it fits in maxW x maxH, keeping the aspect ratio
func thumbnail(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}

	nw, nh := fitWithin(w, h, maxW, maxH)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func fitWithin(w, h, maxW, maxH int) (int, int) {
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	if nw > maxW {
		nw = maxW
	}
	if nh > maxH {
		nh = maxH
	}
	return nw, nh
}
