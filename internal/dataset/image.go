package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Transform turns decoded images into the recognizer's input layout.
type Transform struct {
	ImgH, ImgW int
	// RGB keeps three channels; otherwise images are converted to luminance.
	RGB bool
	// PAD keeps the aspect ratio and fills the right side with the last column.
	PAD bool
}

// Channels returns 3 for RGB and 1 for grayscale.
func (t Transform) Channels() int {
	if t.RGB {
		return 3
	}
	return 1
}

// LoadFile decodes the image at path.
func LoadFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Apply resizes img with a bicubic kernel and writes it into dst ([C, H, W], values in
// [-1, 1]). dst must hold Channels()*ImgH*ImgW values.
func (t Transform) Apply(img image.Image, dst []float32) error {
	c := t.Channels()
	if len(dst) != c*t.ImgH*t.ImgW {
		return fmt.Errorf("destination holds %d values, want %d", len(dst), c*t.ImgH*t.ImgW)
	}
	b := img.Bounds()
	if b.Empty() {
		return fmt.Errorf("empty image")
	}

	w := t.ImgW
	if t.PAD {
		ratio := float64(b.Dx()) / float64(b.Dy())
		w = int(math.Ceil(float64(t.ImgH) * ratio))
		if w > t.ImgW {
			w = t.ImgW
		}
		if w < 1 {
			w = 1
		}
	}
	resized := image.NewRGBA(image.Rect(0, 0, w, t.ImgH))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	plane := t.ImgH * t.ImgW
	for y := 0; y < t.ImgH; y++ {
		for x := 0; x < t.ImgW; x++ {
			sx := x
			if sx >= w {
				sx = w - 1
			}
			px := resized.RGBAAt(sx, y)
			off := y*t.ImgW + x
			if c == 1 {
				dst[off] = normalizePixel(luma(px))
				continue
			}
			dst[off] = normalizePixel(px.R)
			dst[plane+off] = normalizePixel(px.G)
			dst[2*plane+off] = normalizePixel(px.B)
		}
	}
	return nil
}

// luma uses the ITU-R 601-2 weights PIL applies for mode "L".
func luma(px color.RGBA) uint8 {
	v := (299*uint32(px.R) + 587*uint32(px.G) + 114*uint32(px.B) + 500) / 1000
	return uint8(v)
}

func normalizePixel(v uint8) float32 {
	return (float32(v)/255 - 0.5) / 0.5
}
