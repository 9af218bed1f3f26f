package imagesrc

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"

	"github.com/Woyken/pixelplanet.fun-bot/internal/palette"
)

// Load decodes a PNG into a zero-origin NRGBA image.
func Load(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ToNRGBA(img), nil
}

func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Scale resizes with nearest neighbour so palette colors are not blended.
func Scale(img *image.NRGBA, factor float64) *image.NRGBA {
	if factor <= 0 || factor == 1 {
		return img
	}
	w := int(float64(img.Bounds().Dx())*factor + 0.5)
	h := int(float64(img.Bounds().Dy())*factor + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return out
}

// Quantize snaps every visible pixel to its nearest palette color.
func Quantize(img *image.NRGBA, pal *palette.Palette) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if c.A == 0 {
				continue
			}
			rgb := pal.RGBA(pal.Nearest(c.R, c.G, c.B))
			out.SetNRGBA(x, y, color.NRGBA{R: rgb.R, G: rgb.G, B: rgb.B, A: c.A})
		}
	}
	return out
}

// Dither quantizes with Floyd-Steinberg error diffusion. Transparent pixels
// stay transparent.
func Dither(img *image.NRGBA, pal *palette.Palette) *image.NRGBA {
	b := img.Bounds()
	opaque := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			opaque.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	dst := image.NewPaletted(b, pal.Colors())
	xdraw.FloydSteinberg.Draw(dst, b, opaque, b.Min)

	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			a := img.NRGBAAt(x, y).A
			if a == 0 {
				continue
			}
			rgb := dst.Palette[dst.ColorIndexAt(x, y)].(color.RGBA)
			out.SetNRGBA(x, y, color.NRGBA{R: rgb.R, G: rgb.G, B: rgb.B, A: a})
		}
	}
	return out
}

func WritePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := png.Encode(w, img); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
