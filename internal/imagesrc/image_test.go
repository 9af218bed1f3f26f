package imagesrc

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/Woyken/pixelplanet.fun-bot/internal/palette"
)

func testPalette(t *testing.T) *palette.Palette {
	t.Helper()
	p, err := palette.Default()
	if err != nil {
		t.Fatalf("palette: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestWriteAndLoadPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "in.png")
	src := solid(3, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	src.SetNRGBA(2, 1, color.NRGBA{})
	if err := WritePNG(path, src); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Bounds() != src.Bounds() {
		t.Fatalf("bounds=%v", got.Bounds())
	}
	if c := got.NRGBAAt(0, 0); c != (color.NRGBA{R: 10, G: 20, B: 30, A: 255}) {
		t.Fatalf("pixel=%v", c)
	}
	if c := got.NRGBAAt(2, 1); c.A != 0 {
		t.Fatalf("transparent pixel=%v", c)
	}
}

func TestQuantize_KeepsTransparency(t *testing.T) {
	pal := testPalette(t)
	img := solid(2, 1, color.NRGBA{R: 250, G: 251, B: 249, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 250, G: 0, B: 0, A: 0})
	out := Quantize(img, pal)
	if c := out.NRGBAAt(0, 0); c != (color.NRGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("quantized=%v", c)
	}
	if c := out.NRGBAAt(1, 0); c.A != 0 {
		t.Fatalf("transparent pixel painted: %v", c)
	}
}

func TestDither_SolidPaletteColorIsStable(t *testing.T) {
	pal := testPalette(t)
	img := solid(8, 8, color.NRGBA{R: 0xe5, G: 0x00, B: 0x00, A: 255})
	img.SetNRGBA(0, 0, color.NRGBA{})
	out := Dither(img, pal)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			c := out.NRGBAAt(x, y)
			if x == 0 && y == 0 {
				if c.A != 0 {
					t.Fatalf("transparent pixel painted: %v", c)
				}
				continue
			}
			if c != (color.NRGBA{R: 0xe5, A: 255}) {
				t.Fatalf("(%d,%d)=%v", x, y, c)
			}
		}
	}
}

func TestScale(t *testing.T) {
	img := solid(4, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	out := Scale(img, 2)
	if out.Bounds().Dx() != 8 || out.Bounds().Dy() != 4 {
		t.Fatalf("bounds=%v", out.Bounds())
	}
	if c := out.NRGBAAt(7, 3); c != (color.NRGBA{R: 1, G: 2, B: 3, A: 255}) {
		t.Fatalf("pixel=%v", c)
	}
	if Scale(img, 1) != img {
		t.Fatalf("factor 1 should return the input")
	}
}
