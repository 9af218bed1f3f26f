package imagesrc

import (
	"image"
	"image/color"
	"math"
)

// EdgeMap buckets image-local points by edge intensity.
type EdgeMap struct {
	size   image.Point
	levels [256][]image.Point
}

// NewEdgeMap buckets every pixel of g by its gray value. Points are
// zero-origin regardless of g's bounds.
func NewEdgeMap(g *image.Gray) *EdgeMap {
	b := g.Bounds()
	m := &EdgeMap{size: b.Size()}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := g.GrayAt(x, y).Y
			m.levels[v] = append(m.levels[v], image.Pt(x-b.Min.X, y-b.Min.Y))
		}
	}
	return m
}

// Level returns the points whose intensity equals i.
func (m *EdgeMap) Level(i int) []image.Point {
	if i < 0 || i > 255 {
		return nil
	}
	return m.levels[i]
}

func (m *EdgeMap) Size() image.Point { return m.size }

// SobelEdges returns the Sobel gradient magnitude of img's luminance,
// clamped to 0..255. Border pixels reuse their nearest neighbour.
func SobelEdges(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	lum := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			lum[x+y*w] = float64(g.Y)
		}
	}
	at := func(x, y int) float64 {
		x = clamp(x, 0, w-1)
		y = clamp(y, 0, h-1)
		return lum[x+y*w]
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := -at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1) +
				at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			mag := math.Sqrt(gx*gx + gy*gy)
			if mag > 255 {
				mag = 255
			}
			out.SetGray(x, y, color.Gray{Y: uint8(mag)})
		}
	}
	return out
}

// LoadEdgeMap reads a hand-drawn priority map; the green channel is the
// intensity.
func LoadEdgeMap(path string) (*EdgeMap, error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	g := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.SetGray(x, y, color.Gray{Y: img.NRGBAAt(x, y).G})
		}
	}
	return NewEdgeMap(g), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
