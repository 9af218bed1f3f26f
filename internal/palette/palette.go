package palette

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
)

// Unset canvas indices and the placeable colors they look like.
const (
	Ocean canvas.Color = 0
	Land  canvas.Color = 1

	OceanLike canvas.Color = 19
	LandLike  canvas.Color = 2
)

var defaultHex = []string{
	"#ffffff", "#e4e4e4", "#888888", "#4e4e4e", "#000000", "#f4b3ae",
	"#ffa7d1", "#ff6565", "#e50000", "#fea460", "#e59500", "#a06a42",
	"#f5dfb0", "#e5d900", "#94e044", "#02be01", "#006513", "#cae3ff",
	"#00d3dd", "#0083c7", "#0000ea", "#191973", "#cf6ee4", "#820080",
}

const firstPlaceable canvas.Color = 2

type entry struct {
	index canvas.Color
	rgb   color.RGBA
}

// Palette maps RGB colors to canvas indices.
type Palette struct {
	entries []entry
	byIndex map[canvas.Color]color.RGBA
	memo    *ristretto.Cache[uint32, canvas.Color]
}

// Default returns the pixelplanet palette, indices 2..25.
func Default() (*Palette, error) {
	return New(firstPlaceable, defaultHex)
}

// New builds a palette whose colors get consecutive indices from first.
func New(first canvas.Color, hex []string) (*Palette, error) {
	if len(hex) == 0 {
		return nil, fmt.Errorf("palette: no colors")
	}
	memo, err := ristretto.NewCache(&ristretto.Config[uint32, canvas.Color]{
		NumCounters: 1 << 17,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("palette: %w", err)
	}
	p := &Palette{byIndex: map[canvas.Color]color.RGBA{}, memo: memo}
	for i, h := range hex {
		rgb, err := ParseHex(h)
		if err != nil {
			memo.Close()
			return nil, fmt.Errorf("palette: color %d: %w", i, err)
		}
		idx := first + canvas.Color(i)
		p.entries = append(p.entries, entry{index: idx, rgb: rgb})
		p.byIndex[idx] = rgb
	}
	return p, nil
}

func (p *Palette) Close() {
	p.memo.Close()
}

// Nearest returns the placeable index closest to (r,g,b) by Euclidean RGB
// distance. Ties go to the lowest index.
func (p *Palette) Nearest(r, g, b uint8) canvas.Color {
	key := uint32(r)<<16 | uint32(g)<<8 | uint32(b)
	if c, ok := p.memo.Get(key); ok {
		return c
	}
	best := p.entries[0].index
	bestDist := -1
	for _, e := range p.entries {
		dr := int(e.rgb.R) - int(r)
		dg := int(e.rgb.G) - int(g)
		db := int(e.rgb.B) - int(b)
		d := dr*dr + dg*dg + db*db
		if bestDist < 0 || d < bestDist {
			best, bestDist = e.index, d
		}
	}
	p.memo.Set(key, best, 1)
	return best
}

// Actual folds unset indices into the color they display as.
func Actual(c canvas.Color) canvas.Color {
	switch c {
	case Ocean:
		return OceanLike
	case Land:
		return LandLike
	}
	return c
}

// Equivalent reports whether two indices look the same on the canvas.
func (p *Palette) Equivalent(a, b canvas.Color) bool {
	return Actual(a) == Actual(b)
}

// RGBA returns the display color of an index; unknown indices are transparent.
func (p *Palette) RGBA(c canvas.Color) color.RGBA {
	if rgb, ok := p.byIndex[Actual(c)]; ok {
		return rgb
	}
	return color.RGBA{}
}

// Colors returns the placeable colors in index order, for dithering.
func (p *Palette) Colors() color.Palette {
	out := make(color.Palette, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.rgb)
	}
	return out
}

// IndexOf maps an exact palette color back to its index.
func (p *Palette) IndexOf(c color.Color) (canvas.Color, bool) {
	r, g, b, _ := c.RGBA()
	for _, e := range p.entries {
		if uint32(e.rgb.R) == r>>8 && uint32(e.rgb.G) == g>>8 && uint32(e.rgb.B) == b>>8 {
			return e.index, true
		}
	}
	return 0, false
}

func ParseHex(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("bad hex color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad hex color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
