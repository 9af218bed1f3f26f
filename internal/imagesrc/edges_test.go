package imagesrc

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"
)

func TestSobelEdges_FlatImageHasNoEdges(t *testing.T) {
	g := SobelEdges(solid(5, 5, color.NRGBA{R: 90, G: 90, B: 90, A: 255}))
	for _, v := range g.Pix {
		if v != 0 {
			t.Fatalf("flat image produced edge %d", v)
		}
	}
}

func TestSobelEdges_VerticalEdge(t *testing.T) {
	img := solid(6, 3, color.NRGBA{A: 255})
	for y := 0; y < 3; y++ {
		for x := 3; x < 6; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	g := SobelEdges(img)
	if v := g.GrayAt(2, 1).Y; v != 255 {
		t.Fatalf("edge intensity=%d want=255", v)
	}
	if v := g.GrayAt(0, 1).Y; v != 0 {
		t.Fatalf("flat region intensity=%d want=0", v)
	}
}

func TestEdgeMap_Buckets(t *testing.T) {
	g := image.NewGray(image.Rect(10, 10, 13, 11))
	g.SetGray(10, 10, color.Gray{Y: 0})
	g.SetGray(11, 10, color.Gray{Y: 200})
	g.SetGray(12, 10, color.Gray{Y: 200})
	m := NewEdgeMap(g)
	if pts := m.Level(200); len(pts) != 2 || pts[0] != image.Pt(1, 0) || pts[1] != image.Pt(2, 0) {
		t.Fatalf("level 200=%v", pts)
	}
	if pts := m.Level(0); len(pts) != 1 || pts[0] != image.Pt(0, 0) {
		t.Fatalf("level 0=%v", pts)
	}
	if m.Level(256) != nil || m.Level(-1) != nil {
		t.Fatalf("out of range levels should be empty")
	}
	if m.Size() != image.Pt(3, 1) {
		t.Fatalf("size=%v", m.Size())
	}
}

func TestLoadEdgeMap_UsesGreenChannel(t *testing.T) {
	img := solid(2, 1, color.NRGBA{R: 255, G: 7, B: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 99, B: 0, A: 255})
	path := filepath.Join(t.TempDir(), "edges.png")
	if err := WritePNG(path, img); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	m, err := LoadEdgeMap(path)
	if err != nil {
		t.Fatalf("LoadEdgeMap: %v", err)
	}
	if len(m.Level(7)) != 1 || len(m.Level(99)) != 1 {
		t.Fatalf("levels 7=%v 99=%v", m.Level(7), m.Level(99))
	}
}
