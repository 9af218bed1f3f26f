package main

import (
	"context"
	"errors"
	"image"
	"image/color"

	"golang.org/x/sync/errgroup"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/palette"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/snapshot"
)

var errNotCaptured = errors.New("chunk not captured")

type ColorSource interface {
	Color(ctx context.Context, x, y int) (canvas.Color, error)
}

type snapshotSource struct {
	chunks map[canvas.ChunkID][]byte
}

func newSnapshotSource(snap snapshot.SnapshotV1) snapshotSource {
	return snapshotSource{chunks: snap.Index()}
}

func (s snapshotSource) Color(_ context.Context, x, y int) (canvas.Color, error) {
	id, off := canvas.ToChunk(x, y)
	px, ok := s.chunks[id]
	if !ok {
		return 0, errNotCaptured
	}
	if off >= len(px) {
		return 0, nil
	}
	return canvas.Color(int8(px[off])), nil
}

type chunkLoader interface {
	Load(ctx context.Context, cx, cy int) error
}

// Prefetch loads every chunk overlapping rect, at most parallel at a time.
func Prefetch(ctx context.Context, l chunkLoader, rect image.Rectangle, parallel int) error {
	if parallel < 1 {
		parallel = 1
	}
	minID, _ := canvas.ToChunk(rect.Min.X, rect.Min.Y)
	maxID, _ := canvas.ToChunk(rect.Max.X-1, rect.Max.Y-1)
	cx0, cy0 := minID.Coords()
	cx1, cy1 := maxID.Coords()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for cy := cy0; cy <= cy1; cy++ {
		for cx := cx0; cx <= cx1; cx++ {
			g.Go(func() error { return l.Load(ctx, cx, cy) })
		}
	}
	return g.Wait()
}

// Render paints rect into an image whose origin is rect.Min. Pixels the
// source has no data for stay transparent and are counted as missing.
func Render(ctx context.Context, src ColorSource, rect image.Rectangle, pal *palette.Palette) (*image.RGBA, int, error) {
	img := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	missing := 0
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		for x := rect.Min.X; x < rect.Max.X; x++ {
			c, err := src.Color(ctx, x, y)
			if errors.Is(err, errNotCaptured) {
				missing++
				img.SetRGBA(x-rect.Min.X, y-rect.Min.Y, color.RGBA{})
				continue
			}
			if err != nil {
				return nil, 0, err
			}
			img.SetRGBA(x-rect.Min.X, y-rect.Min.Y, pal.RGBA(c))
		}
	}
	return img, missing, nil
}
