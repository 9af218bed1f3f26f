// Command dump renders a rectangle of the canvas to a PNG, either live from
// the canvas server or from a stored snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/config"
	"github.com/Woyken/pixelplanet.fun-bot/internal/imagesrc"
	"github.com/Woyken/pixelplanet.fun-bot/internal/palette"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/snapshot"
	"github.com/Woyken/pixelplanet.fun-bot/internal/transport/canvasapi"
)

func main() {
	var (
		baseURL  = flag.String("url", "https://pixelplanet.fun", "canvas base url")
		x1       = flag.Int("x1", 0, "left edge (inclusive)")
		y1       = flag.Int("y1", 0, "top edge (inclusive)")
		x2       = flag.Int("x2", 255, "right edge (inclusive)")
		y2       = flag.Int("y2", 255, "bottom edge (inclusive)")
		out      = flag.String("out", "canvas.png", "output png path")
		snapPath = flag.String("snapshot", "", "render from a snapshot file instead of the server")
		parallel = flag.Int("parallel", 4, "concurrent chunk fetches")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[dump] ", log.LstdFlags)

	rect, err := region(*x1, *y1, *x2, *y2)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	pal, err := palette.Default()
	if err != nil {
		logger.Fatalf("palette: %v", err)
	}
	defer pal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var src ColorSource
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		logger.Printf("snapshot %s: %d chunks captured %s", *snapPath, snap.Header.Chunks, humanize.Time(snap.Header.CapturedAt))
		src = newSnapshotSource(snap)
	} else {
		api, err := canvasapi.New(canvasapi.Config{
			BaseURL:     *baseURL,
			Fingerprint: config.NewFingerprint(),
		})
		if err != nil {
			logger.Fatalf("%v", err)
		}
		cache := canvas.NewCache(api, nil, canvas.DefaultRetryPolicy(), logger)
		if err := Prefetch(ctx, cache, rect, *parallel); err != nil {
			logger.Fatalf("fetch: %v", err)
		}
		src = cache
	}

	img, missing, err := Render(ctx, src, rect, pal)
	if err != nil {
		logger.Fatalf("render: %v", err)
	}
	if err := imagesrc.WritePNG(*out, img); err != nil {
		logger.Fatalf("write: %v", err)
	}
	logger.Printf("wrote %s (%dx%d, %s pixels missing)", *out, rect.Dx(), rect.Dy(), humanize.Comma(int64(missing)))
}

// region builds the inclusive canvas rectangle x1,y1..x2,y2.
func region(x1, y1, x2, y2 int) (image.Rectangle, error) {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	if !canvas.InBounds(x1, y1) || !canvas.InBounds(x2, y2) {
		return image.Rectangle{}, fmt.Errorf("region %d,%d..%d,%d is outside the canvas", x1, y1, x2, y2)
	}
	return image.Rect(x1, y1, x2+1, y2+1), nil
}
