package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/config"
	"github.com/Woyken/pixelplanet.fun-bot/internal/exclusion"
	"github.com/Woyken/pixelplanet.fun-bot/internal/imagesrc"
	"github.com/Woyken/pixelplanet.fun-bot/internal/painter"
	"github.com/Woyken/pixelplanet.fun-bot/internal/palette"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/indexdb"
	persistlog "github.com/Woyken/pixelplanet.fun-bot/internal/persistence/log"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/mirror"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/snapshot"
	"github.com/Woyken/pixelplanet.fun-bot/internal/transport/canvasapi"
	"github.com/Woyken/pixelplanet.fun-bot/internal/transport/live"
)

// botRuntime holds the wired components of one run.
type botRuntime struct {
	cfg     config.Config
	runID   string
	started time.Time
	logger  *log.Logger

	pal     *palette.Palette
	cache   *canvas.Cache
	live    *live.Channel
	excl    *exclusion.Provider
	sched   *painter.Scheduler
	journal *persistlog.Journal
	ledger  *indexdb.Ledger
	mirror  *mirror.Uploader

	snapMu  sync.Mutex
	snapDir string
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	pal, err := palette.Default()
	if err != nil {
		return err
	}
	defer pal.Close()

	img, prio, err := prepareImage(cfg, pal, logger)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, pal, img, prio, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.live.Start()
	if cfg.Exclusion.URL != "" {
		if err := rt.excl.Refresh(ctx); err != nil {
			logger.Printf("exclusion: initial refresh failed: %v", err)
		} else {
			logger.Printf("exclusion: %d zones active", len(rt.excl.Zones()))
		}
		go rt.excl.Run(ctx)
	}

	if cfg.Status.Addr != "" {
		srv := &http.Server{Addr: cfg.Status.Addr, Handler: rt.statusMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("status listening on %s", cfg.Status.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("status server: %v", err)
			}
		}()
	}

	if cfg.Storage.SnapshotInterval > 0 {
		go rt.snapshotLoop(ctx, cfg.Storage.SnapshotInterval)
	}

	fp := rt.sched.Footprint()
	logger.Printf("painting %dx%d at %d,%d run=%s", fp.Dx(), fp.Dy(), fp.Min.X, fp.Min.Y, rt.runID)
	rt.sched.Start(ctx)
	err = rt.wait(ctx)
	if serr := rt.snapshot(time.Now()); serr != nil {
		logger.Printf("snapshot: %v", serr)
	}
	return err
}

// wait blocks until the image is complete, or with watch mode until ctx ends
// or the scheduler stops.
func (rt *botRuntime) wait(ctx context.Context) error {
	if err := rt.sched.WaitForComplete(ctx); err != nil {
		if ctx.Err() != nil {
			rt.logger.Printf("interrupted")
			return nil
		}
		return err
	}
	st := rt.sched.Stats()
	rt.logger.Printf("image complete: %s placed, %s cooldowns, %s retries in %s",
		humanize.Comma(int64(st.Placed)), humanize.Comma(int64(st.Cooldowns)), humanize.Comma(int64(st.Retries)),
		time.Since(rt.started).Round(time.Second))
	if !rt.cfg.Painter.Watch {
		return nil
	}
	rt.logger.Printf("watching for changes")
	select {
	case <-ctx.Done():
		return nil
	case <-rt.sched.Stopped():
		if ctx.Err() != nil {
			return nil
		}
		return rt.sched.Err()
	}
}

func prepareImage(cfg config.Config, pal *palette.Palette, logger *log.Logger) (image.Image, painter.PriorityMap, error) {
	src, err := imagesrc.Load(cfg.Image.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("load image: %w", err)
	}
	if cfg.Image.Scale != 1 {
		src = imagesrc.Scale(src, cfg.Image.Scale)
	}
	var img *image.NRGBA
	if cfg.Image.Dither {
		img = imagesrc.Dither(src, pal)
	} else {
		img = imagesrc.Quantize(src, pal)
	}
	if cfg.Image.Preview != "" {
		if err := imagesrc.WritePNG(cfg.Image.Preview, img); err != nil {
			logger.Printf("preview: %v", err)
		}
	}

	var prio *imagesrc.EdgeMap
	if cfg.Image.Edges != "" {
		if prio, err = imagesrc.LoadEdgeMap(cfg.Image.Edges); err != nil {
			return nil, nil, fmt.Errorf("load edges: %w", err)
		}
		if prio.Size() != img.Bounds().Size() {
			return nil, nil, fmt.Errorf("edges map is %v, image is %v", prio.Size(), img.Bounds().Size())
		}
	} else {
		prio = imagesrc.NewEdgeMap(imagesrc.SobelEdges(img))
	}

	b := img.Bounds()
	x0, y0 := cfg.Painter.X, cfg.Painter.Y
	if !canvas.InBounds(x0, y0) || !canvas.InBounds(x0+b.Dx()-1, y0+b.Dy()-1) {
		return nil, nil, fmt.Errorf("image %dx%d at %d,%d does not fit on the canvas", b.Dx(), b.Dy(), x0, y0)
	}
	logger.Printf("image %s: %dx%d, %s pixels", filepath.Base(cfg.Image.Path), b.Dx(), b.Dy(), humanize.Comma(int64(b.Dx()*b.Dy())))
	return img, prio, nil
}

func newRuntime(cfg config.Config, pal *palette.Palette, img image.Image, prio painter.PriorityMap, logger *log.Logger) (*botRuntime, error) {
	rt := &botRuntime{
		cfg:     cfg,
		runID:   uuid.NewString(),
		started: time.Now(),
		logger:  logger,
		pal:     pal,
		snapDir: filepath.Join(cfg.Storage.DataDir, "snapshots"),
	}

	api, err := canvasapi.New(canvasapi.Config{
		BaseURL:     cfg.Canvas.BaseURL,
		Fingerprint: cfg.Canvas.Fingerprint,
		UserAgent:   cfg.Canvas.UserAgent,
		HTTPTimeout: cfg.Canvas.HTTPTimeout,
		FetchRate:   cfg.Canvas.FetchRate,
		FetchBurst:  cfg.Canvas.FetchBurst,
	})
	if err != nil {
		return nil, err
	}
	rt.live = live.New(live.Config{
		URL:               cfg.Canvas.WSURL,
		Fingerprint:       cfg.Canvas.Fingerprint,
		Origin:            cfg.Canvas.BaseURL,
		UserAgent:         cfg.Canvas.UserAgent,
		ReconnectInterval: cfg.Canvas.ReconnectInterval,
	}, logger)
	retry := canvas.DefaultRetryPolicy()
	retry.Delay = cfg.Canvas.RetryDelay
	rt.cache = canvas.NewCache(api, rt.live, retry, logger)
	rt.live.OnPixelUpdate(rt.cache.HandlePixelUpdate)

	rt.excl, err = exclusion.New(exclusion.Config{
		URL:             cfg.Exclusion.URL,
		RefreshInterval: cfg.Exclusion.Refresh,
		HTTPTimeout:     cfg.Canvas.HTTPTimeout,
		Static:          cfg.Exclusion.Zones,
	}, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	if m := cfg.Storage.Mirror; m.Endpoint != "" {
		client, err := mirror.NewClient(mirror.ClientConfig{
			Endpoint:  m.Endpoint,
			Bucket:    m.Bucket,
			Region:    m.Region,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
		})
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.mirror = mirror.NewUploader(client, cfg.Storage.DataDir, m.Prefix, canvas.RetryPolicy{Delay: cfg.Canvas.RetryDelay}, logger)
	}

	var recorders []painter.Recorder
	if cfg.Storage.Journal {
		rt.journal = persistlog.NewJournal(filepath.Join(cfg.Storage.DataDir, "journal"))
		if rt.mirror != nil {
			rt.journal.OnFileClosed(rt.mirror.Enqueue)
		}
		recorders = append(recorders, rt.journal)
	}
	if cfg.Storage.Ledger {
		rt.ledger, err = indexdb.Open(filepath.Join(cfg.Storage.DataDir, "ledger.sqlite"))
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		recorders = append(recorders, rt.ledger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.ledger.SetMeta(ctx, "last_run_id", rt.runID)
		_ = rt.ledger.SetMeta(ctx, "fingerprint", cfg.Canvas.Fingerprint)
		cancel()
	}

	protect := make([]canvas.Color, 0, len(cfg.Painter.DoNotOverride))
	for _, c := range cfg.Painter.DoNotOverride {
		protect = append(protect, canvas.Color(c))
	}
	rt.sched, err = painter.New(painter.Config{
		OriginX:        cfg.Painter.X,
		OriginY:        cfg.Painter.Y,
		DoNotOverride:  protect,
		BatchSize:      cfg.Painter.BatchSize,
		GridSize:       cfg.Painter.GridSize,
		RetryDelay:     cfg.Canvas.RetryDelay,
		CooldownJitter: cfg.Painter.CooldownJitter,
		CooldownMargin: cfg.Painter.CooldownMargin,
		ReconcileDelay: reconcileDelay(cfg.Painter.ReconcileDelay),
	}, painter.Deps{
		Canvas:     rt.cache,
		Image:      img,
		Palette:    pal,
		Priority:   prio,
		Exclusions: rt.excl,
		Recorder:   painter.Recorders(recorders...),
		Logger:     logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.cache.Subscribe(rt.sched.OnPixelChanged)
	return rt, nil
}

// reconcileDelay maps a configured zero to "no delay" for the scheduler.
func reconcileDelay(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func (rt *botRuntime) close() {
	if rt.live != nil {
		rt.live.Close()
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Printf("journal close: %v", err)
		}
	}
	if rt.ledger != nil {
		if err := rt.ledger.Close(); err != nil {
			rt.logger.Printf("ledger close: %v", err)
		}
	}
	rt.mirror.Close()
}

func (rt *botRuntime) snapshotLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := rt.snapshot(now); err != nil {
				rt.logger.Printf("snapshot: %v", err)
			}
		}
	}
}

// snapshot writes the loaded chunks to disk and indexes the file.
func (rt *botRuntime) snapshot(now time.Time) error {
	rt.snapMu.Lock()
	defer rt.snapMu.Unlock()
	snap := snapshot.Capture(rt.cache, rt.runID, now)
	if len(snap.Chunks) == 0 {
		return nil
	}
	path := filepath.Join(rt.snapDir, snapshot.FileName(now))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return err
	}
	rt.ledger.RecordSnapshot(path, snap.Header)
	rt.mirror.Enqueue(path)
	rt.logger.Printf("snapshot: %s chunks -> %s", humanize.Comma(int64(len(snap.Chunks))), path)
	return nil
}
