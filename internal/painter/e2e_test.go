package painter

import (
	"context"
	"image"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/canvastest"
	"github.com/Woyken/pixelplanet.fun-bot/internal/exclusion"
	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
	"github.com/Woyken/pixelplanet.fun-bot/internal/transport/canvasapi"
	"github.com/Woyken/pixelplanet.fun-bot/internal/transport/live"
)

type pipeline struct {
	srv   *canvastest.Server
	cache *canvas.Cache
	ch    *live.Channel
	sched *Scheduler
}

func newPipeline(t *testing.T, img image.Image, prio PriorityMap, cfg Config, excl Excluder) *pipeline {
	t.Helper()
	srv := canvastest.New()
	t.Cleanup(srv.Close)

	api, err := canvasapi.New(canvasapi.Config{BaseURL: srv.URL(), Fingerprint: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("canvasapi.New: %v", err)
	}
	ch := live.New(live.Config{URL: srv.WSURL(), Fingerprint: api.Fingerprint(), ReconnectInterval: 50 * time.Millisecond}, nil)
	t.Cleanup(ch.Close)

	noWait := func(context.Context, time.Duration) error { return nil }
	cache := canvas.NewCache(api, ch, canvas.RetryPolicy{Delay: time.Millisecond, Sleep: noWait}, nil)
	ch.OnPixelUpdate(cache.HandlePixelUpdate)

	sched, err := New(cfg, Deps{
		Canvas:     cache,
		Image:      img,
		Palette:    testPalette(t),
		Priority:   prio,
		Exclusions: excl,
		Logger:     log.New(&syncBuffer{}, "", 0),
		Sleep:      noWait,
		Rand:       rand.New(rand.NewSource(3)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cache.Subscribe(sched.OnPixelChanged)
	return &pipeline{srv: srv, cache: cache, ch: ch, sched: sched}
}

func (p *pipeline) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	p.ch.Start()
	p.sched.Start(ctx)
	if err := p.sched.WaitForComplete(ctx); err != nil {
		t.Fatalf("WaitForComplete: %v", err)
	}
}

func TestE2E_PaintsWhiteOverBlack(t *testing.T) {
	p := newPipeline(t, solid(1, 1, white), flat(1, 1), Config{}, nil)
	p.srv.SetColor(0, 0, uint8(colorBlack))
	p.run(t)

	places := p.srv.Placements()
	if len(places) != 1 {
		t.Fatalf("placements=%d want=1", len(places))
	}
	if places[0].X != 0 || places[0].Y != 0 || places[0].Color != int(colorWhite) {
		t.Fatalf("placement=%+v want white at 0,0", places[0])
	}
	c, err := p.cache.Color(context.Background(), 0, 0)
	if err != nil || c != colorWhite {
		t.Fatalf("cache color=%d err=%v want=%d", c, err, colorWhite)
	}
	if got := p.srv.FetchCount(0, 0); got != 1 {
		t.Fatalf("chunk fetches=%d want=1", got)
	}
}

func TestE2E_ProtectedAndTransparentLeaveCanvasAlone(t *testing.T) {
	p := newPipeline(t, solid(2, 2, white), flat(2, 2), Config{DoNotOverride: []canvas.Color{colorBlack}}, nil)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			p.srv.SetColor(x, y, uint8(colorBlack))
		}
	}
	p.run(t)
	if got := p.srv.Placements(); len(got) != 0 {
		t.Fatalf("placements=%v want none", got)
	}
}

func TestE2E_ExclusionZoneRespected(t *testing.T) {
	prov, err := exclusion.New(exclusion.Config{Static: []exclusion.Zone{{X1: 1, Y1: 0, X2: 2, Y2: 0}}}, nil)
	if err != nil {
		t.Fatalf("exclusion.New: %v", err)
	}
	p := newPipeline(t, solid(3, 1, white), flat(3, 1), Config{}, prov)
	p.run(t)

	places := p.srv.Placements()
	if len(places) != 1 || places[0].X != 0 {
		t.Fatalf("placements=%+v want only x=0", places)
	}
}

func TestE2E_ForbiddenStopsRun(t *testing.T) {
	p := newPipeline(t, solid(2, 2, white), flat(2, 2), Config{}, nil)
	p.srv.OnPlace(func(protocol.PlaceRequest) (int, string) { return 403, "banned" })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.ch.Start()
	p.sched.Start(ctx)
	err := p.sched.WaitForComplete(ctx)
	if err == nil || !protocol.IsFatal(err) {
		t.Fatalf("err=%v want fatal", err)
	}
	if got := p.srv.Placements(); len(got) != 1 {
		t.Fatalf("placements=%d want=1", len(got))
	}
}

func TestE2E_RepairsDriftFromLiveChannel(t *testing.T) {
	p := newPipeline(t, solid(2, 2, white), flat(2, 2), Config{}, nil)
	p.run(t)
	if got := len(p.srv.Placements()); got != 4 {
		t.Fatalf("placements=%d want=4", got)
	}
	canvastest.Eventually(t, 3*time.Second, func() bool {
		return p.srv.Watchers(0, 0) == 1
	}, "chunk 0,0 never watched")

	p.srv.Paint(1, 1, uint8(colorBlack))

	canvastest.Eventually(t, 3*time.Second, func() bool {
		return p.srv.Color(1, 1) == uint8(colorWhite) && len(p.srv.Placements()) == 5
	}, "drift at 1,1 not repaired; color=%d", p.srv.Color(1, 1))
	canvastest.Eventually(t, 3*time.Second, func() bool {
		return p.sched.State() == StateDone
	}, "state=%s want=done", p.sched.State())
}
