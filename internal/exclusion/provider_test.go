package exclusion

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestContains_InclusiveAndUnordered(t *testing.T) {
	z := Zone{X1: 5, Y1: -2, X2: -5, Y2: 2}
	for _, p := range [][2]int{{-5, -2}, {5, 2}, {0, 0}} {
		if !Contains(z, p[0], p[1]) {
			t.Fatalf("%v should be inside", p)
		}
	}
	if Contains(z, 6, 0) || Contains(z, 0, 3) {
		t.Fatalf("outside point reported inside")
	}
}

func TestProvider_StaticZones(t *testing.T) {
	p, err := New(Config{Static: []Zone{{X1: 0, Y1: 0, X2: 1, Y2: 1}}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.Excluded(1, 1) || p.Excluded(2, 1) {
		t.Fatalf("static zone mismatch")
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh without URL: %v", err)
	}
}

func TestProvider_RefreshKeepsZonesOnBadFeed(t *testing.T) {
	var body atomic.Value
	body.Store(`{"exclusions":[{"x1":10,"y1":10,"x2":20,"y2":20}]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !p.Excluded(15, 20) || p.Excluded(21, 15) {
		t.Fatalf("remote zone mismatch: %v", p.Zones())
	}
	if p.FetchedAt().IsZero() {
		t.Fatalf("FetchedAt not set")
	}

	body.Store(`{"exclusions":[{"x1":"a"}]}`)
	if err := p.Refresh(context.Background()); err == nil {
		t.Fatalf("invalid feed accepted")
	}
	if !p.Excluded(15, 15) {
		t.Fatalf("zones dropped after a failed refresh")
	}

	body.Store(`{"exclusions":[]}`)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p.Excluded(15, 15) {
		t.Fatalf("stale zone kept after an empty feed")
	}
}

func TestProvider_NilIsNeverExcluded(t *testing.T) {
	var p *Provider
	if p.Excluded(0, 0) {
		t.Fatalf("nil provider excluded a point")
	}
}

func TestProvider_RunLeavesFirstFetchToCaller(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"exclusions":[]}`))
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, RefreshInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx)
	if n := hits.Load(); n != 1 {
		t.Fatalf("fetches=%d want=1", n)
	}
}

func TestProvider_CancelledRefreshIsQuiet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"exclusions":[]}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	p, err := New(Config{URL: srv.URL}, log.New(&buf, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.refresh(ctx)
	if strings.Contains(buf.String(), "zones active") || strings.Contains(buf.String(), "refresh failed") {
		t.Fatalf("log=%q want empty", buf.String())
	}
}
