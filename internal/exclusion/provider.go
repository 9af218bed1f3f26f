package exclusion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

type Zone = protocol.ExclusionZone

// Contains reports whether (x,y) lies in z, bounds inclusive.
func Contains(z Zone, x, y int) bool {
	x1, x2 := z.X1, z.X2
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	y1, y2 := z.Y1, z.Y2
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return x >= x1 && x <= x2 && y >= y1 && y <= y2
}

type Config struct {
	URL             string
	RefreshInterval time.Duration
	HTTPTimeout     time.Duration
	Static          []Zone
}

// Provider serves no-paint zones: static ones from config plus a remote feed
// refreshed on a fixed interval.
type Provider struct {
	cfg    Config
	hc     *http.Client
	schema *jsonschema.Schema
	logger *log.Logger

	mu        sync.RWMutex
	remote    []Zone
	fetchedAt time.Time
}

func New(cfg Config, logger *log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	schema, err := protocol.CompileSchema(protocol.SchemaExclusions)
	if err != nil {
		return nil, fmt.Errorf("exclusion: %w", err)
	}
	return &Provider{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.HTTPTimeout},
		schema: schema,
		logger: logger,
	}, nil
}

// Excluded reports whether (x,y) is inside any zone.
func (p *Provider) Excluded(x, y int) bool {
	if p == nil {
		return false
	}
	for _, z := range p.cfg.Static {
		if Contains(z, x, y) {
			return true
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, z := range p.remote {
		if Contains(z, x, y) {
			return true
		}
	}
	return false
}

// Zones returns the static zones followed by the last fetched remote zones.
func (p *Provider) Zones() []Zone {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Zone, 0, len(p.cfg.Static)+len(p.remote))
	out = append(out, p.cfg.Static...)
	return append(out, p.remote...)
}

func (p *Provider) FetchedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fetchedAt
}

// Refresh downloads the feed once. On failure the previous zones stay.
func (p *Provider) Refresh(ctx context.Context) error {
	if strings.TrimSpace(p.cfg.URL) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("exclusion feed: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if err := protocol.ValidateJSON(p.schema, raw); err != nil {
		return fmt.Errorf("exclusion feed: %w", err)
	}
	var feed protocol.ExclusionFeed
	if err := json.Unmarshal(raw, &feed); err != nil {
		return fmt.Errorf("exclusion feed: %w", err)
	}

	p.mu.Lock()
	p.remote = feed.Exclusions
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return nil
}

// Run refreshes every RefreshInterval until ctx ends. The first fetch is
// left to the caller's Refresh.
func (p *Provider) Run(ctx context.Context) {
	if strings.TrimSpace(p.cfg.URL) == "" {
		return
	}
	t := time.NewTicker(p.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.refresh(ctx)
		}
	}
}

func (p *Provider) refresh(ctx context.Context) {
	err := p.Refresh(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Printf("exclusion: refresh failed, keeping %d zones: %v", len(p.Zones()), err)
		return
	}
	p.logger.Printf("exclusion: %d zones active", len(p.Zones()))
}
