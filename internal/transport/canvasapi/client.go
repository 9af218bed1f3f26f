package canvasapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

type Config struct {
	BaseURL     string
	Fingerprint string
	UserAgent   string
	HTTPTimeout time.Duration

	// FetchRate limits chunk downloads per second; 0 disables pacing.
	FetchRate  float64
	FetchBurst int
}

// StatusError is a non-2xx answer from the canvas.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusForbidden {
		return protocol.ErrForbidden
	}
	return nil
}

// Client talks to the canvas HTTP API.
type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
	schema  *jsonschema.Schema
}

func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("canvasapi: empty base url")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	schema, err := protocol.CompileSchema(protocol.SchemaPlaceResponse)
	if err != nil {
		return nil, fmt.Errorf("canvasapi: %w", err)
	}
	// Session cookies set by the canvas are sent back on later requests.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("canvasapi: cookie jar: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.HTTPTimeout, Jar: jar},
		schema: schema,
	}
	if cfg.FetchRate > 0 {
		burst := cfg.FetchBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.FetchRate), burst)
	}
	return c, nil
}

func (c *Client) Fingerprint() string { return c.cfg.Fingerprint }

// FetchChunk downloads the raw color indices of one chunk. An empty body is a
// valid, fully unset chunk. 403 unwraps to protocol.ErrForbidden; every other
// failure is retryable.
func (c *Client) FetchChunk(ctx context.Context, cx, cy int) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	op := fmt.Sprintf("fetch chunk %d,%d", cx, cy)
	u := fmt.Sprintf("%s/chunks/%d/%d.bin", c.cfg.BaseURL, cx, cy)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, canvas.ChunkArea+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(b) > canvas.ChunkArea {
		return nil, fmt.Errorf("%s: %w: body exceeds %d bytes", op, protocol.ErrMalformed, canvas.ChunkArea)
	}
	return b, nil
}

// PlacePixel submits one placement and classifies the answer. It never
// returns an error; transport failures become OutcomeTransportError.
func (c *Client) PlacePixel(ctx context.Context, x, y int, col canvas.Color) protocol.Outcome {
	body, err := json.Marshal(protocol.NewPlaceRequest(x, y, int(col), c.cfg.Fingerprint))
	if err != nil {
		return protocol.Outcome{Kind: protocol.OutcomeUnknown, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/pixel", bytes.NewReader(body))
	if err != nil {
		return protocol.Outcome{Kind: protocol.OutcomeUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return protocol.Outcome{Kind: protocol.OutcomeTransportError, Message: err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return protocol.Outcome{Kind: protocol.OutcomeTransportError, Status: resp.StatusCode, Message: err.Error()}
	}
	return c.classify(resp.StatusCode, raw)
}

func (c *Client) classify(status int, raw []byte) protocol.Outcome {
	text := strings.TrimSpace(string(raw))
	if len(text) > 256 {
		text = text[:256]
	}
	switch {
	case status == http.StatusForbidden:
		return protocol.Outcome{Kind: protocol.OutcomeForbidden, Status: status, Message: text}
	case status == http.StatusUnprocessableEntity:
		return protocol.Outcome{Kind: protocol.OutcomeChallenge, Status: status, Message: text}
	case status >= 500:
		return protocol.Outcome{Kind: protocol.OutcomeServerError, Status: status, Message: text}
	case status/100 != 2:
		return protocol.Outcome{Kind: protocol.OutcomeUnknown, Status: status, Message: fmt.Sprintf("status %d: %s", status, text)}
	}

	if err := protocol.ValidateJSON(c.schema, raw); err != nil {
		return protocol.Outcome{Kind: protocol.OutcomeUnknown, Status: status, Message: err.Error(), Malformed: true}
	}
	var pr protocol.PlaceResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return protocol.Outcome{Kind: protocol.OutcomeUnknown, Status: status, Message: err.Error(), Malformed: true}
	}
	kind := protocol.OutcomeCooldown
	if pr.Success {
		kind = protocol.OutcomeSuccess
	}
	return protocol.Outcome{
		Kind:            kind,
		WaitSeconds:     pr.WaitSeconds,
		CoolDownSeconds: pr.CoolDownSeconds,
		Status:          status,
	}
}

func (c *Client) decorate(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Origin", c.cfg.BaseURL)
	req.Header.Set("Referer", c.cfg.BaseURL+"/")
}
