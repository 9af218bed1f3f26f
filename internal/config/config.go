package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

type Config struct {
	Canvas    CanvasConfig    `yaml:"canvas"`
	Image     ImageConfig     `yaml:"image"`
	Painter   PainterConfig   `yaml:"painter"`
	Exclusion ExclusionConfig `yaml:"exclusion"`
	Storage   StorageConfig   `yaml:"storage"`
	Status    StatusConfig    `yaml:"status"`
}

type CanvasConfig struct {
	BaseURL           string        `yaml:"base_url"`
	WSURL             string        `yaml:"ws_url"`
	Fingerprint       string        `yaml:"fingerprint"`
	UserAgent         string        `yaml:"user_agent"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	FetchRate         float64       `yaml:"fetch_rate"`
	FetchBurst        int           `yaml:"fetch_burst"`
}

type ImageConfig struct {
	Path    string  `yaml:"path"`
	Dither  bool    `yaml:"dither"`
	Scale   float64 `yaml:"scale"`
	Edges   string  `yaml:"edges"`
	Preview string  `yaml:"preview"`
}

type PainterConfig struct {
	X             int   `yaml:"x"`
	Y             int   `yaml:"y"`
	Watch         bool  `yaml:"watch"`
	DoNotOverride []int `yaml:"do_not_override,omitempty"`

	BatchSize      int           `yaml:"batch_size"`
	GridSize       int           `yaml:"grid_size"`
	CooldownJitter time.Duration `yaml:"cooldown_jitter"`
	CooldownMargin time.Duration `yaml:"cooldown_margin"`
	ReconcileDelay time.Duration `yaml:"reconcile_delay"`
}

type ExclusionConfig struct {
	URL     string                   `yaml:"url"`
	Refresh time.Duration            `yaml:"refresh"`
	Zones   []protocol.ExclusionZone `yaml:"zones,omitempty"`
}

type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`
	Journal          bool          `yaml:"journal"`
	Ledger           bool          `yaml:"ledger"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	Mirror           MirrorConfig  `yaml:"mirror"`
}

// MirrorConfig points at an S3-compatible bucket. An empty endpoint disables
// mirroring. Keys usually come from the environment.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// Load returns the defaults overlaid with the YAML file at path. Unknown keys
// are rejected. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Canvas: CanvasConfig{
			BaseURL:           "https://pixelplanet.fun",
			WSURL:             "wss://pixelplanet.fun/ws",
			HTTPTimeout:       30 * time.Second,
			RetryDelay:        2 * time.Second,
			ReconnectInterval: 5 * time.Second,
			FetchRate:         10,
			FetchBurst:        4,
		},
		Image: ImageConfig{
			Scale:   1,
			Preview: "expectedOutput.png",
		},
		Painter: PainterConfig{
			BatchSize:      20,
			GridSize:       10,
			CooldownJitter: 40 * time.Second,
			CooldownMargin: 4 * time.Second,
			ReconcileDelay: 2 * time.Second,
		},
		Exclusion: ExclusionConfig{
			Refresh: 5 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir:          "data",
			Journal:          true,
			Ledger:           true,
			SnapshotInterval: 10 * time.Minute,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Canvas.BaseURL = strings.TrimRight(strings.TrimSpace(c.Canvas.BaseURL), "/")
	c.Canvas.WSURL = strings.TrimSpace(c.Canvas.WSURL)
	c.Canvas.Fingerprint = strings.TrimSpace(c.Canvas.Fingerprint)
	c.Image.Path = strings.TrimSpace(c.Image.Path)
	c.Image.Edges = strings.TrimSpace(c.Image.Edges)
	if c.Image.Scale <= 0 {
		c.Image.Scale = 1
	}
	if c.Canvas.FetchBurst <= 0 && c.Canvas.FetchRate > 0 {
		c.Canvas.FetchBurst = 1
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "."
	}
	c.Storage.Mirror.Endpoint = strings.TrimSpace(c.Storage.Mirror.Endpoint)
	c.Storage.Mirror.Bucket = strings.TrimSpace(c.Storage.Mirror.Bucket)
}

func (c Config) Validate() error {
	if err := checkURL("canvas.base_url", c.Canvas.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("canvas.ws_url", c.Canvas.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Exclusion.URL != "" {
		if err := checkURL("exclusion.url", c.Exclusion.URL, "http", "https"); err != nil {
			return err
		}
	}
	if c.Canvas.HTTPTimeout <= 0 || c.Canvas.RetryDelay <= 0 || c.Canvas.ReconnectInterval <= 0 {
		return fmt.Errorf("canvas timeouts and intervals must be > 0")
	}
	if c.Canvas.FetchRate < 0 {
		return fmt.Errorf("canvas.fetch_rate must be >= 0")
	}
	if c.Painter.BatchSize <= 0 {
		return fmt.Errorf("painter.batch_size must be > 0")
	}
	if c.Painter.GridSize <= 0 {
		return fmt.Errorf("painter.grid_size must be > 0")
	}
	if c.Painter.CooldownJitter < 0 || c.Painter.CooldownMargin < 0 || c.Painter.ReconcileDelay < 0 {
		return fmt.Errorf("painter durations must be >= 0")
	}
	for _, v := range c.Painter.DoNotOverride {
		if v < 0 || v > 127 {
			return fmt.Errorf("painter.do_not_override: color %d out of range", v)
		}
	}
	if c.Exclusion.Refresh <= 0 {
		return fmt.Errorf("exclusion.refresh must be > 0")
	}
	if c.Storage.SnapshotInterval < 0 {
		return fmt.Errorf("storage.snapshot_interval must be >= 0")
	}
	if m := c.Storage.Mirror; m.Endpoint != "" && (m.Bucket == "" || m.AccessKey == "" || m.SecretKey == "") {
		return fmt.Errorf("storage.mirror: bucket, access_key and secret_key are required with an endpoint")
	}
	return nil
}

// ValidateRun adds the checks that only matter when painting.
func (c Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Image.Path == "" {
		return fmt.Errorf("image.path must not be empty")
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: scheme %q not one of %s", field, u.Scheme, strings.Join(schemes, ","))
}

// LoadDotEnv populates unset environment variables from path. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from PIXELBOT_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Canvas.Fingerprint, "PIXELBOT_FINGERPRINT")
	set(&c.Canvas.BaseURL, "PIXELBOT_BASE_URL")
	set(&c.Canvas.WSURL, "PIXELBOT_WS_URL")
	set(&c.Exclusion.URL, "PIXELBOT_EXCLUSIONS_URL")
	set(&c.Storage.DataDir, "PIXELBOT_DATA_DIR")
	set(&c.Status.Addr, "PIXELBOT_STATUS_ADDR")
	set(&c.Storage.Mirror.Endpoint, "PIXELBOT_MIRROR_ENDPOINT")
	set(&c.Storage.Mirror.Bucket, "PIXELBOT_MIRROR_BUCKET")
	set(&c.Storage.Mirror.AccessKey, "PIXELBOT_MIRROR_ACCESS_KEY")
	set(&c.Storage.Mirror.SecretKey, "PIXELBOT_MIRROR_SECRET_KEY")
	c.Normalize()
}

// EnsureFingerprint generates a fingerprint when none is configured and
// reports whether it did.
func (c *Config) EnsureFingerprint() bool {
	if c.Canvas.Fingerprint != "" {
		return false
	}
	c.Canvas.Fingerprint = NewFingerprint()
	return true
}

// NewFingerprint is a random 32 character lowercase hex id.
func NewFingerprint() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ApplyPositional accepts the short form
// X Y IMAGE [dither y/n] [watch y/n] [protect-csv] [edges-path].
func (c *Config) ApplyPositional(args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) < 3 {
		return fmt.Errorf("expected X Y IMAGE, got %d arguments", len(args))
	}
	if len(args) > 7 {
		return fmt.Errorf("too many arguments: %d", len(args))
	}
	x, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("x: %w", err)
	}
	y, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("y: %w", err)
	}
	c.Painter.X, c.Painter.Y = x, y
	c.Image.Path = strings.TrimSpace(args[2])
	if len(args) > 3 {
		if c.Image.Dither, err = parseYesNo(args[3]); err != nil {
			return fmt.Errorf("dither: %w", err)
		}
	}
	if len(args) > 4 {
		if c.Painter.Watch, err = parseYesNo(args[4]); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
	}
	if len(args) > 5 {
		if c.Painter.DoNotOverride, err = ParseColorList(args[5]); err != nil {
			return fmt.Errorf("protect: %w", err)
		}
	}
	if len(args) > 6 {
		c.Image.Edges = strings.TrimSpace(args[6])
	}
	return nil
}

// ParseColorList parses "3,5, 7" into color indices. Empty input is nil.
func ParseColorList(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("color %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1":
		return true, nil
	case "", "n", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("want y or n, got %q", s)
}
