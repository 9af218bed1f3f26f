package painter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

var ErrStopped = errors.New("painter stopped")

type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateWorking
	StateDone
	StateStopped
)

var stateNames = [...]string{"idle", "initializing", "working", "done", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Canvas is the chunk cache as used by the scheduler.
type Canvas interface {
	Color(ctx context.Context, x, y int) (canvas.Color, error)
	PlacePixel(ctx context.Context, x, y int, c canvas.Color) (protocol.Outcome, error)
}

type Palette interface {
	Nearest(r, g, b uint8) canvas.Color
	Equivalent(a, b canvas.Color) bool
}

// PriorityMap yields image-local points per intensity level 0..255.
type PriorityMap interface {
	Level(i int) []image.Point
}

type Excluder interface {
	Excluded(x, y int) bool
}

type Config struct {
	// Global coordinate of the image's top-left pixel.
	OriginX int
	OriginY int
	// Current canvas colors that are never painted over.
	DoNotOverride []canvas.Color

	BatchSize           int
	GridSize            int
	RetryDelay          time.Duration
	CooldownJitter      time.Duration
	CooldownMargin      time.Duration
	ReconcileDelay      time.Duration
	MalformedFatalAfter int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.GridSize <= 0 {
		c.GridSize = 10
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.CooldownJitter <= 0 {
		c.CooldownJitter = 40 * time.Second
	}
	if c.CooldownMargin <= 0 {
		c.CooldownMargin = 4 * time.Second
	}
	switch {
	case c.ReconcileDelay == 0:
		c.ReconcileDelay = 2 * time.Second
	case c.ReconcileDelay < 0:
		c.ReconcileDelay = 0
	}
	if c.MalformedFatalAfter <= 0 {
		c.MalformedFatalAfter = 5
	}
	return c
}

type Deps struct {
	Canvas     Canvas
	Image      image.Image
	Palette    Palette
	Priority   PriorityMap
	Exclusions Excluder
	Recorder   Recorder
	Logger     *log.Logger

	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
	Now   func() time.Time
}

type Stats struct {
	State             string
	Queue             int
	Placed            uint64
	Cooldowns         uint64
	Retries           uint64
	Drifts            uint64
	Requeued          uint64
	CooldownRemaining time.Duration
	CooldownCeiling   float64
}

// Scheduler paints one image onto the canvas. Work is a stack of global
// coordinates drained by at most one goroutine at a time.
type Scheduler struct {
	cfg    Config
	canvas Canvas
	img    image.Image
	pal    Palette
	prio   PriorityMap
	excl   Excluder
	rec    Recorder
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	cooldown *Cooldown

	mu      sync.Mutex
	ctx     context.Context
	state   State
	working bool
	queue   []image.Point
	err     error

	completeOnce sync.Once
	complete     chan struct{}
	stopped      chan struct{}

	placed    atomic.Uint64
	cooldowns atomic.Uint64
	retries   atomic.Uint64
	drifts    atomic.Uint64
	requeued  atomic.Uint64
	malformed atomic.Int64
}

func New(cfg Config, d Deps) (*Scheduler, error) {
	if d.Canvas == nil || d.Image == nil || d.Palette == nil || d.Priority == nil {
		return nil, errors.New("painter: canvas, image, palette and priority map are required")
	}
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Sleep == nil {
		d.Sleep = canvas.SleepContext
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		canvas:   d.Canvas,
		img:      d.Image,
		pal:      d.Palette,
		prio:     d.Priority,
		excl:     d.Exclusions,
		rec:      d.Recorder,
		logger:   d.Logger,
		sleep:    d.Sleep,
		now:      d.Now,
		rng:      d.Rand,
		cooldown: NewCooldown(d.Now),
		complete: make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start builds the initial work order in the background; placement begins
// with the first accepted intensity level.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.state = StateInitializing
	s.mu.Unlock()
	go s.initialize(ctx)
}

// WaitForComplete returns nil the first time the queue drains after the
// initial scan, or the stop error if a fatal outcome ended the run.
func (s *Scheduler) WaitForComplete(ctx context.Context) error {
	select {
	case <-s.complete:
		return nil
	case <-s.stopped:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once the scheduler has stopped for good.
func (s *Scheduler) Stopped() <-chan struct{} { return s.stopped }

func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Footprint is the image rectangle in global coordinates.
func (s *Scheduler) Footprint() image.Rectangle {
	b := s.img.Bounds()
	return image.Rect(s.cfg.OriginX, s.cfg.OriginY, s.cfg.OriginX+b.Dx(), s.cfg.OriginY+b.Dy())
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{State: s.state.String(), Queue: len(s.queue)}
	s.mu.Unlock()
	st.Placed = s.placed.Load()
	st.Cooldowns = s.cooldowns.Load()
	st.Retries = s.retries.Load()
	st.Drifts = s.drifts.Load()
	st.Requeued = s.requeued.Load()
	st.CooldownRemaining = s.cooldown.Remaining()
	st.CooldownCeiling = s.cooldown.Ceiling()
	return st
}

// OnPixelChanged is the chunk cache subscriber. Changes inside the image are
// re-checked and, if they need fixing, pushed after a short random delay.
func (s *Scheduler) OnPixelChanged(x, y int, c canvas.Color) {
	if _, visible := s.source(x, y); !visible {
		return
	}
	s.mu.Lock()
	ctx, st := s.ctx, s.state
	s.mu.Unlock()
	if ctx == nil || st == StateStopped {
		return
	}
	go s.reconcile(ctx, x, y, c)
}

func (s *Scheduler) reconcile(ctx context.Context, x, y int, observed canvas.Color) {
	desired, ok, err := s.shouldPlace(ctx, x, y)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("painter: recheck %d,%d: %v", x, y, err)
		}
		return
	}
	if s.pal.Equivalent(observed, desired) {
		return
	}
	s.drifts.Add(1)
	_ = s.rec.RecordDrift(DriftRecord{At: s.now(), X: x, Y: y, Observed: observed, Desired: desired, Requeued: ok})
	if !ok {
		return
	}
	delay := time.Duration(s.randFloat() * float64(s.cfg.ReconcileDelay))
	if err := s.sleep(ctx, delay); err != nil {
		return
	}
	s.requeued.Add(1)
	s.logger.Printf("painter: %d,%d overwritten with %d, requeued", x, y, observed)
	s.push(image.Pt(x, y))
}

func (s *Scheduler) initialize(ctx context.Context) {
	started := s.now()
	b := s.img.Bounds()
	center := image.Pt(b.Dx()/2, b.Dy()/2)
	total := 0

	for level := 0; level < 256; level++ {
		pts := append([]image.Point(nil), s.prio.Level(level)...)
		if len(pts) == 0 {
			continue
		}
		s.sortForConstruction(pts, center)
		// A level is pushed whole so its stack order survives a running drain.
		accepted := make([]image.Point, 0, len(pts))
		for i := 0; i < len(pts); i += s.cfg.BatchSize {
			end := min(i+s.cfg.BatchSize, len(pts))
			for _, p := range pts[i:end] {
				g := image.Pt(p.X+s.cfg.OriginX, p.Y+s.cfg.OriginY)
				_, ok, err := s.shouldPlace(ctx, g.X, g.Y)
				if err != nil {
					s.fail(fmt.Errorf("initial scan at %d,%d: %w", g.X, g.Y, err))
					return
				}
				if ok {
					accepted = append(accepted, g)
				}
			}
			if s.State() == StateStopped {
				return
			}
			runtime.Gosched()
		}
		total += len(accepted)
		s.push(accepted...)
	}

	s.logger.Printf("painter: initial scan queued %s pixels in %s", humanize.Comma(int64(total)), s.now().Sub(started).Round(time.Millisecond))
	s.mu.Lock()
	if s.state == StateInitializing {
		s.state = StateWorking
		if !s.working && len(s.queue) == 0 {
			s.markDoneLocked()
		}
	}
	s.mu.Unlock()
	s.kick()
}

// sortForConstruction orders one intensity level so that, pushed in order,
// grid points come off the stack first and farther points before nearer ones.
func (s *Scheduler) sortForConstruction(pts []image.Point, center image.Point) {
	sort.SliceStable(pts, func(i, j int) bool {
		gi, gj := s.onGrid(pts[i]), s.onGrid(pts[j])
		if gi != gj {
			return gj
		}
		return dist2(pts[i], center) < dist2(pts[j], center)
	})
}

func (s *Scheduler) onGrid(p image.Point) bool {
	g := s.cfg.GridSize
	return (p.X+p.Y)%g == 0 || abs(p.X-p.Y)%g == 0
}

// shouldPlace returns the desired color and whether (x,y) needs painting.
func (s *Scheduler) shouldPlace(ctx context.Context, x, y int) (canvas.Color, bool, error) {
	px, visible := s.source(x, y)
	if !visible {
		return 0, false, nil
	}
	desired := s.pal.Nearest(px.R, px.G, px.B)
	if s.excl != nil && s.excl.Excluded(x, y) {
		return desired, false, nil
	}
	cur, err := s.canvas.Color(ctx, x, y)
	if err != nil {
		return desired, false, err
	}
	if s.pal.Equivalent(desired, cur) {
		return desired, false, nil
	}
	for _, c := range s.cfg.DoNotOverride {
		if c == cur {
			return desired, false, nil
		}
	}
	return desired, true, nil
}

// source returns the image pixel for a global coordinate; visible is false
// outside the image and for fully transparent pixels.
func (s *Scheduler) source(x, y int) (color.NRGBA, bool) {
	b := s.img.Bounds()
	lx, ly := x-s.cfg.OriginX, y-s.cfg.OriginY
	if lx < 0 || ly < 0 || lx >= b.Dx() || ly >= b.Dy() {
		return color.NRGBA{}, false
	}
	c := color.NRGBAModel.Convert(s.img.At(b.Min.X+lx, b.Min.Y+ly)).(color.NRGBA)
	return c, c.A != 0
}

func (s *Scheduler) push(pts ...image.Point) {
	if len(pts) == 0 {
		return
	}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, pts...)
	s.mu.Unlock()
	s.kick()
}

// kick starts the drain goroutine unless one is already running.
func (s *Scheduler) kick() {
	s.mu.Lock()
	if s.working || s.state == StateStopped || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.working = true
	if s.state == StateDone {
		s.state = StateWorking
	}
	ctx := s.ctx
	s.mu.Unlock()
	go s.drain(ctx)
}

func (s *Scheduler) pop() (image.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if n == 0 || s.state == StateStopped {
		s.working = false
		if s.state == StateWorking {
			s.markDoneLocked()
		}
		return image.Point{}, false
	}
	p := s.queue[n-1]
	s.queue = s.queue[:n-1]
	return p, true
}

func (s *Scheduler) markDoneLocked() {
	s.state = StateDone
	s.completeOnce.Do(func() { close(s.complete) })
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		p, ok := s.pop()
		if !ok {
			return
		}
		if err := s.work(ctx, p); err != nil {
			s.fail(err)
			return
		}
	}
}

// work places one coordinate, sleeping through cooldowns and retrying
// transient failures until the pixel is placed or no longer needed.
func (s *Scheduler) work(ctx context.Context, p image.Point) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		desired, ok, err := s.shouldPlace(ctx, p.X, p.Y)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if d := s.cooldown.Excess(); d > 0 {
			s.logger.Printf("painter: cooldown %s above ceiling, waiting %s", s.cooldown.Remaining().Round(time.Second), d.Round(time.Second))
			if err := s.sleep(ctx, d); err != nil {
				return err
			}
		}

		out, err := s.canvas.PlacePixel(ctx, p.X, p.Y, desired)
		_ = s.rec.RecordPlacement(PlacementRecord{
			At:              s.now(),
			X:               p.X,
			Y:               p.Y,
			Color:           desired,
			Outcome:         out.Kind.String(),
			WaitSeconds:     out.WaitSeconds,
			CoolDownSeconds: out.CoolDownSeconds,
			Message:         out.Message,
		})
		if err != nil {
			return err
		}

		switch {
		case out.Kind == protocol.OutcomeSuccess:
			s.placed.Add(1)
			s.malformed.Store(0)
			s.cooldown.Update(out.WaitSeconds)
			s.logger.Printf("painter: placed %d,%d color=%d wait=%.1fs", p.X, p.Y, desired, out.WaitSeconds)
			return nil

		case out.Kind == protocol.OutcomeCooldown:
			s.cooldowns.Add(1)
			s.malformed.Store(0)
			s.cooldown.Update(out.WaitSeconds)
			s.cooldown.SetCeiling(out.WaitSeconds + out.CoolDownSeconds + s.cfg.CooldownMargin.Seconds())
			d := s.cooldownSleep(out.WaitSeconds)
			s.logger.Printf("painter: cooldown at %d,%d, sleeping %s", p.X, p.Y, d.Round(time.Second))
			if err := s.sleep(ctx, d); err != nil {
				return err
			}

		case out.Fatal():
			return fmt.Errorf("place %d,%d: %w: %s", p.X, p.Y, out.Err(), out.Message)

		default:
			s.retries.Add(1)
			if out.Malformed {
				if n := s.malformed.Add(1); n >= int64(s.cfg.MalformedFatalAfter) {
					s.logger.Printf("painter: persistent malformed responses (%d in a row), still retrying: %s", n, out.Message)
				}
			} else {
				s.malformed.Store(0)
			}
			s.logger.Printf("painter: place %d,%d failed, retrying in %s: %s", p.X, p.Y, s.cfg.RetryDelay, out)
			if err := s.sleep(ctx, s.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
}

// cooldownSleep is waitSeconds minus a jitter in (0, CooldownJitter].
func (s *Scheduler) cooldownSleep(waitSeconds float64) time.Duration {
	jitter := (1 - s.randFloat()) * s.cfg.CooldownJitter.Seconds()
	d := time.Duration((waitSeconds - jitter) * float64(time.Second))
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.err = fmt.Errorf("%w: %w", ErrStopped, err)
	s.working = false
	s.queue = nil
	s.mu.Unlock()
	defer close(s.stopped)

	switch {
	case protocol.IsFatal(err):
		s.logger.Printf("painter: fatal, stopping all placement: %v", err)
	case errors.Is(err, context.Canceled):
		s.logger.Printf("painter: stopped")
	default:
		s.logger.Printf("painter: stopped: %v", err)
	}
}

func (s *Scheduler) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func dist2(p, c image.Point) int {
	dx, dy := p.X-c.X, p.Y-c.Y
	return dx*dx + dy*dy
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
