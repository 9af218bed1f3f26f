package canvas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

var ErrOutOfBounds = errors.New("coordinate outside canvas")

// Transport is the remote canvas as seen by the cache.
type Transport interface {
	FetchChunk(ctx context.Context, cx, cy int) ([]byte, error)
	PlacePixel(ctx context.Context, x, y int, c Color) protocol.Outcome
}

// Watcher subscribes chunks on the live update channel.
type Watcher interface {
	WatchChunk(cx, cy int)
}

// PixelChangeFunc receives remote pixel changes in global coordinates.
type PixelChangeFunc func(x, y int, c Color)

type CacheStats struct {
	LoadedChunks   int
	Fetches        uint64
	FetchRetries   uint64
	UpdatesApplied uint64
	UpdatesDropped uint64
}

// Cache holds every chunk touched during a run. Chunks are never evicted.
type Cache struct {
	api    Transport
	watch  Watcher
	retry  RetryPolicy
	logger *log.Logger

	mu       sync.RWMutex
	chunks   map[ChunkID]*Chunk
	onChange PixelChangeFunc

	fetches singleflight.Group

	fetchTotal     atomic.Uint64
	retryTotal     atomic.Uint64
	updatesApplied atomic.Uint64
	updatesDropped atomic.Uint64
}

func NewCache(api Transport, watch Watcher, retry RetryPolicy, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Cache{
		api:    api,
		watch:  watch,
		retry:  retry,
		logger: logger,
		chunks: map[ChunkID]*Chunk{},
	}
}

// Subscribe installs the single change subscriber, replacing any previous one.
func (c *Cache) Subscribe(fn PixelChangeFunc) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Color returns the current color at a global coordinate, fetching the
// chunk first if this process has not seen it yet.
func (c *Cache) Color(ctx context.Context, x, y int) (Color, error) {
	if !InBounds(x, y) {
		return 0, fmt.Errorf("%d,%d: %w", x, y, ErrOutOfBounds)
	}
	id, off := ToChunk(x, y)
	ch, err := c.load(ctx, id)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ch.At(off), nil
}

// PlacePixel submits one placement. On success the color is written through
// so the next read is consistent without a round trip.
func (c *Cache) PlacePixel(ctx context.Context, x, y int, col Color) (protocol.Outcome, error) {
	if !InBounds(x, y) {
		return protocol.Outcome{}, fmt.Errorf("%d,%d: %w", x, y, ErrOutOfBounds)
	}
	out := c.api.PlacePixel(ctx, x, y, col)
	if out.Kind != protocol.OutcomeSuccess {
		return out, nil
	}
	id, off := ToChunk(x, y)
	ch, err := c.load(ctx, id)
	if err != nil {
		return out, err
	}
	c.mu.Lock()
	ch.Set(off, col)
	c.mu.Unlock()
	return out, nil
}

// HandlePixelUpdate applies a pushed change. Changes for chunks that were
// never loaded are dropped.
func (c *Cache) HandlePixelUpdate(u protocol.PixelUpdate) {
	if u.ChunkX < 0 || u.ChunkX >= ChunksPerAxis || u.ChunkY < 0 || u.ChunkY >= ChunksPerAxis || u.Offset >= ChunkArea {
		c.updatesDropped.Add(1)
		return
	}
	id := ChunkIDOf(u.ChunkX, u.ChunkY)
	col := Color(int8(u.Color))

	c.mu.Lock()
	ch := c.chunks[id]
	if ch == nil {
		c.mu.Unlock()
		c.updatesDropped.Add(1)
		return
	}
	ch.Set(u.Offset, col)
	fn := c.onChange
	c.mu.Unlock()
	c.updatesApplied.Add(1)

	if fn != nil {
		x, y := FromChunkXY(u.ChunkX, u.ChunkY, u.Offset)
		fn(x, y, col)
	}
}

func (c *Cache) lookup(id ChunkID) *Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chunks[id]
}

func (c *Cache) load(ctx context.Context, id ChunkID) (*Chunk, error) {
	if ch := c.lookup(id); ch != nil {
		return ch, nil
	}
	v, err, _ := c.fetches.Do(strconv.Itoa(int(id)), func() (any, error) {
		// A fetch for this id may have finished between lookup and Do.
		if ch := c.lookup(id); ch != nil {
			return ch, nil
		}
		cx, cy := id.Coords()
		var data []byte
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			b, err := c.api.FetchChunk(ctx, cx, cy)
			if err != nil {
				return err
			}
			data = b
			return nil
		}, protocol.IsFatal, func(attempt int, err error) {
			c.retryTotal.Add(1)
			c.logger.Printf("cache: fetch chunk %d,%d attempt %d failed, retrying in %s: %v", cx, cy, attempt, c.retry.Delay, err)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch chunk %d,%d: %w", cx, cy, err)
		}
		ch := newChunk(id, data)
		c.mu.Lock()
		c.chunks[id] = ch
		c.mu.Unlock()
		c.fetchTotal.Add(1)
		if c.watch != nil {
			c.watch.WatchChunk(cx, cy)
		}
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chunk), nil
}

// Loaded returns the ids of all cached chunks, sorted.
func (c *Cache) Loaded() []ChunkID {
	c.mu.RLock()
	ids := make([]ChunkID, 0, len(c.chunks))
	for id := range c.chunks {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Copy returns a copy of a cached chunk buffer.
func (c *Cache) Copy(id ChunkID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch := c.chunks[id]
	if ch == nil {
		return nil, false
	}
	return append([]byte(nil), ch.Pixels...), true
}

// Load fetches a chunk into the cache without reading a pixel.
func (c *Cache) Load(ctx context.Context, cx, cy int) error {
	if cx < 0 || cx >= ChunksPerAxis || cy < 0 || cy >= ChunksPerAxis {
		return fmt.Errorf("chunk %d,%d: %w", cx, cy, ErrOutOfBounds)
	}
	_, err := c.load(ctx, ChunkIDOf(cx, cy))
	return err
}

func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.chunks)
	c.mu.RUnlock()
	return CacheStats{
		LoadedChunks:   n,
		Fetches:        c.fetchTotal.Load(),
		FetchRetries:   c.retryTotal.Load(),
		UpdatesApplied: c.updatesApplied.Load(),
		UpdatesDropped: c.updatesDropped.Load(),
	}
}
