package canvas

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

type fakeTransport struct {
	mu       sync.Mutex
	fetches  map[ChunkID]int
	bodies   map[ChunkID][]byte
	fetchErr []error
	gate     chan struct{}
	places   []protocol.PlaceRequest
	outcome  protocol.Outcome
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fetches: map[ChunkID]int{},
		bodies:  map[ChunkID][]byte{},
		outcome: protocol.Outcome{Kind: protocol.OutcomeSuccess, WaitSeconds: 4},
	}
}

func (f *fakeTransport) FetchChunk(ctx context.Context, cx, cy int) ([]byte, error) {
	if f.gate != nil {
		<-f.gate
	}
	id := ChunkIDOf(cx, cy)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	if len(f.fetchErr) > 0 {
		err := f.fetchErr[0]
		f.fetchErr = f.fetchErr[1:]
		return nil, err
	}
	return f.bodies[id], nil
}

func (f *fakeTransport) PlacePixel(ctx context.Context, x, y int, c Color) protocol.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.places = append(f.places, protocol.NewPlaceRequest(x, y, int(c), "test"))
	return f.outcome
}

func (f *fakeTransport) fetchCount(id ChunkID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched [][2]int
}

func (w *fakeWatcher) WatchChunk(cx, cy int) {
	w.mu.Lock()
	w.watched = append(w.watched, [2]int{cx, cy})
	w.mu.Unlock()
}

func noSleep() RetryPolicy {
	return RetryPolicy{Delay: 2 * time.Second, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func TestCache_ConcurrentReadsFetchOnce(t *testing.T) {
	api := newFakeTransport()
	api.gate = make(chan struct{})
	w := &fakeWatcher{}
	c := NewCache(api, w, noSleep(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Color(context.Background(), i, i); err != nil {
				errs <- err
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(api.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Color: %v", err)
	}

	id, _ := ToChunk(0, 0)
	if n := api.fetchCount(id); n != 1 {
		t.Fatalf("fetches=%d want=1", n)
	}
	if len(w.watched) != 1 || w.watched[0] != [2]int{128, 128} {
		t.Fatalf("watched=%v", w.watched)
	}
}

func TestCache_EmptyBodyIsUnsetChunk(t *testing.T) {
	api := newFakeTransport()
	c := NewCache(api, nil, noSleep(), nil)
	col, err := c.Color(context.Background(), -5, 7)
	if err != nil {
		t.Fatalf("Color: %v", err)
	}
	if col != 0 {
		t.Fatalf("color=%d want=0", col)
	}
}

func TestCache_ReadsFetchedBytes(t *testing.T) {
	api := newFakeTransport()
	id, off := ToChunk(10, -20)
	body := make([]byte, ChunkArea)
	body[off] = 6
	api.bodies[id] = body
	c := NewCache(api, nil, noSleep(), nil)
	col, err := c.Color(context.Background(), 10, -20)
	if err != nil {
		t.Fatalf("Color: %v", err)
	}
	if col != 6 {
		t.Fatalf("color=%d want=6", col)
	}
}

func TestCache_PlaceWritesThrough(t *testing.T) {
	api := newFakeTransport()
	id, off := ToChunk(3, 4)
	body := make([]byte, ChunkArea)
	body[off] = 6
	api.bodies[id] = body
	c := NewCache(api, nil, noSleep(), nil)

	if _, err := c.Color(context.Background(), 3, 4); err != nil {
		t.Fatalf("Color: %v", err)
	}
	out, err := c.PlacePixel(context.Background(), 3, 4, 2)
	if err != nil {
		t.Fatalf("PlacePixel: %v", err)
	}
	if out.Kind != protocol.OutcomeSuccess {
		t.Fatalf("outcome=%s", out)
	}
	col, err := c.Color(context.Background(), 3, 4)
	if err != nil {
		t.Fatalf("Color: %v", err)
	}
	if col != 2 {
		t.Fatalf("color=%d want=2", col)
	}
	if n := api.fetchCount(id); n != 1 {
		t.Fatalf("fetches=%d want=1", n)
	}
}

func TestCache_RejectedPlacementLeavesBuffer(t *testing.T) {
	api := newFakeTransport()
	api.outcome = protocol.Outcome{Kind: protocol.OutcomeCooldown, WaitSeconds: 80, CoolDownSeconds: 10}
	c := NewCache(api, nil, noSleep(), nil)
	out, err := c.PlacePixel(context.Background(), 1, 1, 5)
	if err != nil {
		t.Fatalf("PlacePixel: %v", err)
	}
	if out.Kind != protocol.OutcomeCooldown {
		t.Fatalf("outcome=%s", out)
	}
	if len(c.Loaded()) != 0 {
		t.Fatalf("rejected placement should not load a chunk")
	}
}

func TestCache_PushForUnknownChunkIsDropped(t *testing.T) {
	api := newFakeTransport()
	c := NewCache(api, nil, noSleep(), nil)
	called := false
	c.Subscribe(func(x, y int, col Color) { called = true })

	c.HandlePixelUpdate(protocol.PixelUpdate{ChunkX: 10, ChunkY: 11, Offset: 5, Color: 3})

	if called {
		t.Fatalf("subscriber invoked for uncached chunk")
	}
	if len(c.Loaded()) != 0 {
		t.Fatalf("push created a chunk: %v", c.Loaded())
	}
	if st := c.Stats(); st.UpdatesDropped != 1 {
		t.Fatalf("UpdatesDropped=%d want=1", st.UpdatesDropped)
	}
}

func TestCache_PushUpdatesCachedChunk(t *testing.T) {
	api := newFakeTransport()
	c := NewCache(api, nil, noSleep(), nil)
	if _, err := c.Color(context.Background(), 300, -2); err != nil {
		t.Fatalf("Color: %v", err)
	}
	id, off := ToChunk(300, -2)
	cx, cy := id.Coords()

	var gotX, gotY int
	var gotC Color
	c.Subscribe(func(x, y int, col Color) { gotX, gotY, gotC = x, y, col })
	c.HandlePixelUpdate(protocol.PixelUpdate{ChunkX: cx, ChunkY: cy, Offset: off, Color: 12})

	if gotX != 300 || gotY != -2 || gotC != 12 {
		t.Fatalf("notified (%d,%d)=%d", gotX, gotY, gotC)
	}
	col, _ := c.Color(context.Background(), 300, -2)
	if col != 12 {
		t.Fatalf("color=%d want=12", col)
	}
	if n := api.fetchCount(id); n != 1 {
		t.Fatalf("fetches=%d want=1", n)
	}
}

func TestCache_RetriesThenSucceeds(t *testing.T) {
	api := newFakeTransport()
	api.fetchErr = []error{errors.New("502"), errors.New("timeout")}
	c := NewCache(api, nil, noSleep(), nil)
	if _, err := c.Color(context.Background(), 0, 0); err != nil {
		t.Fatalf("Color: %v", err)
	}
	if st := c.Stats(); st.FetchRetries != 2 || st.Fetches != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestCache_ForbiddenFetchIsFatal(t *testing.T) {
	api := newFakeTransport()
	api.fetchErr = []error{protocol.ErrForbidden}
	c := NewCache(api, nil, noSleep(), nil)
	_, err := c.Color(context.Background(), 0, 0)
	if !protocol.IsFatal(err) {
		t.Fatalf("err=%v want fatal", err)
	}
	if len(c.Loaded()) != 0 {
		t.Fatalf("failed fetch cached a chunk")
	}
}

func TestCache_OutOfBounds(t *testing.T) {
	c := NewCache(newFakeTransport(), nil, noSleep(), nil)
	if _, err := c.Color(context.Background(), HalfWidth, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("err=%v", err)
	}
}
