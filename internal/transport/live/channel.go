package live

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL         string
	Fingerprint string
	Origin      string
	UserAgent   string

	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	// ReadTimeout closes a silent connection; 0 waits forever.
	ReadTimeout time.Duration
}

type Stats struct {
	State       string
	Watched     int
	Connects    uint64
	Frames      uint64
	Ignored     uint64
	LastError   string
	ConnectedAt time.Time
}

// Channel is a reconnecting websocket that streams pixel changes for the
// chunks registered with WatchChunk.
type Channel struct {
	cfg    Config
	logger *log.Logger
	dialer websocket.Dialer

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	watched     map[[2]int]struct{}
	order       [][2]int
	handler     func(protocol.PixelUpdate)
	lastErr     string
	connectedAt time.Time

	writeMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	connects atomic.Uint64
	frames   atomic.Uint64
	ignored  atomic.Uint64
}

func New(cfg Config, logger *log.Logger) *Channel {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Channel{
		cfg:     cfg,
		logger:  logger,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		watched: map[[2]int]struct{}{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnPixelUpdate installs the single handler for parsed pixel changes. It runs
// on the read goroutine.
func (c *Channel) OnPixelUpdate(fn func(protocol.PixelUpdate)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Channel) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		// Never started: nothing will close done.
		c.startOnce.Do(func() { close(c.done) })
		c.disconnect(nil)
		<-c.done
	})
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WatchChunk registers a chunk. Registrations survive reconnects and are sent
// again every time the connection opens.
func (c *Channel) WatchChunk(cx, cy int) {
	key := [2]int{cx, cy}
	c.mu.Lock()
	if _, ok := c.watched[key]; ok {
		c.mu.Unlock()
		return
	}
	c.watched[key] = struct{}{}
	c.order = append(c.order, key)
	var conn *websocket.Conn
	if c.state == StateOpen {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.send(conn, protocol.EncodeRegisterChunk(cx, cy)); err != nil {
			c.logger.Printf("live: watch chunk %d,%d: %v", cx, cy, err)
			c.disconnect(conn)
		}
	}
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:       c.state.String(),
		Watched:     len(c.order),
		Connects:    c.connects.Load(),
		Frames:      c.frames.Load(),
		Ignored:     c.ignored.Load(),
		LastError:   c.lastErr,
		ConnectedAt: c.connectedAt,
	}
}

func (c *Channel) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		err := c.connectAndReadLoop()

		select {
		case <-c.stop:
			return
		default:
		}
		if err != nil {
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			c.logger.Printf("live: disconnected: %v (reconnecting in %s)", err, c.cfg.ReconnectInterval)
		}
		select {
		case <-c.stop:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Channel) connectAndReadLoop() error {
	c.setState(StateConnecting)

	conn, resp, err := c.dialer.Dial(c.dialURL(), c.header())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	select {
	case <-c.stop:
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	default:
	}
	c.conn = conn
	c.state = StateOpen
	c.lastErr = ""
	c.connectedAt = time.Now()
	keys := append([][2]int(nil), c.order...)
	c.mu.Unlock()
	c.connects.Add(1)
	c.logger.Printf("live: connected, watching %d chunks", len(keys))

	for _, k := range keys {
		if err := c.send(conn, protocol.EncodeRegisterChunk(k[0], k[1])); err != nil {
			c.disconnect(conn)
			return fmt.Errorf("rewatch: %w", err)
		}
	}

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			c.disconnect(conn)
			return err
		}
		c.frames.Add(1)
		if mt != websocket.BinaryMessage {
			c.ignored.Add(1)
			continue
		}
		u, ok := protocol.DecodeFrame(msg)
		if !ok {
			c.ignored.Add(1)
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(u)
		}
	}
}

func (c *Channel) send(conn *websocket.Conn, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// disconnect closes conn, or the current connection when conn is nil.
func (c *Channel) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if conn == nil {
		conn = c.conn
	}
	if conn != nil && c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) dialURL() string {
	if c.cfg.Fingerprint == "" {
		return c.cfg.URL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("fingerprint", c.cfg.Fingerprint)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Channel) header() http.Header {
	h := http.Header{}
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}
	if c.cfg.UserAgent != "" {
		h.Set("User-Agent", c.cfg.UserAgent)
	}
	return h
}
