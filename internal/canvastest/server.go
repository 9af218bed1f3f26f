package canvastest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

// PlaceFunc overrides the answer to a placement. Returning a 200 body with
// success=true still paints the pixel.
type PlaceFunc func(req protocol.PlaceRequest) (status int, body string)

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	chunks       map[canvas.ChunkID][]byte
	fetches      map[canvas.ChunkID]int
	places       []protocol.PlaceRequest
	place        PlaceFunc
	clients      map[*client]struct{}
	fingerprints []string
}

type client struct {
	conn    *websocket.Conn
	out     chan []byte
	watched map[canvas.ChunkID]struct{}
}

func New() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		chunks:  map[canvas.ChunkID][]byte{},
		fetches: map[canvas.ChunkID]int{},
		clients: map[*client]struct{}{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chunks/{cx}/{file}", s.handleChunk)
	mux.HandleFunc("POST /api/pixel", s.handlePlace)
	mux.HandleFunc("GET /ws", s.handleWS)
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *Server) Close() {
	s.DropClients()
	s.srv.Close()
}

// SetColor changes a pixel without notifying watchers.
func (s *Server) SetColor(x, y int, c uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(x, y, c)
}

// Paint changes a pixel as another agent would, notifying watchers.
func (s *Server) Paint(x, y int, c uint8) {
	s.mu.Lock()
	s.setLocked(x, y, c)
	s.mu.Unlock()
	s.broadcast(x, y, c)
}

func (s *Server) Color(x, y int) uint8 {
	id, off := canvas.ToChunk(x, y)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.chunks[id]; b != nil {
		return b[off]
	}
	return 0
}

func (s *Server) OnPlace(fn PlaceFunc) {
	s.mu.Lock()
	s.place = fn
	s.mu.Unlock()
}

func (s *Server) FetchCount(cx, cy int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[canvas.ChunkIDOf(cx, cy)]
}

func (s *Server) Placements() []protocol.PlaceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.PlaceRequest(nil), s.places...)
}

// Fingerprints lists the fingerprint query parameter of every websocket
// connection seen so far.
func (s *Server) Fingerprints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fingerprints...)
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Watchers counts connected clients that registered the chunk.
func (s *Server) Watchers(cx, cy int) int {
	id := canvas.ChunkIDOf(cx, cy)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.clients {
		if _, ok := c.watched[id]; ok {
			n++
		}
	}
	return n
}

// Send pushes a raw frame to every connected client.
func (s *Server) Send(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- frame:
		default:
		}
	}
}

// DropClients closes every websocket connection.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) setLocked(x, y int, c uint8) {
	id, off := canvas.ToChunk(x, y)
	b := s.chunks[id]
	if b == nil {
		b = make([]byte, canvas.ChunkArea)
		s.chunks[id] = b
	}
	b[off] = c
}

func (s *Server) broadcast(x, y int, c uint8) {
	id, off := canvas.ToChunk(x, y)
	cx, cy := id.Coords()
	frame := protocol.EncodePixelUpdate(protocol.PixelUpdate{ChunkX: cx, ChunkY: cy, Offset: off, Color: c})
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		if _, ok := cl.watched[id]; !ok {
			continue
		}
		select {
		case cl.out <- frame:
		default:
		}
	}
}

func (s *Server) handleChunk(rw http.ResponseWriter, r *http.Request) {
	cx, err1 := strconv.Atoi(r.PathValue("cx"))
	cy, err2 := strconv.Atoi(strings.TrimSuffix(r.PathValue("file"), ".bin"))
	if err1 != nil || err2 != nil || cx < 0 || cy < 0 || cx >= canvas.ChunksPerAxis || cy >= canvas.ChunksPerAxis {
		http.Error(rw, "bad chunk", http.StatusBadRequest)
		return
	}
	id := canvas.ChunkIDOf(cx, cy)
	s.mu.Lock()
	s.fetches[id]++
	var body []byte
	if b := s.chunks[id]; b != nil {
		body = append([]byte(nil), b...)
	}
	s.mu.Unlock()
	rw.Header().Set("Content-Type", "application/octet-stream")
	_, _ = rw.Write(body)
}

func (s *Server) handlePlace(rw http.ResponseWriter, r *http.Request) {
	var req protocol.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.places = append(s.places, req)
	fn := s.place
	s.mu.Unlock()

	status, body := http.StatusOK, `{"success":true,"waitSeconds":4,"coolDownSeconds":4}`
	if fn != nil {
		status, body = fn(req)
	}
	if status == http.StatusOK {
		var pr protocol.PlaceResponse
		if json.Unmarshal([]byte(body), &pr) == nil && pr.Success {
			s.Paint(req.X, req.Y, uint8(req.Color))
		}
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_, _ = rw.Write([]byte(body))
}

func (s *Server) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	cl := &client{conn: conn, out: make(chan []byte, 256), watched: map[canvas.ChunkID]struct{}{}}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.fingerprints = append(s.fingerprints, r.URL.Query().Get("fingerprint"))
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, cl)
		s.mu.Unlock()
	}()

	stop := make(chan struct{})
	defer close(stop)

	// Writer goroutine.
	go func() {
		for {
			select {
			case <-stop:
				return
			case b := <-cl.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	// Reader loop.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cx, cy, ok := protocol.DecodeRegisterChunk(msg)
		if !ok {
			continue
		}
		s.mu.Lock()
		cl.watched[canvas.ChunkIDOf(cx, cy)] = struct{}{}
		s.mu.Unlock()
	}
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: "+msg, args...)
}
