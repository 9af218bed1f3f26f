package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
)

const Version = 1

type Header struct {
	Version    int       `json:"version"`
	RunID      string    `json:"run_id"`
	CapturedAt time.Time `json:"captured_at"`
	Chunks     int       `json:"chunks"`
}

type ChunkV1 struct {
	CX     int    `json:"cx"`
	CY     int    `json:"cy"`
	Pixels []byte `json:"pixels"`
}

type SnapshotV1 struct {
	Header Header    `json:"header"`
	Chunks []ChunkV1 `json:"chunks"`
}

// Source is the part of the chunk cache a snapshot reads.
type Source interface {
	Loaded() []canvas.ChunkID
	Copy(id canvas.ChunkID) ([]byte, bool)
}

// Capture copies every loaded chunk out of src.
func Capture(src Source, runID string, at time.Time) SnapshotV1 {
	ids := src.Loaded()
	snap := SnapshotV1{
		Header: Header{Version: Version, RunID: runID, CapturedAt: at.UTC()},
		Chunks: make([]ChunkV1, 0, len(ids)),
	}
	for _, id := range ids {
		b, ok := src.Copy(id)
		if !ok {
			continue
		}
		cx, cy := id.Coords()
		snap.Chunks = append(snap.Chunks, ChunkV1{CX: cx, CY: cy, Pixels: b})
	}
	snap.Header.Chunks = len(snap.Chunks)
	return snap
}

// Color returns the stored color at a global coordinate.
func (s SnapshotV1) Color(x, y int) (canvas.Color, bool) {
	id, off := canvas.ToChunk(x, y)
	cx, cy := id.Coords()
	for _, ch := range s.Chunks {
		if ch.CX == cx && ch.CY == cy {
			if off >= len(ch.Pixels) {
				return 0, true
			}
			return canvas.Color(int8(ch.Pixels[off])), true
		}
	}
	return 0, false
}

// Index maps chunk ids to their buffers for repeated lookups.
func (s SnapshotV1) Index() map[canvas.ChunkID][]byte {
	m := make(map[canvas.ChunkID][]byte, len(s.Chunks))
	for _, ch := range s.Chunks {
		m[canvas.ChunkIDOf(ch.CX, ch.CY)] = ch.Pixels
	}
	return m
}

// FileName is the snapshot name for a capture time, sortable by time.
func FileName(at time.Time) string {
	return "canvas-" + at.UTC().Format("20060102T150405Z") + ".snap.zst"
}

func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	werr := writeBody(bw, snap)
	if werr == nil {
		werr = bw.Flush()
	}
	if cerr := enc.Close(); werr == nil {
		werr = cerr
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return werr
	}
	return os.Rename(tmp, path)
}

func writeBody(bw *bufio.Writer, snap SnapshotV1) error {
	hb, err := json.Marshal(snap.Header)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	hb, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	hb, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	err = json.Unmarshal(hb, &h)
	return h, err
}

// Latest returns the newest snapshot file in dir.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "canvas-") && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", errors.New("no snapshots in " + dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
