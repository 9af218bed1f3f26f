package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Woyken/pixelplanet.fun-bot/internal/painter"
)

const (
	PrefixPlacements = "placements"
	PrefixDrift      = "drift"

	hourLayout = "2006-01-02-15"
	fileSuffix = ".jsonl.zst"
)

// JSONLZstdWriter appends one JSON document per line to
// <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst, switching files on the UTC hour.
type JSONLZstdWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	lines   uint64

	onClose func(path string)
}

func NewJSONLZstdWriter(dir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{dir: dir, prefix: prefix, now: time.Now}
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if hour := w.now().UTC().Format(hourLayout); hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return w.w.Flush()
}

// Lines is the number of records written since the writer was created.
func (w *JSONLZstdWriter) Lines() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	// Appending a second zstd frame keeps earlier frames of the hour readable.
	f, err := os.OpenFile(w.path(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc = f, enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

// OnFileClosed registers fn to run with the path of every file the writer
// finishes, on rotation or Close.
func (w *JSONLZstdWriter) OnFileClosed(fn func(path string)) {
	w.mu.Lock()
	w.onClose = fn
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) closeLocked() error {
	if w.f == nil {
		return nil
	}
	closed := w.path(w.curHour)
	var err error
	if w.w != nil {
		err = w.w.Flush()
		w.w = nil
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	w.curHour = ""
	if err == nil && w.onClose != nil {
		w.onClose(closed)
	}
	return err
}

func (w *JSONLZstdWriter) path(hour string) string {
	return filepath.Join(w.dir, w.prefix+"-"+hour+fileSuffix)
}

// Journal records every placement attempt and every observed drift.
type Journal struct {
	placements *JSONLZstdWriter
	drift      *JSONLZstdWriter
}

func NewJournal(dir string) *Journal {
	return &Journal{
		placements: NewJSONLZstdWriter(dir, PrefixPlacements),
		drift:      NewJSONLZstdWriter(dir, PrefixDrift),
	}
}

func (j *Journal) RecordPlacement(r painter.PlacementRecord) error { return j.placements.Write(r) }
func (j *Journal) RecordDrift(r painter.DriftRecord) error         { return j.drift.Write(r) }

func (j *Journal) OnFileClosed(fn func(path string)) {
	j.placements.OnFileClosed(fn)
	j.drift.OnFileClosed(fn)
}

func (j *Journal) Lines() (placements, drift uint64) {
	return j.placements.Lines(), j.drift.Lines()
}

func (j *Journal) Close() error {
	err1 := j.placements.Close()
	err2 := j.drift.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Files lists the journal files for prefix in dir, oldest first.
func Files(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadJSONL decodes every line of a journal file into T and hands it to fn.
func ReadJSONL[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return sc.Err()
}
