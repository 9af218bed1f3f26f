package mirror

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
)

const defaultQueue = 256

type Putter interface {
	Put(ctx context.Context, key, localPath string) error
}

type Stats struct {
	QueueDepth int
	Uploaded   uint64
	Failed     uint64
	Dropped    uint64
	LastUpload time.Time
}

// Uploader copies files below a data directory to the bucket in the
// background, keyed by their path relative to that directory.
type Uploader struct {
	put    Putter
	root   string
	prefix string
	retry  canvas.RetryPolicy
	logger *log.Logger

	jobs chan string
	wg   sync.WaitGroup

	sendMu sync.RWMutex
	closed bool

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	last     atomic.Int64
}

func NewUploader(put Putter, root, prefix string, retry canvas.RetryPolicy, logger *log.Logger) *Uploader {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 4
	}
	u := &Uploader{
		put:    put,
		root:   root,
		prefix: strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		retry:  retry,
		logger: logger,
		jobs:   make(chan string, defaultQueue),
	}
	u.wg.Add(1)
	go u.loop()
	return u
}

// Enqueue schedules localPath for upload. It never blocks; a full queue
// drops the file.
func (u *Uploader) Enqueue(localPath string) {
	if u == nil {
		return
	}
	u.sendMu.RLock()
	defer u.sendMu.RUnlock()
	if u.closed {
		return
	}
	select {
	case u.jobs <- localPath:
	default:
		n := u.dropped.Add(1)
		u.logger.Printf("mirror: queue full, dropped %s (%d dropped)", filepath.Base(localPath), n)
	}
}

// Close uploads what is already queued and stops the worker.
func (u *Uploader) Close() {
	if u == nil {
		return
	}
	u.sendMu.Lock()
	if !u.closed {
		u.closed = true
		close(u.jobs)
	}
	u.sendMu.Unlock()
	u.wg.Wait()
}

func (u *Uploader) Stats() Stats {
	if u == nil {
		return Stats{}
	}
	st := Stats{
		QueueDepth: len(u.jobs),
		Uploaded:   u.uploaded.Load(),
		Failed:     u.failed.Load(),
		Dropped:    u.dropped.Load(),
	}
	if ns := u.last.Load(); ns != 0 {
		st.LastUpload = time.Unix(0, ns)
	}
	return st
}

func (u *Uploader) loop() {
	defer u.wg.Done()
	for p := range u.jobs {
		u.upload(p)
	}
}

func (u *Uploader) upload(localPath string) {
	key, err := u.key(localPath)
	if err != nil {
		u.failed.Add(1)
		u.logger.Printf("mirror: skip %s: %v", localPath, err)
		return
	}
	start := time.Now()
	err = u.retry.Do(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		return u.put.Put(ctx, key, localPath)
	}, nil, func(attempt int, err error) {
		u.logger.Printf("mirror: upload %s attempt %d failed: %v", key, attempt, err)
	})
	if err != nil {
		u.failed.Add(1)
		u.logger.Printf("mirror: upload %s failed: %v", key, err)
		return
	}
	u.uploaded.Add(1)
	u.last.Store(time.Now().UnixNano())
	u.logger.Printf("mirror: uploaded %s in %s (%s total)", key, time.Since(start).Round(time.Millisecond), humanize.Comma(int64(u.uploaded.Load())))
}

// key is localPath relative to the root, under the prefix.
func (u *Uploader) key(localPath string) (string, error) {
	root, err := filepath.Abs(u.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("outside %s", root)
	}
	if u.prefix != "" {
		rel = path.Join(u.prefix, rel)
	}
	return rel, nil
}
