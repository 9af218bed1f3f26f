package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Woyken/pixelplanet.fun-bot/internal/painter"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/snapshot"
)

const (
	queueCapacity = 4096
	commitEvery   = 256
	commitMaxWait = time.Second
	timeLayout    = time.RFC3339Nano
)

type Ledger struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu keeps senders off ch once Close has closed it.
	sendMu sync.RWMutex
	closed bool

	written            atomic.Uint64
	failed             atomic.Uint64
	dropPlacementTotal atomic.Uint64
	dropDriftTotal     atomic.Uint64
	dropSnapshotTotal  atomic.Uint64
}

type reqKind int

const (
	reqPlacement reqKind = iota + 1
	reqDrift
	reqSnapshot
)

type req struct {
	kind reqKind

	placement painter.PlacementRecord
	drift     painter.DriftRecord
	snapshot  snapshotRow
}

type snapshotRow struct {
	Path       string
	RunID      string
	CapturedAt time.Time
	Chunks     int
}

type QueueStats struct {
	QueueDepth         int
	QueueCapacity      int
	Written            uint64
	Failed             uint64
	DropPlacementTotal uint64
	DropDriftTotal     uint64
	DropSnapshotTotal  uint64
}

func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db, ch: make(chan req, queueCapacity)}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop()
	}()
	return l, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS placements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			wait_seconds REAL NOT NULL,
			cooldown_seconds REAL NOT NULL,
			message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_placements_pos ON placements(x, y);`,
		`CREATE INDEX IF NOT EXISTS idx_placements_outcome ON placements(outcome, at);`,
		`CREATE TABLE IF NOT EXISTS drifts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			observed INTEGER NOT NULL,
			desired INTEGER NOT NULL,
			requeued INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drifts_pos ON drifts(x, y);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			chunks INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (l *Ledger) Close() error {
	var err error
	l.once.Do(func() {
		l.sendMu.Lock()
		l.closed = true
		close(l.ch)
		l.sendMu.Unlock()
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}

// SetMeta writes a meta row synchronously.
func (l *Ledger) SetMeta(ctx context.Context, key, value string) error {
	_, err := l.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, key, value)
	return err
}

func (l *Ledger) RecordPlacement(r painter.PlacementRecord) error {
	l.enqueue(req{kind: reqPlacement, placement: r}, &l.dropPlacementTotal)
	return nil
}

func (l *Ledger) RecordDrift(r painter.DriftRecord) error {
	l.enqueue(req{kind: reqDrift, drift: r}, &l.dropDriftTotal)
	return nil
}

func (l *Ledger) RecordSnapshot(path string, h snapshot.Header) {
	r := snapshotRow{Path: path, RunID: h.RunID, CapturedAt: h.CapturedAt, Chunks: h.Chunks}
	l.enqueue(req{kind: reqSnapshot, snapshot: r}, &l.dropSnapshotTotal)
}

// enqueue never blocks; a full queue counts a drop.
func (l *Ledger) enqueue(r req, drops *atomic.Uint64) {
	if l == nil {
		return
	}
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- r:
	default:
		drops.Add(1)
	}
}

func (l *Ledger) Stats() QueueStats {
	if l == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:         len(l.ch),
		QueueCapacity:      cap(l.ch),
		Written:            l.written.Load(),
		Failed:             l.failed.Load(),
		DropPlacementTotal: l.dropPlacementTotal.Load(),
		DropDriftTotal:     l.dropDriftTotal.Load(),
		DropSnapshotTotal:  l.dropSnapshotTotal.Load(),
	}
}

func (l *Ledger) loop() {
	ctx := context.Background()

	insertPlacement, _ := l.db.Prepare(`INSERT INTO placements(at,x,y,color,outcome,wait_seconds,cooldown_seconds,message) VALUES(?,?,?,?,?,?,?,?)`)
	insertDrift, _ := l.db.Prepare(`INSERT INTO drifts(at,x,y,observed,desired,requeued) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := l.db.Prepare(`INSERT OR REPLACE INTO snapshots(path,run_id,captured_at,chunks) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertPlacement, insertDrift, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx      *sql.Tx
		pending int
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		pending = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			l.failed.Add(uint64(pending))
		} else {
			l.written.Add(uint64(pending))
		}
		tx = nil
		pending = 0
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		l.failed.Add(uint64(pending))
		tx = nil
		pending = 0
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			l.failed.Add(1)
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			l.failed.Add(1)
			rollback()
			return
		}
		pending++
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()
	for {
		select {
		case r, ok := <-l.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				l.failed.Add(1)
				continue
			}
			switch r.kind {
			case reqPlacement:
				p := r.placement
				exec(insertPlacement, p.At.UTC().Format(timeLayout), p.X, p.Y, int(p.Color), p.Outcome, p.WaitSeconds, p.CoolDownSeconds, p.Message)
			case reqDrift:
				d := r.drift
				exec(insertDrift, d.At.UTC().Format(timeLayout), d.X, d.Y, int(d.Observed), int(d.Desired), boolInt(d.Requeued))
			case reqSnapshot:
				s := r.snapshot
				exec(insertSnapshot, s.Path, s.RunID, s.CapturedAt.UTC().Format(timeLayout), s.Chunks)
			}
			if pending >= commitEvery {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
