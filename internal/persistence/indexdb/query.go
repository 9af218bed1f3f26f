package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Summary struct {
	Outcomes  map[string]int64 `json:"outcomes"`
	Drifts    int64            `json:"drifts"`
	Requeued  int64            `json:"requeued"`
	Snapshots int64            `json:"snapshots"`
	First     time.Time        `json:"first,omitempty"`
	Last      time.Time        `json:"last,omitempty"`
}

type PlacementRow struct {
	At              string  `json:"at"`
	X               int     `json:"x"`
	Y               int     `json:"y"`
	Color           int     `json:"color"`
	Outcome         string  `json:"outcome"`
	WaitSeconds     float64 `json:"wait_seconds"`
	CoolDownSeconds float64 `json:"cooldown_seconds"`
	Message         string  `json:"message,omitempty"`
}

type DriftRow struct {
	At       string `json:"at"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Observed int    `json:"observed"`
	Desired  int    `json:"desired"`
	Requeued bool   `json:"requeued"`
}

type SnapshotRow struct {
	Path       string `json:"path"`
	RunID      string `json:"run_id"`
	CapturedAt string `json:"captured_at"`
	Chunks     int    `json:"chunks"`
}

// Reader runs read-only queries against a ledger file.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

func (r *Reader) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Outcomes: map[string]int64{}}
	rows, err := r.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM placements GROUP BY outcome`)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return sum, err
		}
		sum.Outcomes[k] = n
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(requeued),0) FROM drifts`).Scan(&sum.Drifts, &sum.Requeued); err != nil {
		return sum, err
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&sum.Snapshots); err != nil {
		return sum, err
	}
	var first, last sql.NullString
	if err := r.db.QueryRowContext(ctx, `SELECT MIN(at), MAX(at) FROM placements`).Scan(&first, &last); err != nil {
		return sum, err
	}
	if first.Valid {
		sum.First, _ = time.Parse(timeLayout, first.String)
	}
	if last.Valid {
		sum.Last, _ = time.Parse(timeLayout, last.String)
	}
	return sum, nil
}

// Placements lists the newest placements first; outcome filters when set.
func (r *Reader) Placements(ctx context.Context, outcome string, limit int) ([]PlacementRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT at,x,y,color,outcome,wait_seconds,cooldown_seconds,COALESCE(message,'') FROM placements`
	args := []any{}
	if outcome != "" {
		q += ` WHERE outcome=?`
		args = append(args, outcome)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlacementRow
	for rows.Next() {
		var p PlacementRow
		if err := rows.Scan(&p.At, &p.X, &p.Y, &p.Color, &p.Outcome, &p.WaitSeconds, &p.CoolDownSeconds, &p.Message); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Reader) Drifts(ctx context.Context, limit int) ([]DriftRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT at,x,y,observed,desired,requeued FROM drifts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DriftRow
	for rows.Next() {
		var d DriftRow
		var requeued int
		if err := rows.Scan(&d.At, &d.X, &d.Y, &d.Observed, &d.Desired, &requeued); err != nil {
			return nil, err
		}
		d.Requeued = requeued != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Reader) Snapshots(ctx context.Context) ([]SnapshotRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT path,run_id,captured_at,chunks FROM snapshots ORDER BY captured_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var s SnapshotRow
		if err := rows.Scan(&s.Path, &s.RunID, &s.CapturedAt, &s.Chunks); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Reader) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("meta %q not set", key)
	}
	return v, err
}
