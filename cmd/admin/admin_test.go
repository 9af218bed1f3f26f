package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/painter"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/indexdb"
	persistlog "github.com/Woyken/pixelplanet.fun-bot/internal/persistence/log"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/snapshot"
)

func seedData(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l, err := indexdb.Open(filepath.Join(dir, "ledger.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	j := persistlog.NewJournal(filepath.Join(dir, "journal"))
	recs := []painter.PlacementRecord{
		{At: at, X: 1, Y: 2, Color: 2, Outcome: "success", WaitSeconds: 4},
		{At: at.Add(time.Second), X: 2, Y: 2, Color: 2, Outcome: "cooldown", WaitSeconds: 80},
		{At: at.Add(2 * time.Second), X: 2, Y: 2, Color: 2, Outcome: "success", WaitSeconds: 8},
	}
	for _, r := range recs {
		if err := l.RecordPlacement(r); err != nil {
			t.Fatal(err)
		}
		if err := j.RecordPlacement(r); err != nil {
			t.Fatal(err)
		}
	}
	d := painter.DriftRecord{At: at, X: 1, Y: 2, Observed: 6, Desired: 2, Requeued: true}
	_ = l.RecordDrift(d)
	_ = j.RecordDrift(d)
	if err := l.SetMeta(context.Background(), "last_run_id", "run-1"); err != nil {
		t.Fatal(err)
	}

	px := make([]byte, 65536)
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, RunID: "run-1", CapturedAt: at, Chunks: 1},
		Chunks: []snapshot.ChunkV1{{CX: 128, CY: 128, Pixels: px}},
	}
	snapPath := filepath.Join(dir, "snapshots", snapshot.FileName(at))
	if err := snapshot.WriteSnapshot(snapPath, snap); err != nil {
		t.Fatal(err)
	}
	l.RecordSnapshot(snapPath, snap.Header)

	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestDBCmd(t *testing.T) {
	dir := seedData(t)

	var buf bytes.Buffer
	if err := dbCmd([]string{"-data", dir, "summary"}, &buf); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s := buf.String(); !strings.Contains(s, `"success":2`) || !strings.Contains(s, `"cooldown":1`) || !strings.Contains(s, `"snapshots":1`) {
		t.Fatalf("summary=%s", s)
	}

	buf.Reset()
	if err := dbCmd([]string{"-data", dir, "-outcome", "success", "placements"}, &buf); err != nil {
		t.Fatalf("placements: %v", err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("placement rows=%d want=2", n)
	}

	buf.Reset()
	if err := dbCmd([]string{"-data", dir, "drifts"}, &buf); err != nil {
		t.Fatalf("drifts: %v", err)
	}
	if !strings.Contains(buf.String(), `"requeued":true`) {
		t.Fatalf("drifts=%s", buf.String())
	}

	buf.Reset()
	if err := dbCmd([]string{"-data", dir, "meta", "last_run_id"}, &buf); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "run-1" {
		t.Fatalf("meta=%q want=run-1", got)
	}

	if err := dbCmd([]string{"-data", dir, "bogus"}, &buf); !errors.Is(err, errUsage) {
		t.Fatalf("err=%v want usage", err)
	}
}

func TestJournalCmd(t *testing.T) {
	dir := seedData(t)

	var buf bytes.Buffer
	if err := journalCmd([]string{"-data", dir, "-limit", "2"}, &buf); err != nil {
		t.Fatalf("journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d want=2", len(lines))
	}
	if !strings.Contains(lines[1], `"wait_seconds":8`) {
		t.Fatalf("last line=%s", lines[1])
	}

	buf.Reset()
	if err := journalCmd([]string{"-data", dir, "-kind", "drift"}, &buf); err != nil {
		t.Fatalf("drift journal: %v", err)
	}
	if !strings.Contains(buf.String(), `"observed":6`) {
		t.Fatalf("drift=%s", buf.String())
	}
}

func TestSnapshotCmd(t *testing.T) {
	dir := seedData(t)
	var buf bytes.Buffer
	if err := snapshotCmd([]string{"-data", dir}, &buf); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s := buf.String(); !strings.Contains(s, `"run_id":"run-1"`) || !strings.Contains(s, `"chunks":1`) {
		t.Fatalf("snapshot=%s", s)
	}
}

func TestStateCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/debug/state" {
			http.NotFound(rw, r)
			return
		}
		_, _ = rw.Write([]byte(`{"run_id":"abc"}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if err := stateCmd([]string{"-url", srv.URL}, &buf); err != nil {
		t.Fatalf("state: %v", err)
	}
	if buf.String() != `{"run_id":"abc"}` {
		t.Fatalf("body=%q", buf.String())
	}
	if err := metricsCmd([]string{"-url", srv.URL}, &buf); err == nil {
		t.Fatalf("expected error for 404")
	}
}
