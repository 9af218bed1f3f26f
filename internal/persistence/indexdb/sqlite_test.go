package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/painter"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/snapshot"
)

func TestLedger_QueueDropStats(t *testing.T) {
	l := &Ledger{ch: make(chan req, 1)}
	l.ch <- req{kind: reqPlacement}

	_ = l.RecordPlacement(painter.PlacementRecord{X: 1})
	_ = l.RecordDrift(painter.DriftRecord{X: 1})
	l.RecordSnapshot("/tmp/a.snap.zst", snapshot.Header{})

	st := l.Stats()
	if st.DropPlacementTotal != 1 || st.DropDriftTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops=%+v want one each", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestLedger_RecordsAndSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t0 := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	outcomes := []string{"success", "success", "cooldown", "server_error", "success"}
	for i, o := range outcomes {
		_ = l.RecordPlacement(painter.PlacementRecord{At: t0.Add(time.Duration(i) * time.Second), X: i, Y: -i, Color: 3, Outcome: o, WaitSeconds: 4})
	}
	_ = l.RecordDrift(painter.DriftRecord{At: t0, X: 1, Y: 1, Observed: 5, Desired: 3, Requeued: true})
	_ = l.RecordDrift(painter.DriftRecord{At: t0, X: 2, Y: 2, Observed: 5, Desired: 3})
	l.RecordSnapshot("/data/canvas-1.snap.zst", snapshot.Header{RunID: "r1", CapturedAt: t0, Chunks: 4})
	if err := l.SetMeta(context.Background(), "fingerprint", "abc"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := l.Stats(); st.Written != 8 || st.Failed != 0 {
		t.Fatalf("stats=%+v want 8 written", st)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	ctx := context.Background()
	sum, err := r.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Outcomes["success"] != 3 || sum.Outcomes["cooldown"] != 1 || sum.Outcomes["server_error"] != 1 {
		t.Fatalf("outcomes=%v", sum.Outcomes)
	}
	if sum.Drifts != 2 || sum.Requeued != 1 || sum.Snapshots != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if !sum.First.Equal(t0) || !sum.Last.Equal(t0.Add(4*time.Second)) {
		t.Fatalf("range=%s..%s", sum.First, sum.Last)
	}

	rows, err := r.Placements(ctx, "success", 2)
	if err != nil {
		t.Fatalf("Placements: %v", err)
	}
	if len(rows) != 2 || rows[0].X != 4 || rows[1].X != 1 {
		t.Fatalf("rows=%+v", rows)
	}
	drifts, err := r.Drifts(ctx, 0)
	if err != nil || len(drifts) != 2 || drifts[0].X != 2 || !drifts[1].Requeued {
		t.Fatalf("drifts=%+v err=%v", drifts, err)
	}
	snaps, err := r.Snapshots(ctx)
	if err != nil || len(snaps) != 1 || snaps[0].Chunks != 4 {
		t.Fatalf("snapshots=%+v err=%v", snaps, err)
	}
	if v, err := r.Meta(ctx, "fingerprint"); err != nil || v != "abc" {
		t.Fatalf("meta=%q err=%v", v, err)
	}
}
