package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/canvas"
	"github.com/Woyken/pixelplanet.fun-bot/internal/painter"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/indexdb"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/mirror"
	"github.com/Woyken/pixelplanet.fun-bot/internal/transport/live"
)

var schedulerStates = []painter.State{
	painter.StateIdle,
	painter.StateInitializing,
	painter.StateWorking,
	painter.StateDone,
	painter.StateStopped,
}

type stateDoc struct {
	RunID      string             `json:"run_id"`
	Uptime     string             `json:"uptime"`
	Footprint  [4]int             `json:"footprint"`
	Scheduler  painter.Stats      `json:"scheduler"`
	Cache      canvas.CacheStats  `json:"cache"`
	Live       live.Stats         `json:"live"`
	Ledger     indexdb.QueueStats `json:"ledger"`
	Mirror     mirror.Stats       `json:"mirror"`
	Exclusions int                `json:"exclusions"`
	Journal    struct {
		Placements uint64 `json:"placements"`
		Drift      uint64 `json:"drift"`
	} `json:"journal"`
}

func (rt *botRuntime) state() stateDoc {
	fp := rt.sched.Footprint()
	doc := stateDoc{
		RunID:      rt.runID,
		Uptime:     time.Since(rt.started).Round(time.Second).String(),
		Footprint:  [4]int{fp.Min.X, fp.Min.Y, fp.Max.X, fp.Max.Y},
		Scheduler:  rt.sched.Stats(),
		Cache:      rt.cache.Stats(),
		Live:       rt.live.Stats(),
		Ledger:     rt.ledger.Stats(),
		Mirror:     rt.mirror.Stats(),
		Exclusions: len(rt.excl.Zones()),
	}
	if rt.journal != nil {
		doc.Journal.Placements, doc.Journal.Drift = rt.journal.Lines()
	}
	return doc
}

func (rt *botRuntime) statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		rt.writeMetrics(rw)
	})
	mux.HandleFunc("/debug/state", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(rw)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rt.state())
	})
	return mux
}

// writeMetrics renders the Prometheus text format by hand.
func (rt *botRuntime) writeMetrics(w io.Writer) {
	st := rt.sched.Stats()
	cur := rt.sched.State()

	fmt.Fprintf(w, "# HELP pixelbot_scheduler_state Scheduler state (1 for the current state).\n")
	fmt.Fprintf(w, "# TYPE pixelbot_scheduler_state gauge\n")
	for _, s := range schedulerStates {
		v := 0
		if s == cur {
			v = 1
		}
		fmt.Fprintf(w, "pixelbot_scheduler_state{state=%q} %d\n", s.String(), v)
	}

	fmt.Fprintf(w, "# HELP pixelbot_queue_depth Coordinates waiting to be placed.\n")
	fmt.Fprintf(w, "# TYPE pixelbot_queue_depth gauge\n")
	fmt.Fprintf(w, "pixelbot_queue_depth %d\n", st.Queue)

	fmt.Fprintf(w, "# HELP pixelbot_placements_total Placement attempts by outcome.\n")
	fmt.Fprintf(w, "# TYPE pixelbot_placements_total counter\n")
	fmt.Fprintf(w, "pixelbot_placements_total{outcome=%q} %d\n", "success", st.Placed)
	fmt.Fprintf(w, "pixelbot_placements_total{outcome=%q} %d\n", "cooldown", st.Cooldowns)
	fmt.Fprintf(w, "pixelbot_placements_total{outcome=%q} %d\n", "retry", st.Retries)

	fmt.Fprintf(w, "# HELP pixelbot_drift_total External changes inside the image.\n")
	fmt.Fprintf(w, "# TYPE pixelbot_drift_total counter\n")
	fmt.Fprintf(w, "pixelbot_drift_total{requeued=%q} %d\n", "true", st.Requeued)
	fmt.Fprintf(w, "pixelbot_drift_total{requeued=%q} %d\n", "false", st.Drifts-st.Requeued)

	fmt.Fprintf(w, "# HELP pixelbot_cooldown_seconds Remaining server cooldown.\n")
	fmt.Fprintf(w, "# TYPE pixelbot_cooldown_seconds gauge\n")
	fmt.Fprintf(w, "pixelbot_cooldown_seconds %.3f\n", st.CooldownRemaining.Seconds())
	fmt.Fprintf(w, "pixelbot_cooldown_ceiling_seconds %.3f\n", st.CooldownCeiling)

	cs := rt.cache.Stats()
	fmt.Fprintf(w, "# HELP pixelbot_cache_chunks Chunks held by the cache.\n")
	fmt.Fprintf(w, "# TYPE pixelbot_cache_chunks gauge\n")
	fmt.Fprintf(w, "pixelbot_cache_chunks %d\n", cs.LoadedChunks)
	fmt.Fprintf(w, "# HELP pixelbot_cache_events_total Cache fetches and pushed updates.\n")
	fmt.Fprintf(w, "# TYPE pixelbot_cache_events_total counter\n")
	fmt.Fprintf(w, "pixelbot_cache_events_total{event=%q} %d\n", "fetch", cs.Fetches)
	fmt.Fprintf(w, "pixelbot_cache_events_total{event=%q} %d\n", "fetch_retry", cs.FetchRetries)
	fmt.Fprintf(w, "pixelbot_cache_events_total{event=%q} %d\n", "update_applied", cs.UpdatesApplied)
	fmt.Fprintf(w, "pixelbot_cache_events_total{event=%q} %d\n", "update_dropped", cs.UpdatesDropped)

	ls := rt.live.Stats()
	fmt.Fprintf(w, "# HELP pixelbot_live_open Live channel connected (1) or not (0).\n")
	fmt.Fprintf(w, "# TYPE pixelbot_live_open gauge\n")
	open := 0
	if ls.State == live.StateOpen.String() {
		open = 1
	}
	fmt.Fprintf(w, "pixelbot_live_open %d\n", open)
	fmt.Fprintf(w, "pixelbot_live_watched_chunks %d\n", ls.Watched)
	fmt.Fprintf(w, "# HELP pixelbot_live_events_total Live channel connects and frames.\n")
	fmt.Fprintf(w, "# TYPE pixelbot_live_events_total counter\n")
	fmt.Fprintf(w, "pixelbot_live_events_total{event=%q} %d\n", "connect", ls.Connects)
	fmt.Fprintf(w, "pixelbot_live_events_total{event=%q} %d\n", "frame", ls.Frames)
	fmt.Fprintf(w, "pixelbot_live_events_total{event=%q} %d\n", "ignored", ls.Ignored)

	if rt.ledger != nil {
		qs := rt.ledger.Stats()
		fmt.Fprintf(w, "# HELP pixelbot_ledger_queue_depth Ledger writer backlog.\n")
		fmt.Fprintf(w, "# TYPE pixelbot_ledger_queue_depth gauge\n")
		fmt.Fprintf(w, "pixelbot_ledger_queue_depth %d\n", qs.QueueDepth)
		fmt.Fprintf(w, "# HELP pixelbot_ledger_dropped_total Records dropped because the ledger queue was full.\n")
		fmt.Fprintf(w, "# TYPE pixelbot_ledger_dropped_total counter\n")
		fmt.Fprintf(w, "pixelbot_ledger_dropped_total{kind=%q} %d\n", "placement", qs.DropPlacementTotal)
		fmt.Fprintf(w, "pixelbot_ledger_dropped_total{kind=%q} %d\n", "drift", qs.DropDriftTotal)
		fmt.Fprintf(w, "pixelbot_ledger_dropped_total{kind=%q} %d\n", "snapshot", qs.DropSnapshotTotal)
	}

	if rt.mirror != nil {
		ms := rt.mirror.Stats()
		fmt.Fprintf(w, "# HELP pixelbot_mirror_uploads_total Files copied to the bucket by result.\n")
		fmt.Fprintf(w, "# TYPE pixelbot_mirror_uploads_total counter\n")
		fmt.Fprintf(w, "pixelbot_mirror_uploads_total{result=%q} %d\n", "ok", ms.Uploaded)
		fmt.Fprintf(w, "pixelbot_mirror_uploads_total{result=%q} %d\n", "failed", ms.Failed)
		fmt.Fprintf(w, "pixelbot_mirror_uploads_total{result=%q} %d\n", "dropped", ms.Dropped)
	}
}
