// Command admin inspects the data a bot run leaves behind: the sqlite
// ledger, the zstd journals and canvas snapshots. It can also query a
// running bot's status endpoint.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	persistlog "github.com/Woyken/pixelplanet.fun-bot/internal/persistence/log"
	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/snapshot"
)

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "db":
		err = dbCmd(args, os.Stdout)
	case "journal":
		err = journalCmd(args, os.Stdout)
	case "snapshot":
		err = snapshotCmd(args, os.Stdout)
	case "state":
		err = stateCmd(args, os.Stdout)
	case "metrics":
		err = metricsCmd(args, os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

commands:
  db [summary|placements|drifts|snapshots|meta KEY]   query the ledger
  journal [-kind placements|drift]                    print journal entries
  snapshot [-path FILE]                               describe a snapshot (latest by default)
  state                                               fetch /debug/state from a running bot
  metrics                                             fetch /metrics from a running bot`)
}

func journalCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	kind := fs.String("kind", persistlog.PrefixPlacements, "journal kind: placements|drift")
	limit := fs.Int("limit", 0, "print at most the last N entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kind != persistlog.PrefixPlacements && *kind != persistlog.PrefixDrift {
		return fmt.Errorf("%w: unknown journal kind %q", errUsage, *kind)
	}

	files, err := persistlog.Files(filepath.Join(*dataDir, "journal"), *kind)
	if err != nil {
		return err
	}
	var lines []json.RawMessage
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(m json.RawMessage) error {
			lines = append(lines, m)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if *limit > 0 && len(lines) > *limit {
		lines = lines[len(lines)-*limit:]
	}
	for _, l := range lines {
		fmt.Fprintln(w, string(l))
	}
	return nil
}

func snapshotCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	path := fs.String("path", "", "snapshot file (optional; defaults to latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := strings.TrimSpace(*path)
	if p == "" {
		latest, err := snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
		if err != nil {
			return err
		}
		p = latest
	}
	h, err := snapshot.ReadHeader(p)
	if err != nil {
		return err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return err
	}
	printJSON(w, struct {
		Path string          `json:"path"`
		Size string          `json:"size"`
		Age  string          `json:"age"`
		Head snapshot.Header `json:"header"`
	}{p, humanize.Bytes(uint64(fi.Size())), humanize.Time(h.CapturedAt), h})
	return nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(w, string(b))
}
