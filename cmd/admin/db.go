package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/persistence/indexdb"
)

func dbCmd(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite ledger path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	outcome := fs.String("outcome", "", "outcome filter (placements)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := "summary"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "ledger.sqlite")
	}
	r, err := indexdb.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch q {
	case "summary":
		s, err := r.Summary(ctx)
		if err != nil {
			return err
		}
		printJSON(w, s)

	case "placements":
		rows, err := r.Placements(ctx, *outcome, *limit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			printJSON(w, row)
		}

	case "drifts":
		rows, err := r.Drifts(ctx, *limit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			printJSON(w, row)
		}

	case "snapshots":
		rows, err := r.Snapshots(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			printJSON(w, row)
		}

	case "meta":
		if fs.NArg() < 2 {
			return fmt.Errorf("%w: db meta KEY", errUsage)
		}
		v, err := r.Meta(ctx, fs.Arg(1))
		if err != nil {
			return err
		}
		fmt.Fprintln(w, v)

	default:
		return fmt.Errorf("%w: unknown db query %q", errUsage, q)
	}
	return nil
}
