package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Woyken/pixelplanet.fun-bot/internal/config"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to bot.yaml (optional)")
		envFile     = flag.String("env", ".env", "dotenv file loaded before PIXELBOT_* overrides")
		x           = flag.Int("x", 0, "global x of the image's top-left pixel")
		y           = flag.Int("y", 0, "global y of the image's top-left pixel")
		imagePath   = flag.String("image", "", "PNG to paint")
		dither      = flag.Bool("dither", false, "Floyd-Steinberg dither onto the palette")
		scale       = flag.Float64("scale", 1, "resize factor applied before quantizing")
		watch       = flag.Bool("watch", false, "keep repairing the image after it is complete")
		protect     = flag.String("protect", "", "comma separated canvas colors never painted over")
		edges       = flag.String("edges", "", "custom priority map PNG (green channel)")
		fingerprint = flag.String("fingerprint", "", "client fingerprint (default: random)")
		dataDir     = flag.String("data", "", "runtime data directory")
		statusAddr  = flag.String("status", "", "status http listen address (empty to disable)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Printf("dotenv: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.ApplyPositional(flag.Args()); err != nil {
		logger.Fatalf("arguments: %v (usage: bot [flags] X Y IMAGE [dither y/n] [watch y/n] [protect-csv] [edges])", err)
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "x":
			cfg.Painter.X = *x
		case "y":
			cfg.Painter.Y = *y
		case "image":
			cfg.Image.Path = *imagePath
		case "dither":
			cfg.Image.Dither = *dither
		case "scale":
			cfg.Image.Scale = *scale
		case "watch":
			cfg.Painter.Watch = *watch
		case "protect":
			cfg.Painter.DoNotOverride, flagErr = config.ParseColorList(*protect)
		case "edges":
			cfg.Image.Edges = *edges
		case "fingerprint":
			cfg.Canvas.Fingerprint = *fingerprint
		case "data":
			cfg.Storage.DataDir = *dataDir
		case "status":
			cfg.Status.Addr = *statusAddr
		}
	})
	if flagErr != nil {
		logger.Fatalf("-protect: %v", flagErr)
	}
	cfg.Normalize()
	if err := cfg.ValidateRun(); err != nil {
		logger.Fatalf("config: %v", err)
	}
	if cfg.EnsureFingerprint() {
		logger.Printf("generated fingerprint %s", cfg.Canvas.Fingerprint)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
