// Command gorent downloads a single-file torrent to the current directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andres-erbsen/clock"

	"gorent/config"
	"gorent/engine"
	"gorent/logging"
	"gorent/metainfo"
)

func main() {
	os.Exit(run())
}

func run() int {
	torrentPath := flag.String("f", "", "path to a .torrent file (required)")
	verbose := flag.Bool("v", false, "enable debug logging")
	configPath := flag.String("config", "", "optional path to a YAML engine config")
	outputPath := flag.String("o", "", "output file path (defaults to the torrent's name)")
	flag.Parse()

	log, err := logging.New(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gorent: failed to initialize logging:", err)
		return 1
	}
	defer log.Sync()

	if *torrentPath == "" {
		log.Error("gorent: -f is required")
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Errorw("failed to load config", "error", err)
			return 1
		}
	}

	mi, err := metainfo.Load(*torrentPath)
	if err != nil {
		log.Errorw("failed to load torrent", "path", *torrentPath, "error", err)
		return 1
	}

	out := *outputPath
	if out == "" {
		out = mi.OutputName
	}

	eng, err := engine.New(mi, out, cfg, log, clock.New())
	if err != nil {
		log.Errorw("failed to initialize engine", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infow("starting download", "name", mi.OutputName, "pieces", mi.NumPieces(), "output", out)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorw("download ended with error", "error", err)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}
