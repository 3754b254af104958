package main

import (
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/seedbit/swarm/internal/decoder"
	"github.com/seedbit/swarm/internal/storage"
	"github.com/seedbit/swarm/internal/swarm"
	"github.com/seedbit/swarm/internal/tracker"
)

func main() {
	var torrentPath string
	var outputDir string
	var verbose bool
	flag.StringVar(&torrentPath, "torrent", "", "Specify the input torrent file")
	flag.StringVar(&outputDir, "output", ".", "Specify the output directory")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if torrentPath == "" {
		logger.Error("missing -torrent flag")
		os.Exit(1)
	}

	f, err := os.Open(torrentPath)
	if err != nil {
		logger.Error("failed to open torrent file", slog.Any("error", err))
		os.Exit(1)
	}
	defer f.Close()

	meta, err := decoder.NewDecoder().Decode(f)
	if err != nil {
		logger.Error("failed to decode torrent file", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := storage.NewFileStorage(meta, outputDir)
	if err != nil {
		logger.Error("failed to prepare output files", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	trk := tracker.NewMulti(meta.AnnounceURLs())
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	coordinator := swarm.NewCoordinator(meta, store, trk, swarm.DefaultConfig(), rnd, logger)
	if err := coordinator.Run(); err != nil {
		logger.Error("download failed", slog.Any("error", err))
		os.Exit(1)
	}
}
