package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/opencanvas/placed/internal/canvas"
	"github.com/opencanvas/placed/internal/config"
	"github.com/opencanvas/placed/internal/logging"
	"github.com/opencanvas/placed/internal/maintenance"
	"github.com/opencanvas/placed/internal/observability"
	"github.com/opencanvas/placed/internal/palette"
	"github.com/opencanvas/placed/internal/protocol"
	"github.com/opencanvas/placed/internal/server"
	"github.com/opencanvas/placed/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "placed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to placed.toml (defaults apply when empty)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger := observability.InitLogger(cfg.Name)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	regions := make([]protocol.ProtectedRegion, 0, len(cfg.Protected))
	for _, r := range cfg.Protected {
		regions = append(regions, protocol.ProtectedRegion{
			X1: r.X1, Y1: r.Y1, X2: r.X2, Y2: r.Y2, Reason: r.Reason,
		})
	}

	svc, err := canvas.New(canvas.Config{
		Node:            cfg.Name,
		Registry:        palette.Std(),
		Store:           st,
		Regions:         regions,
		RatePerSec:      cfg.RateLimit.PerSec,
		RateBurst:       cfg.RateLimit.Burst,
		DedupWindow:     cfg.DedupWindow(),
		SnapshotBaseURL: cfg.SnapshotBaseURL,
	}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper := maintenance.NewSweeper(maintenance.Config{
		Node:        cfg.Name,
		Interval:    cfg.Maintenance.SweepInterval(),
		MaxRetained: cfg.Maintenance.MaxRetainedDeltas,
	}, svc, st, logger)
	go sweeper.Run(ctx)

	return server.New(cfg, svc, st, logger).Run()
}
