package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentwire/agentwire/internal/aggregate"
	"github.com/agentwire/agentwire/internal/bus"
	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/natsbus"
	"github.com/agentwire/agentwire/internal/registry"
	"github.com/agentwire/agentwire/internal/router"
	"github.com/agentwire/agentwire/internal/session"
	"github.com/agentwire/agentwire/internal/snapshots"
	"github.com/agentwire/agentwire/internal/store"
	"github.com/agentwire/agentwire/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("agentwire %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: agentwire <command>\n\nCommands:\n  gateway    Start the agentwire gateway service\n  backup     Archive the data directory to a .tar.zst file\n  restore    Restore a data directory from a backup archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting agentwire gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite history store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS for event distribution
	nats, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer nats.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events := event.NewEmitter()

	reg := registry.New(cfg.Bus.QueueCapacity, events)
	rt := router.New(reg)

	b := bus.New(reg, rt, events, cfg.Bus.ThroughputWindow)
	b.SetHistory(db)

	sessions := session.NewManager(events)
	sessions.SetRecorder(db)
	b.SetSessionObserver(sessions)

	aggregator := aggregate.New(events)

	// Mirror every bus event onto NATS topics
	natsClient, err := natsbus.NewClient(nats)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer natsClient.Close()
	natsbus.Bridge(natsClient, events)

	if cfg.Snapshots.Enabled {
		recorder := snapshots.New(b, db, cfg.Snapshots)
		go recorder.Start(ctx)
	}

	errCh := make(chan error, 1)
	if cfg.Web.Enabled {
		srv := web.NewServer(b, reg, sessions, aggregator, db, events, cfg.Web, version)
		go func() {
			errCh <- srv.Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}
