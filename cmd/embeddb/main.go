package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpserver "embeddb/internal/http"
	"embeddb/pkg/db"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	dataDir := flag.String("data", "", "database directory (overrides db.path)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DB.Path = *dataDir
	}
	initLogger(&cfg)

	database, err := db.Open(cfg.DB.Path, cfg.DB)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}

	server := httpserver.NewServer(database, database.Metrics(), cfg.Server)
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		database.Close()
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := database.Close(); err != nil {
		slog.Error("error closing database", "error", err)
		os.Exit(1)
	}
	slog.Info("embeddb stopped")
}
