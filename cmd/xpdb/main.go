package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"xpdb/pkg/db"
	"xpdb/pkg/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := os.Getenv("XPDB_CONFIG")
	if path == "" {
		path = "config.yaml"
	}

	cfg, err := initConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(&cfg)

	kv, err := db.Open(cfg.Persistence.RootPath, store.WithConfig(cfg.DB), store.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	stats, err := kv.Stats()
	if err == nil {
		logger.Info("xpdb started", "db_id", stats.DBID, "seq", stats.SeqN)
	}

	<-ctx.Done()

	if err := kv.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
		os.Exit(1)
	}
	logger.Info("xpdb stopped")
}
