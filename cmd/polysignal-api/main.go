package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/polysignal/internal/api"
	"github.com/rewired-gh/polysignal/internal/config"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/storage"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")
	listenAddr = flag.String("listen", "", "Override api.listen_addr")

	version = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateForAPI(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *listenAddr != "" {
		cfg.API.ListenAddr = *listenAddr
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	srv := api.New(store, nil, api.Config{
		HeartbeatPath: cfg.State.HeartbeatPath,
		StaleAfter:    cfg.State.StaleAfter,
		PollInterval:  cfg.API.AlertPollInterval,
		Version:       version,
	})
	if err := srv.Run(ctx, cfg.API.ListenAddr); err != nil {
		logger.Error("API server failed: %v", err)
		return
	}
	logger.Info("API server stopped")
}
