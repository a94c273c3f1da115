package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rewired-gh/polysignal/internal/api"
	"github.com/rewired-gh/polysignal/internal/config"
	"github.com/rewired-gh/polysignal/internal/detector"
	"github.com/rewired-gh/polysignal/internal/impact"
	"github.com/rewired-gh/polysignal/internal/llm"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/news"
	"github.com/rewired-gh/polysignal/internal/pipeline"
	"github.com/rewired-gh/polysignal/internal/polymarket"
	"github.com/rewired-gh/polysignal/internal/state"
	"github.com/rewired-gh/polysignal/internal/storage"
	"github.com/rewired-gh/polysignal/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")
	serveAPI   = flag.Bool("api", false, "Also serve the HTTP API from the worker process")

	version = "dev"
)

const userAgent = "polysignal/1.0 (+https://github.com/rewired-gh/polysignal)"

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger.Info("Configuration loaded from %s", *configPath)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	shared := state.New(state.Config{
		MaxAlerts:     cfg.State.MaxAlerts,
		MaxCycles:     cfg.State.MaxCycles,
		HeartbeatPath: cfg.State.HeartbeatPath,
		StaleAfter:    cfg.State.StaleAfter,
	})

	// News sources
	var sources []news.Source
	var counters []pipeline.CallCounter
	if cfg.News.Brave.APIKey != "" {
		brave := news.NewBraveClient(news.BraveConfig{
			APIKey:     cfg.News.Brave.APIKey,
			BaseURL:    cfg.News.Brave.BaseURL,
			RateLimit:  cfg.News.Brave.RateLimit,
			Timeout:    cfg.News.Brave.Timeout,
			MaxAgeDays: cfg.News.MaxAgeDays,
			UserAgent:  userAgent,
		})
		sources = append(sources, brave)
		counters = append(counters, brave)
	}
	if len(cfg.News.Feeds) > 0 {
		feeds := news.NewFeedSource(cfg.News.Feeds, cfg.News.Brave.Timeout, userAgent)
		sources = append(sources, feeds)
		counters = append(counters, feeds)
	}
	newsSource := news.NewMultiSource(sources...)
	logger.Info("News sources: %s", newsSource.Name())

	var enricher pipeline.Enricher
	if cfg.News.EnrichContent {
		enricher = news.NewEnricher(cfg.News.EnrichTimeout, cfg.News.EnrichMinSummary, userAgent)
	}

	// Initialize Polymarket client
	polyClient := polymarket.NewClient(polymarket.Config{
		GammaURL:    cfg.Polymarket.GammaAPIURL,
		ClobURL:     cfg.Polymarket.ClobAPIURL,
		RateLimit:   cfg.Polymarket.RateLimit,
		Timeout:     cfg.Polymarket.Timeout,
		MaxAttempts: cfg.Polymarket.MaxAttempts,
		UserAgent:   userAgent,
	})
	counters = append(counters, polyClient)

	// Reasoning model; nil means keyword fallback only.
	gen, err := llm.New(ctx, llm.Config{
		Provider:    cfg.Reasoning.Provider,
		APIKey:      cfg.Reasoning.APIKey,
		Model:       cfg.Reasoning.Model,
		BaseURL:     cfg.Reasoning.BaseURL,
		Temperature: cfg.Reasoning.Temperature,
		MaxTokens:   cfg.Reasoning.MaxTokens,
	})
	if err != nil {
		logger.Fatal("Failed to initialize reasoning model: %v", err)
	}
	if gen != nil {
		logger.Info("Reasoning model: %s", gen.Name())
	}
	assessor := impact.New(gen, impact.Config{
		Timeout:        cfg.Reasoning.Timeout,
		CallsPerWindow: cfg.Reasoning.CallsPerWindow,
		Window:         cfg.Reasoning.Window,
	})

	det := detector.New(detector.Config{
		ConfidenceThreshold:   cfg.Detector.ConfidenceThreshold,
		MinProfitMargin:       cfg.Detector.MinProfitMargin,
		InvestigateConfidence: cfg.Detector.InvestigateConfidence,
	})

	// Initialize Telegram client
	var telegramClient *telegram.Client
	var notifier pipeline.Notifier
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(telegram.Config{
			BotToken:          cfg.Telegram.BotToken,
			AdminChatID:       cfg.Telegram.AdminChatID,
			MinSeverity:       cfg.Telegram.ParsedMinSeverity(),
			MaxRetries:        cfg.Telegram.MaxRetries,
			RetryDelayBase:    cfg.Telegram.RetryDelayBase,
			MessagesPerSecond: cfg.Telegram.MessagesPerSecond,
		}, store)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		telegramClient.SetStatusFunc(func() string { return statusText(shared) })
		telegramClient.ListenForCommands(ctx)
		notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	orch, err := pipeline.New(pipeline.Deps{
		News:      newsSource,
		Markets:   polyClient,
		Assessor:  assessor,
		Detector:  det,
		State:     shared,
		Enricher:  enricher,
		Persister: store,
		Notifier:  notifier,
		Counters:  counters,
	}, pipeline.Config{
		Interval:           cfg.Cycle.Interval,
		MaxCycles:          cfg.Cycle.MaxCycles,
		SearchQueries:      cfg.Cycle.SearchQueries,
		NewsCount:          cfg.News.MaxResults,
		Freshness:          cfg.News.Freshness,
		MarketListLimit:    cfg.Polymarket.MarketLimit,
		MaxPriceFetches:    cfg.Cycle.MaxPriceFetches,
		PriceConcurrency:   cfg.Polymarket.RateLimit,
		MaxNewsPerCycle:    cfg.Cycle.MaxNewsPerCycle,
		MaxMarketsPerCycle: cfg.Cycle.MaxMarketsPerCycle,
		HeartbeatInterval:  cfg.State.HeartbeatInterval,
		OnCycle:            failureTracker(telegramClient),
	})
	if err != nil {
		logger.Fatal("Failed to initialize pipeline: %v", err)
	}

	apiDone := make(chan struct{})
	if *serveAPI {
		srv := api.New(store, shared, api.Config{
			HeartbeatPath: cfg.State.HeartbeatPath,
			StaleAfter:    cfg.State.StaleAfter,
			PollInterval:  cfg.API.AlertPollInterval,
			Version:       version,
		})
		go func() {
			defer close(apiDone)
			if err := srv.Run(ctx, cfg.API.ListenAddr); err != nil {
				logger.Error("API server failed: %v", err)
			}
		}()
	} else {
		close(apiDone)
	}

	if err := orch.Run(ctx); err != nil {
		logger.Error("Detection loop failed: %v", err)
	}
	stop()
	<-apiDone
	logger.Info("Service stopped")
}

// failureTracker alerts the admin chat on the first failing cycle and again
// when a cycle succeeds after a run of failures.
func failureTracker(tg *telegram.Client) func(rec *models.CycleRecord) {
	consecutiveFailures := 0
	return func(rec *models.CycleRecord) {
		if len(rec.Errors) > 0 {
			consecutiveFailures++
			if consecutiveFailures == 1 && tg != nil {
				err := errors.New(strings.Join(rec.Errors, "; "))
				if sendErr := tg.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && tg != nil {
			if sendErr := tg.SendRecovery(consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}
}

func statusText(shared *state.Shared) string {
	h := shared.Health()
	svc := shared.Status()

	worker := "stopped"
	if h.WorkerRunning {
		worker = "running"
	}
	last := "never"
	if svc.LastCycleTime != nil {
		last = time.Since(*svc.LastCycleTime).Round(time.Second).String() + " ago"
	}
	return fmt.Sprintf("Worker: %s\nCycle: %d\nLast cycle: %s\nAlerts in memory: %d\nUptime: %s",
		worker, svc.CurrentCycle, last, shared.Alerts.Len(),
		time.Since(svc.StartedAt).Round(time.Second))
}
