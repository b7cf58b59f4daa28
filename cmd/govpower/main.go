package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewired-gh/govpower/internal/analytics"
	"github.com/rewired-gh/govpower/internal/chain"
	"github.com/rewired-gh/govpower/internal/config"
	"github.com/rewired-gh/govpower/internal/engine"
	"github.com/rewired-gh/govpower/internal/forecast"
	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/memo"
	"github.com/rewired-gh/govpower/internal/metrics"
	"github.com/rewired-gh/govpower/internal/models"
	"github.com/rewired-gh/govpower/internal/notify"
	"github.com/rewired-gh/govpower/internal/segment"
	"github.com/rewired-gh/govpower/internal/snapshot"
	"github.com/rewired-gh/govpower/internal/storage"
	"github.com/rewired-gh/govpower/internal/tracker"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	collector := metrics.New()

	var (
		backend memo.Cache
		sweeper engine.Sweeper
	)
	switch cfg.Cache.Backend {
	case "sqlite":
		store, err := storage.New(cfg.Cache.MaxEntries, cfg.Cache.DBPath)
		if err != nil {
			logger.Fatal("Failed to initialize cache storage: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close cache storage: %v", err)
			}
		}()
		backend, sweeper = store, store
		logger.Info("Using SQLite cache at %s", cfg.Cache.DBPath)
	default:
		mc := memo.NewMemoryCache()
		backend, sweeper = mc, mc
		logger.Debug("Using in-memory cache")
	}
	cache := memo.NewGroup(backend, collector)

	chainClient := chain.NewClient(cfg.Upstream.BaseURL, chain.ClientConfig{
		Timeout:             cfg.Upstream.Timeout,
		MaxRetries:          cfg.Upstream.MaxRetries,
		RetryDelayBase:      cfg.Upstream.RetryDelayBase,
		MaxIdleConns:        cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Upstream.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Upstream.IdleConnTimeout,
	})
	blocks := chain.NewBlockTracker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed the head so the first records carry a real block number.
	if ref, err := chainClient.LatestBlock(ctx); err != nil {
		logger.Warn("Failed to fetch initial block head: %v", err)
	} else {
		blocks.Observe(ref)
	}

	records := tracker.New(chainClient, blocks, cache, collector, tracker.Config{
		MaxHistory:  cfg.Tracker.MaxHistory,
		Shards:      cfg.Tracker.Shards,
		ReadTimeout: cfg.Tracker.ReadTimeout,
		PowerTTL:    cfg.Cache.PowerTTL,
	})

	breakpoints, err := segment.ParseBreakpoints(cfg.Segments)
	if err != nil {
		logger.Fatal("Invalid segment definitions: %v", err)
	}

	deps := engine.Deps{
		Store: records,
		Snapshots: snapshot.New(records, blocks, collector, snapshot.Config{
			MaxRetained: cfg.Snapshot.MaxRetained,
			TopHolders:  cfg.Snapshot.TopHolders,
		}),
		Segments: segment.New(breakpoints, chainClient, cfg.Upstream.Timeout),
		Predictor: forecast.New(forecast.Config{
			MinHistory:      cfg.Forecast.MinHistory,
			WindowDays:      cfg.Forecast.WindowDays,
			ConfidenceFloor: cfg.Forecast.ConfidenceFloor,
			SignalTimeout:   cfg.Forecast.SignalTimeout,
		}, chainClient),
		Cache:    cache,
		Blocks:   blocks,
		Sweeper:  sweeper,
		Poller:   chainClient,
		Head:     blocks,
		Observer: collector,
	}

	var telegramClient *notify.Client
	if cfg.Alerts.Telegram.Enabled {
		telegramClient, err = notify.NewClient(
			cfg.Alerts.Telegram.BotToken,
			cfg.Alerts.Telegram.ChatID,
			cfg.Alerts.Telegram.MaxRetries,
			cfg.Alerts.Telegram.RetryDelayBase,
		)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		deps.Notifier = telegramClient
		deps.Throttle = notify.NewThrottle(models.RiskLevel(cfg.Alerts.MinRisk), cfg.Alerts.Cooldown)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	eng := engine.New(deps, engine.Config{
		AnalyticsTTL:      cfg.Cache.AnalyticsTTL,
		PredictionTTL:     cfg.Cache.PredictionTTL,
		DefaultHorizon:    cfg.Forecast.DefaultHorizon,
		AutoTrack:         cfg.Tracker.AutoTrack,
		Workers:           cfg.Workers.Count,
		QueueSize:         cfg.Workers.QueueSize,
		SnapshotInterval:  cfg.Snapshot.Interval,
		SweepInterval:     cfg.Cache.SweepInterval,
		BlockPollInterval: cfg.Upstream.BlockPollInterval,
		Analytics: analytics.Config{
			LorenzPoints: cfg.Analytics.LorenzPoints,
			Risk: analytics.RiskThresholds{
				CriticalNakamoto: cfg.Analytics.Risk.CriticalNakamoto,
				CriticalCR1:      cfg.Analytics.Risk.CriticalCR1,
				HighNakamoto:     cfg.Analytics.Risk.HighNakamoto,
				HighGini:         cfg.Analytics.Risk.HighGini,
				MediumGini:       cfg.Analytics.Risk.MediumGini,
				MediumCR10:       cfg.Analytics.Risk.MediumCR10,
			},
		},
	})

	seeded := 0
	for _, a := range cfg.Tracker.Addresses {
		if err := eng.StartTracking(ctx, common.HexToAddress(a)); err != nil {
			logger.Warn("Failed to start tracking %s: %v", a, err)
			continue
		}
		seeded++
	}
	logger.Info("Tracking %d of %d configured addresses", seeded, len(cfg.Tracker.Addresses))

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		logger.Info("Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
	}

	var stream *chain.Stream
	if cfg.Upstream.StreamURL != "" {
		stream = chain.NewStream(cfg.Upstream.StreamURL, blocks, eng.Events())
		stream.Start(ctx)
		logger.Info("Listening for power changes on %s", cfg.Upstream.StreamURL)
	} else {
		logger.Debug("Streaming disabled, relying on block polling")
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, eng.Status)
	}

	eng.Start(ctx)

	logger.Debug("Running initial refresh cycle")
	if err := eng.RunCycle(ctx); err != nil {
		logger.Warn("Initial refresh cycle failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, cleaning up...")

	if stream != nil {
		stream.Stop()
	}
	eng.Shutdown()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server: %v", err)
		}
		shutdownCancel()
	}
	cancel()
	logger.Info("Service stopped")
}
