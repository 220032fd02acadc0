package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/api"
	"bybit-alert-bot/internal/bybit"
	"bybit-alert-bot/internal/cache"
	"bybit-alert-bot/internal/clock"
	"bybit-alert-bot/internal/database"
	"bybit-alert-bot/internal/events"
	"bybit-alert-bot/internal/ingest"
	"bybit-alert-bot/internal/logging"
	"bybit-alert-bot/internal/market"
	"bybit-alert-bot/internal/notification"
	"bybit-alert-bot/internal/signals"
)

const shardWorkers = 8

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--sample-config" {
		if err := config.GenerateSampleConfig("config.sample.json"); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		log.Println("Wrote config.sample.json")
		return
	}

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("starting bybit alert bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence.
	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	candleRepo := database.NewCandleRepository(db)
	alertRepo := database.NewAlertRepository(db)
	watchlistRepo := database.NewWatchlistRepository(db)

	// Exchange clients and time synchronization.
	restClient := bybit.NewClient(cfg.BybitConfig, logger)
	oracle := clock.New(cfg.TimeSyncConfig, restClient, logger)
	go oracle.Run(ctx)

	// Event bus and alert sinks.
	bus := events.NewBus()
	signalCfg := config.NewStore(cfg.SignalConfig)

	var redisService *cache.Service
	if cfg.RedisConfig.Enabled {
		redisService, err = cache.NewService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without broadcast")
		}
	}

	notifyManager := notification.NewManager(cfg.NotificationConfig, logger)
	if cfg.NotificationConfig.Telegram.Enabled {
		notifyManager.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
	}

	// Signal pipeline.
	books := ingest.NewOrderBookAdapter(restClient, 5)
	volumeDetector := signals.NewVolumeDetector(candleRepo, alertRepo, books, logger)
	consecutiveDetector := signals.NewConsecutiveDetector(alertRepo, logger)
	priorityCorrelator := signals.NewPriorityCorrelator(alertRepo, alertRepo, logger)

	processor := signals.NewProcessor(
		candleRepo,
		market.NewCandleCache(market.DefaultCacheCapacity),
		volumeDetector,
		consecutiveDetector,
		priorityCorrelator,
		oracle,
		signalCfg,
		logger,
		shardWorkers,
	)
	processor.AddSink(newEventBusSink(bus))
	if redisService != nil {
		processor.AddSink(redisService)
		// Messengers only get the first finalized delivery per minute.
		processor.AddSink(&dedupSink{next: notifyManager, dedup: redisService})
	} else {
		processor.AddSink(notifyManager)
	}
	processor.Start(ctx)

	// Ingestion.
	subs := bybit.NewSubscriptionManager(cfg.BybitConfig.SubscribeBatchSize, cfg.BybitConfig.SubscribeBatchMs, logger)
	ingestService := ingest.NewService(
		cfg.BybitConfig,
		signalCfg,
		restClient,
		candleRepo,
		watchlistRepo,
		subs,
		processor,
		oracle,
		bus,
		logger,
	)
	processor.SetMaintainFunc(ingestService.MaintainRange)
	go func() {
		if err := ingestService.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("ingestion stopped")
		}
	}()

	// Periodic alert retention cleanup.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := alertRepo.Cleanup(ctx, 7, oracle.NowUTCMs()); err != nil {
					logger.Warn().Err(err).Msg("alert cleanup failed")
				} else if n > 0 {
					logger.Info().Int64("removed", n).Msg("expired alerts cleaned up")
				}
			}
		}
	}()

	// Status server.
	if cfg.ServerConfig.Enabled {
		var alertCache api.AlertCache
		if redisService != nil {
			alertCache = redisService
		}
		server := api.NewServer(cfg.ServerConfig, signalCfg, oracle, subs, alertRepo, watchlistRepo, alertCache, logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	// Wait for interrupt.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	cancel()
	processor.Wait()
	if redisService != nil {
		_ = redisService.Close()
	}
	logger.Info().Msg("shutdown complete")
}

// eventBusSink publishes alerts onto the in-process bus.
type eventBusSink struct {
	bus *events.Bus
}

func newEventBusSink(bus *events.Bus) *eventBusSink {
	return &eventBusSink{bus: bus}
}

func (s *eventBusSink) Publish(ctx context.Context, alert *database.Alert, created bool) {
	eventType := events.EventAlertUpdated
	if created {
		eventType = events.EventAlertCreated
	}
	s.bus.Publish(events.Event{
		Type: eventType,
		Data: map[string]any{
			"alert": alert,
		},
	})
}

// dedupSink forwards finalized alerts to the wrapped sink only once per
// symbol and minute, using the redis dedup key. Preliminary alerts pass
// through untouched; the notifier skips them anyway.
type dedupSink struct {
	next  signals.AlertSink
	dedup *cache.Service
}

func (s *dedupSink) Publish(ctx context.Context, alert *database.Alert, created bool) {
	if alert.IsClosed && alert.Candle != nil {
		if !s.dedup.MarkAlerted(ctx, alert.Symbol, string(alert.Kind), alert.Candle.OpenTime) {
			return
		}
	}
	s.next.Publish(ctx, alert, created)
}
