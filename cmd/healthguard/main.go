package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/lucid-vigil/healthguard/pkg/actions"
	"github.com/lucid-vigil/healthguard/pkg/actions/kafka_publish"
	"github.com/lucid-vigil/healthguard/pkg/alerts"
	"github.com/lucid-vigil/healthguard/pkg/api"
	"github.com/lucid-vigil/healthguard/pkg/config"
	"github.com/lucid-vigil/healthguard/pkg/detector"
	"github.com/lucid-vigil/healthguard/pkg/engine"
	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/features"
	"github.com/lucid-vigil/healthguard/pkg/logger"
	"github.com/lucid-vigil/healthguard/pkg/model"
	"github.com/lucid-vigil/healthguard/pkg/risk"
	"github.com/lucid-vigil/healthguard/pkg/rules"
	"github.com/lucid-vigil/healthguard/pkg/scheduler"
	"github.com/lucid-vigil/healthguard/pkg/storage"
	"github.com/lucid-vigil/healthguard/pkg/telemetry"
)

func main() {
	// Load configuration first
	v := config.NewViper()
	cfg, fileFound, err := config.Load(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger based on config
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	log.Info().Msg("HealthGuard starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s, Storage=%s", cfg.LogLevel, cfg.APIPort, cfg.Storage.Driver)

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a channel to listen for OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Goroutine to handle graceful shutdown
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
		cancel() // Cancel the context to signal other goroutines to stop
	}()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	locker, closeLocker := openLocker(ctx, cfg)
	defer closeLocker()

	capability, err := model.CheckCapability(cfg.Detection.Enabled)
	if err != nil {
		log.Warn().Err(err).Msg("Anomaly detection unavailable, continuing with rules only")
	}
	log.Info().Str("capability", capability.String()).Msg("Numeric modeling checked")

	extractor := features.NewExtractor(cfg.Detection.HashBuckets, cfg.Detection.MaxContextCount)
	history := features.NewStoreHistory(store, time.Now)
	registry := model.NewRegistry(store, extractor, locker, model.RegistryConfig{
		Forest: model.ForestParams{
			NumTrees:      cfg.Detection.NumTrees,
			SampleSize:    cfg.Detection.SampleSize,
			Contamination: cfg.Detection.Contamination,
			Seed:          cfg.Detection.Seed,
		},
		MinSamples:     cfg.Detection.MinTrainingSamples,
		TrainingWindow: cfg.Detection.TrainingWindow,
		MaxSamples:     int64(cfg.Detection.MaxTrainingSamples),
	}, log.Logger)
	det := detector.New(capability, registry, history, extractor, store, cfg.Detection.AnomalyThreshold, log.Logger)

	ruleEngine := rules.NewEngine(history, cfg.Rules, time.Now, log.Logger)

	dispatcher := actions.NewActionDispatcher(cfg.Actions.Enabled, cfg.Actions.Names, log.Logger)
	if cfg.Actions.DedupWindow > 0 {
		dedup := actions.NewAlertDeduplicator(cfg.Actions.DedupWindow, time.Now)
		defer dedup.Stop()
		dispatcher.SetDeduplicator(dedup)
	}
	if cfg.Kafka.Enabled {
		publisher := kafka_publish.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		dispatcher.RegisterAction(publisher)
	}

	if fileFound {
		config.Watch(v, func(updated *config.Config) {
			ruleEngine.SetConfig(updated.Rules)
			dispatcher.SetEnabled(updated.Actions.Enabled)
		})
	}

	ingest := engine.New(
		store,
		events.NewEventValidator(cfg.Ingest.MaxDetailsSize, cfg.Ingest.RatePerMinute, cfg.Ingest.Burst),
		ruleEngine,
		det,
		dispatcher,
		engine.Config{
			ReportThreshold:    cfg.Detection.AnomalyThreshold,
			ResponseScoreFloor: cfg.Detection.ResponseScoreFloor,
		},
		time.Now,
		log.Logger,
	)
	riskService := risk.NewService(store, cfg.Risk.Staleness, cfg.Risk.Workers, time.Now, log.Logger)
	alertService := alerts.NewService(store, time.Now, log.Logger)
	telemetryService := telemetry.NewService(store, alertService, dispatcher, cfg.Telemetry, time.Now, log.Logger)

	// Initialize and start the scheduler
	sched := scheduler.NewScheduler(cfg)
	sched.RegisterJob(scheduler.NewRiskSweepJob(riskService))
	sched.RegisterJob(scheduler.NewModelRetrainJob(det, cfg.Detection.RetrainWorkers, cfg.Performance.MaxCPUPercent))
	sched.Start(ctx)

	handler := api.NewHandler(ingest, telemetryService, riskService, alertService, det, log.Logger)
	if err := api.StartAPIServer(ctx, cfg.APIPort, handler.Router()); err != nil {
		log.Error().Err(err).Msg("API server failed")
		cancel()
	}

	sched.Wait()
	log.Info().Msg("HealthGuard stopped.")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Backend, func()) {
	if cfg.Storage.Driver != "mongo" {
		log.Warn().Msg("Using in-memory storage, data is lost on restart")
		return storage.NewMemoryStore(), func() {}
	}

	store, client, err := storage.ConnectMongo(ctx, cfg.Storage.MongoURI, cfg.Storage.Database, cfg.Storage.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create MongoDB indexes")
	}
	log.Info().Str("database", cfg.Storage.Database).Msg("Connected to MongoDB")

	return store, func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Error().Err(err).Msg("Failed to disconnect from MongoDB")
		}
	}
}

func openLocker(ctx context.Context, cfg *config.Config) (model.Locker, func()) {
	if !cfg.Redis.Enabled {
		return model.NewLocalLocker(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis training locks")

	return model.NewRedisLocker(rdb, cfg.Redis.LockTTL), func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis client")
		}
	}
}
