package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Mansoor88-6/analytics-telemetry/internal/client"
	"Mansoor88-6/analytics-telemetry/internal/collector"
	"Mansoor88-6/analytics-telemetry/internal/config"
	"Mansoor88-6/analytics-telemetry/internal/connectivity"
	"Mansoor88-6/analytics-telemetry/internal/database"
	"Mansoor88-6/analytics-telemetry/internal/datastore"
	"Mansoor88-6/analytics-telemetry/internal/device"
	"Mansoor88-6/analytics-telemetry/internal/localstore"
	"Mansoor88-6/analytics-telemetry/internal/logger"
	"Mansoor88-6/analytics-telemetry/internal/models"
	"Mansoor88-6/analytics-telemetry/internal/ops"
	"Mansoor88-6/analytics-telemetry/internal/queue"
	"Mansoor88-6/analytics-telemetry/internal/server"
	"Mansoor88-6/analytics-telemetry/internal/service"
	"Mansoor88-6/analytics-telemetry/internal/session"
	"Mansoor88-6/analytics-telemetry/internal/tracker"

	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting telemetry agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
		zap.String("sink", cfg.Sink.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize local database
	db, err := database.New(cfg.Storage.Path, logger.WithComponent(log.Logger, "database"))
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()
	store := localstore.NewSQLiteStore(db.DB, log.Logger)

	// Resolve installation id
	deviceProvider := device.NewProvider(store, cfg.Device.InstallationID, cfg.Device.AppVersion, logger.WithComponent(log.Logger, "device"))
	installationID, err := deviceProvider.InstallationID(ctx)
	if err != nil {
		log.Fatal("Failed to resolve installation id", zap.Error(err))
	}
	deviceInfo := deviceProvider.Info()

	notifier, closeNotifier := ops.Build(cfg.Kafka.Enabled, ops.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
	}, logger.WithComponent(log.Logger, "ops"))
	defer closeNotifier()

	// Select the event sink
	monitor := connectivity.NewMonitor(true, logger.WithComponent(log.Logger, "connectivity"))
	var sink datastore.EventSink
	if cfg.Sink.Driver == "http" {
		apiClient := client.NewAPIClient(cfg.Sink.BaseURL, cfg.Sink.APIKey, cfg.Sink.Timeout, logger.WithComponent(log.Logger, "client"))
		sink = apiClient
		go monitor.Probe(ctx, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, apiClient.HealthCheck)
	} else {
		remote, err := datastore.Open(ctx, config.DatastoreConfig{
			Driver:     cfg.Sink.Driver,
			SQLitePath: cfg.Datastore.SQLitePath,
			Postgres:   cfg.Datastore.Postgres,
			ClickHouse: cfg.Datastore.ClickHouse,
			Supabase:   cfg.Datastore.Supabase,
		}, logger.WithComponent(log.Logger, "datastore"))
		if err != nil {
			log.Fatal("Failed to open datastore sink", zap.Error(err))
		}
		defer remote.Close()
		sink = remote
	}

	// Initialize offline log and delivery pipeline
	offlineLog, err := queue.NewOfflineLog(ctx, store, queue.Config{
		MaxEvents: cfg.Durability.MaxEvents,
		Backoff: queue.BackoffConfig{
			Initial:    cfg.Durability.Backoff.Initial,
			Multiplier: cfg.Durability.Backoff.Multiplier,
			Max:        cfg.Durability.Backoff.Max,
		},
	}, notifier, nil, logger.WithComponent(log.Logger, "queue"))
	if err != nil {
		log.Fatal("Failed to open offline log", zap.Error(err))
	}

	pipeline := service.NewPipeline(sink, offlineLog, monitor, service.PipelineConfig{
		ReplayInterval: cfg.Durability.ReplayInterval,
	}, nil, logger.WithComponent(log.Logger, "pipeline"))
	pipeline.Start(ctx)

	// Initialize event collector
	eventCollector := collector.NewEventCollector(collector.Config{
		BatchSize:     cfg.Batch.Size,
		FlushInterval: cfg.Batch.FlushInterval,
		Buffer:        cfg.Batch.Buffer,
		MaxQueued:     cfg.Batch.MaxQueued,
	}, pipeline.Deliver, logger.WithComponent(log.Logger, "collector"),
		collector.WithOverflow(pipeline.Spill),
	)
	eventCollector.Start()

	// Initialize sessions and the tracker
	sessions := session.NewManager(cfg.Session.Timeout, nil, logger.WithComponent(log.Logger, "session"),
		session.WithEndHook(func(s models.Session) {
			log.Debug("Session ended", zap.String("session_id", s.ID))
		}),
	)
	go sessions.Watch(ctx, cfg.Session.CheckInterval)

	pending := tracker.NewPendingStore(tracker.DefaultPendingTTL, nil, logger.WithComponent(log.Logger, "pending"))
	pending.StartCleanup(cfg.Session.CheckInterval)

	t := tracker.New(eventCollector, sessions, deviceProvider, pending, nil, logger.WithComponent(log.Logger, "tracker"))

	// Start the local bridge for embedding applications
	bridge := server.NewBridgeServer(t, monitor, func() any {
		return map[string]any{
			"pipeline":  pipeline.Status(),
			"collector": eventCollector.Stats(),
			"session":   sessions.State(),
			"device":    deviceInfo,
		}
	}, logger.WithComponent(log.Logger, "bridge"), server.WithDevice(deviceProvider))
	bridgeServer := &http.Server{
		Addr:         cfg.Server.BridgeAddr,
		Handler:      bridge,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("Starting bridge server", zap.String("address", cfg.Server.BridgeAddr))
		if err := bridgeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Bridge server error", zap.Error(err))
		}
	}()

	log.Info("Telemetry agent started successfully",
		zap.String("installation_id", installationID),
		zap.String("os", deviceInfo.OS),
		zap.String("os_release", deviceInfo.OSRelease),
		zap.String("machine", deviceInfo.Machine),
		zap.String("app_version", deviceInfo.AppVersion),
		zap.Int("offline_batches", offlineLog.Stats().Batches),
	)

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	log.Info("Shutting down telemetry agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := bridgeServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Bridge server shutdown error", zap.Error(err))
	}

	// Ending the session flushes what is buffered; the collector then hands
	// its last batch to the pipeline before the pipeline stops.
	if err := t.Background(shutdownCtx); err != nil {
		log.Warn("Final flush failed", zap.Error(err))
	}
	if err := eventCollector.Stop(shutdownCtx); err != nil {
		log.Warn("Collector stop error", zap.Error(err))
	}
	pipeline.Stop()
	pending.Stop()

	log.Info("Telemetry agent stopped", zap.Int("pending_offline_events", offlineLog.Pending()))
}
