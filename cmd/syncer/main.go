package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"upvote_sync/internal/config"
	"upvote_sync/internal/publisher"
	"upvote_sync/internal/scheduler"
	"upvote_sync/internal/service"
	"upvote_sync/internal/source/geeknews"
	"upvote_sync/internal/storage/jsonfile"
	"upvote_sync/internal/storage/postgres"
)

// Every abort below is logged and main returns normally, so the exit status
// does not tell "nothing new" apart from "login failed".
func main() {
	// Setup logger
	logger := setupLogger("info")

	// Load credentials before anything touches the network
	creds, err := config.LoadCredentials(config.DefaultCredentialsPath)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		return
	}

	cfg, err := config.Load(config.DefaultSettingsPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	store, err := jsonfile.Open(creds.DataPath, jsonfile.Format(cfg.Storage.Format), logger)
	if err != nil {
		logger.Error("failed to prepare data file", "error", err)
		return
	}

	// Optional archive mirror
	var archive service.Archive
	if creds.DatabaseURL != "" {
		db, err := postgres.Connect(ctx, creds.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			return
		}
		defer db.Close()
		logger.Info("connected to database")

		archive = service.Archive{
			Records:   postgres.NewRecordStore(db),
			SyncState: postgres.NewSyncStateStore(db),
			TxManager: postgres.NewTransactionManager(db),
		}
	}

	// Optional RabbitMQ publisher
	var pub service.Publisher
	if creds.RabbitMQURL != "" {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        creds.RabbitMQURL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			return
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	source := geeknews.New(geeknews.Config{
		BaseURL:   cfg.Source.BaseURL,
		Timeout:   cfg.Source.Timeout,
		UserAgent: cfg.Source.UserAgent,
	}, logger)

	syncService := service.NewSyncService(
		source,
		geeknews.NewExtractor(logger),
		store,
		archive,
		pub,
		creds,
		logger,
		service.Config{
			PageDelay: cfg.Source.PageDelay,
			MaxPages:  cfg.Sync.MaxPages,
		},
	)

	logger.Info("starting upvote syncer",
		"source", source.Name(),
		"data_path", store.Path(),
		"format", cfg.Storage.Format,
		"interval", cfg.Sync.Interval,
		"cron", cfg.Sync.Cron,
		"archive", creds.DatabaseURL != "",
		"publish", pub != nil,
	)

	sched := scheduler.NewScheduler(syncService, scheduler.Config{
		Interval: cfg.Sync.Interval,
		Cron:     cfg.Sync.Cron,
	}, logger)

	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler error", "error", err)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
