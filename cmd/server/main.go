package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/schedcore/internal/events"
	"github.com/t77yq/schedcore/internal/handler"
	"github.com/t77yq/schedcore/internal/model"
	"github.com/t77yq/schedcore/internal/monitor"
	"github.com/t77yq/schedcore/internal/scheduler"
	"github.com/t77yq/schedcore/internal/storage"
	"github.com/t77yq/schedcore/internal/trigger"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("scheduler.timezone", "Local")
	viper.SetDefault("scheduler.default_timeout", "5m")
	viper.SetDefault("scheduler.catchup_missed", false)
	viper.SetDefault("scheduler.retention", "720h")
	viper.SetDefault("storage.schedules_path", "schedules.db")
	viper.SetDefault("storage.executions_path", "executions.db")
	viper.SetDefault("monitor.failure_threshold", 3)
	viper.SetDefault("monitor.stats_interval", "1m")
	viper.SetDefault("monitor.stats_window", "24h")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	loc, err := time.LoadLocation(viper.GetString("scheduler.timezone"))
	if err != nil {
		logger.Fatal("Invalid timezone", zap.Error(err))
	}

	// Connect to NATS for event publication
	var js nats.JetStreamContext
	if viper.GetBool("nats.enabled") {
		opts := []nats.Option{
			nats.Name(viper.GetString("app.name")),
			nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
			nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
			nats.Timeout(viper.GetDuration("nats.connect_timeout")),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				logger.Warn("NATS disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		}

		var nc *nats.Conn
		maxRetries := 5
		for i := 0; i < maxRetries; i++ {
			nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
			if err == nil {
				break
			}
			logger.Warn("Failed to connect to NATS, retrying...",
				zap.Int("attempt", i+1),
				zap.Error(err))
			time.Sleep(time.Second * time.Duration(i+1))
		}
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	}

	// Open stores
	scheduleStore, err := storage.NewSQLiteScheduleStore(logger, viper.GetString("storage.schedules_path"))
	if err != nil {
		logger.Fatal("Failed to open schedule store", zap.Error(err))
	}
	defer scheduleStore.Close()

	executionStore, err := storage.NewSQLiteExecutionStore(logger, viper.GetString("storage.executions_path"))
	if err != nil {
		logger.Fatal("Failed to open execution store", zap.Error(err))
	}
	defer executionStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire the core
	bus := events.NewBus(logger, js)
	if err := bus.Start(ctx); err != nil {
		logger.Fatal("Failed to start event bus", zap.Error(err))
	}

	clock := trigger.NewClock(loc)
	engine := scheduler.NewEngine(logger, executionStore, bus, viper.GetDuration("scheduler.default_timeout"))

	// Register job handlers
	workDir := viper.GetString("handlers.work_dir")
	if workDir == "" {
		workDir = "./work"
	}
	emailConfig := handler.EmailConfig{
		Host:     viper.GetString("handlers.email.host"),
		Port:     viper.GetInt("handlers.email.port"),
		Username: viper.GetString("handlers.email.username"),
		Password: viper.GetString("handlers.email.password"),
		From:     viper.GetString("handlers.email.from"),
	}

	engine.RegisterHandler(model.JobKindReportGeneration, handler.NewReportHandler(logger))
	engine.RegisterHandler(model.JobKindExportCreation, handler.NewExportHandler(logger, workDir))
	engine.RegisterHandler(model.JobKindEmailSending, handler.NewEmailHandler(logger, emailConfig))
	engine.RegisterHandler(model.JobKindNotificationSending, handler.NewNotificationHandler(logger))
	engine.RegisterHandler(model.JobKindDataProcessing, handler.NewDataProcessingHandler(logger))
	engine.RegisterHandler(model.JobKindCleanup, handler.NewCleanupHandler(logger, executionStore, workDir))
	engine.RegisterHandler(model.JobKindBackup, handler.NewBackupHandler(logger, workDir))
	engine.RegisterHandler(model.JobKindHealthCheck, handler.NewHealthCheckHandler(logger))

	registry := scheduler.NewRegistry(logger, scheduleStore, clock, bus, engine)
	timers := scheduler.NewTimerManager(logger, clock, registry, engine, scheduler.TimerOptions{
		CatchupMissed: viper.GetBool("scheduler.catchup_missed"),
	})
	registry.BindTimers(timers)
	engine.BindSource(registry)

	// Monitoring
	failures := monitor.NewFailureMonitor(logger, js, viper.GetInt("monitor.failure_threshold"))
	bus.Subscribe(failures.HandleEvent)
	stats := monitor.NewStatsCollector(logger, js, engine,
		viper.GetDuration("monitor.stats_interval"),
		viper.GetDuration("monitor.stats_window"))
	stats.Start(ctx)
	defer stats.Stop()

	// Rebuild timers from persisted state, then start firing
	if err := registry.Load(ctx); err != nil {
		logger.Fatal("Failed to load schedules", zap.Error(err))
	}
	if err := timers.Reconcile(ctx, registry.ListEnabled()); err != nil {
		logger.Fatal("Failed to reconcile schedules", zap.Error(err))
	}
	timers.Start()
	logger.Info("Scheduler started", zap.Int("armed", timers.ArmedCount()))

	// Ledger retention loop
	go func() {
		retention := viper.GetDuration("scheduler.retention")
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention)
				if err := executionStore.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to prune execution ledger", zap.Error(err))
				}
			}
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	// Stop firing, then drain running executions
	timers.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for engine.RunningCount() > 0 {
		select {
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout reached, abandoning running executions",
				zap.Int("running", engine.RunningCount()))
			return
		case <-time.After(200 * time.Millisecond):
		}
	}

	logger.Info("Server shutting down gracefully")
}
