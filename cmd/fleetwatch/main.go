package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/checks"
	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/mail"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/outage"
	"fleetwatch/internal/policy"
	"fleetwatch/internal/queue"
	"fleetwatch/internal/remote"
	"fleetwatch/internal/web"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	schedulerURL := flag.String("scheduler-url", "", "Remote scheduler base URL for script task cancellation")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("fleetwatch v1.0.0")
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.Logging)
	logger := logrus.StandardLogger()

	logrus.WithFields(logrus.Fields{
		"config_file": *configFile,
		"port":        cfg.Server.Port,
		"database":    cfg.Database.Type,
		"queue":       cfg.Queue.Type,
	}).Info("Starting fleetwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	taskQueue, err := openQueue(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize queue: %v", err)
	}
	defer taskQueue.Close()

	metricsCollector := metrics.NewCollector(store)

	evaluator := checks.NewEvaluator(store, taskQueue, logger)
	projector := policy.NewEngine(store, taskQueue, logger)
	tracker := outage.NewTracker(store, taskQueue, logger,
		cfg.Monitoring.OfflineHorizon, cfg.Monitoring.SweepInterval)

	dispatcher := alerts.NewDispatcher(
		store, taskQueue,
		mail.NewSMTPMailer(),
		notify.NewGatewayTexter(),
		remote.NewHTTPSchedulerClient(*schedulerURL),
		logger,
		alerts.Options{
			Workers:          cfg.Alerting.Workers,
			JitterMin:        cfg.Alerting.JitterMin,
			JitterMax:        cfg.Alerting.JitterMax,
			RenotifyInterval: cfg.Monitoring.RenotifyInterval,
			RatePerSecond:    cfg.Alerting.RatePerSecond,
			RateBurst:        cfg.Alerting.RateBurst,
		},
	)

	webServer := web.NewServer(cfg, store, evaluator, projector, metricsCollector)
	evaluator.SetBroadcaster(webServer.Hub())
	tracker.SetListener(webServer.Hub())

	go tracker.Run(ctx)
	go dispatcher.Run(ctx)
	go webServer.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logrus.WithField("signal", sig).Info("Received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server shutdown failed")
	}

	time.Sleep(time.Second)
	logrus.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.Database.Type {
	case "postgres":
		return database.NewPostgresStore(ctx, cfg.Database.DSN)
	default:
		return database.NewBoltStore(cfg.Database.Path)
	}
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case "redis":
		return queue.NewRedisQueue(cfg.Queue.Addr, cfg.Queue.Password, cfg.Queue.DB, cfg.Queue.Key)
	default:
		return queue.NewMemoryQueue(), nil
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
