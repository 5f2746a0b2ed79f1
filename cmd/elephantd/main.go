package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/JTOne123/elephant/internal/api"
	"github.com/JTOne123/elephant/internal/maintenance"
	"github.com/JTOne123/elephant/internal/metrics"
	"github.com/JTOne123/elephant/internal/registry"
	"github.com/JTOne123/elephant/internal/runtime"
	"github.com/JTOne123/elephant/pkg/bus/wsbus"
	"github.com/JTOne123/elephant/pkg/cli"
	"github.com/JTOne123/elephant/pkg/config"
	"github.com/JTOne123/elephant/pkg/version"
)

func main() {
	// .env is optional; ELEPHANT_* variables override file settings.
	_ = godotenv.Load(".env")

	flags := cli.ParseFlags()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	// Configure logging
	setLogLevel(cfg.Log.Level)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})

	log.Infof("Starting elephantd %s (commit: %s)", version.Version, version.CommitHash)
	log.Infof("Config: Host=%s", cfg.Server.Host)
	log.Infof("Config: Port=%d", cfg.Server.Port)
	log.Infof("Config: Backend=%s", cfg.Storage.Backend)
	log.Infof("Config: LogLevel=%s", cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The hub is the process-wide bus: in-process adapters and remote
	// bus clients share one notification domain.
	hub := wsbus.NewHub()

	regOpts := registry.Options{Backend: cfg.Storage.Backend}
	var db *pebble.DB
	if cfg.Storage.Backend == config.BackendPebble {
		db, err = pebble.Open(cfg.Storage.Path, &pebble.Options{})
		if err != nil {
			log.WithField("path", cfg.Storage.Path).WithError(err).Fatal("Failed to open storage")
		}
		log.WithField("path", cfg.Storage.Path).Info("Opened durable storage")
		regOpts.DB = db
	}

	reg, err := registry.New(hub, regOpts)
	if err != nil {
		log.WithError(err).Fatal("Failed to create queue registry")
	}
	prometheus.MustRegister(metrics.NewCollector(reg))

	apiSvc := api.NewService(cfg.Server.Host, cfg.Server.Port, reg, hub)

	super := runtime.NewSupervisor()
	super.Add("api", func(ctx context.Context) error { return apiSvc.Start(ctx) }, apiSvc.Close)

	if cfg.Maintenance.CompactionCron != "" {
		compactor, err := maintenance.NewCompactor(cfg.Maintenance.CompactionCron, reg)
		if err != nil {
			log.WithError(err).Fatal("Failed to create compactor")
		}
		super.Add("maintenance", compactor.Start, nil)
	}

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor stopped with error")
		os.Exit(1)
	}

	// Shutdown order: queues release parked waiters, then the hub drops
	// its clients, then storage closes.
	if err := reg.Close(); err != nil {
		log.WithError(err).Warn("Failed to close queue registry")
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := hub.Close(closeCtx); err != nil {
		log.WithError(err).Warn("Failed to close bus hub")
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close storage")
		}
	}

	log.Info("Shutdown complete")
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
