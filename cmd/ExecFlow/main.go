package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"execflow/config"
	"execflow/internal/engine"
	"execflow/internal/strategy"
	"execflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Engine.Name,
		"version":     cfg.Engine.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting execflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to build engine")
		os.Exit(1)
	}
	eng.AddStrategy("order_log", strategy.NewLogging(log))

	if err := eng.Run(ctx); err != nil {
		log.WithError(err).Error("execflow stopped with error")
		os.Exit(1)
	}
	log.Info("execflow stopped")
}
